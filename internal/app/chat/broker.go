package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"relaychat/internal/app/store"
	"relaychat/internal/app/user"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
	"relaychat/internal/pkg/req"
)

var (
	// ErrInvalidEvent marks an inbound event with missing or malformed fields.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrRoutingDenied marks a send the routing policy does not permit.
	ErrRoutingDenied = errors.New("routing denied")

	// ErrIgnored marks an event that is not applicable in the session's current state.
	ErrIgnored = errors.New("event ignored")

	// ErrBrokerClosed is returned by NewSession after Shutdown.
	ErrBrokerClosed = errors.New("broker is shut down")
)

// Options tunes the broker.
type Options struct {
	// HistoryLimit caps the history sent on join to the most recent messages. Zero sends all.
	HistoryLimit int

	// MaxBodyBytes is the largest accepted message body.
	MaxBodyBytes int
}

// Broker owns the Directory and routes session events to the Policy and the Store.
//
// Presence changes (register, unregister and the broadcast that follows) are serialized by
// presenceMu so every session observes presence frames in mutation order. Store calls are never
// made while presenceMu or the Directory lock is held.
type Broker struct {
	store     store.Store
	policy    *Policy
	directory *Directory
	opts      Options
	validate  *validator.Validate

	// frameLimit is the websocket read limit, large enough for a MaxBodyBytes body.
	frameLimit int64

	presenceMu sync.Mutex

	// mu protects sessions and closed.
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool

	now    func() time.Time
	logger zerolog.Logger
}

// NewBroker constructs a Broker backed by st.
func NewBroker(st store.Store, policy *Policy, opts Options) *Broker {
	return &Broker{
		store:      st,
		policy:     policy,
		directory:  NewDirectory(),
		opts:       opts,
		validate:   req.Validator(),
		frameLimit: frameLimit(opts.MaxBodyBytes),
		sessions:   make(map[*Session]struct{}),
		now:        time.Now,
		logger:     logx.Component("Broker"),
	}
}

// frameLimit returns the read limit for frames that may carry a body of maxBody bytes.
func frameLimit(maxBody int) int64 {
	return max(minFrameSize, int64(maxBody)*jsonEscapeFactor+envelopeOverhead)
}

// Directory exposes the presence registry for read-only inspection.
func (b *Broker) Directory() *Directory {
	return b.directory
}

// Online returns the number of identities currently present.
func (b *Broker) Online() int {
	return b.directory.Len()
}

// NewSession creates a Session in the Connecting state for conn. conn may be nil for
// sessions driven directly through the broker API.
func (b *Broker) NewSession(conn *websocket.Conn) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	s := newSession(b, conn)
	b.sessions[s] = struct{}{}
	return s, nil
}

// HandleFrame decodes one inbound frame and dispatches it. Invalid, denied and failed events
// are logged and dropped; nothing is reported back to the session.
func (b *Broker) HandleFrame(ctx context.Context, s *Session, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logOutcome(s, "", fmt.Errorf("%w: %v", ErrInvalidEvent, err))
		return
	}

	var err error
	switch env.Type {
	case TypeJoin:
		var p JoinPayload
		if err = b.decode(env.Payload, &p); err == nil {
			err = b.Join(ctx, s, p)
		}

	case TypeSend:
		var p SendPayload
		if err = b.decode(env.Payload, &p); err == nil {
			_, err = b.Send(ctx, s, p)
		}

	case TypeMarkRead:
		var p MarkReadPayload
		if err = b.decode(env.Payload, &p); err == nil {
			err = b.MarkRead(ctx, s, p)
		}

	default:
		err = fmt.Errorf("%w: unsupported frame type %q", ErrInvalidEvent, env.Type)
	}

	b.logOutcome(s, env.Type, err)
}

func (b *Broker) decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := b.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (b *Broker) logOutcome(s *Session, t FrameType, err error) {
	if err == nil {
		return
	}

	var ev *zerolog.Event
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrIgnored):
		ev = s.logger.Debug()
	case errors.Is(err, ErrRoutingDenied):
		ev = s.logger.Info()
	default:
		ev = s.logger.Error()
	}
	ev.Err(err).Str("frame_type", string(t)).Msg("Event dropped")
}

// Join binds s to identity and role. On success the session receives its history and roster
// before any other frame, and every session receives the updated presence.
func (b *Broker) Join(ctx context.Context, s *Session, p JoinPayload) error {
	if !randx.IsValidIdentity(p.Identity) {
		return fmt.Errorf("%w: malformed identity", ErrInvalidEvent)
	}
	if !b.policy.IsKnownRole(p.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidEvent, p.Role)
	}

	if !s.beginJoin(p.Identity, p.Role) {
		return fmt.Errorf("%w: join while %s", ErrIgnored, s.State())
	}

	recorded, err := b.store.GetUser(ctx, p.Identity)
	switch {
	case err == nil && recorded.Role != p.Role:
		s.abortJoin()
		return fmt.Errorf("%w: role %q conflicts with recorded role %q", ErrInvalidEvent, p.Role, recorded.Role)
	case err != nil && !errors.Is(err, store.ErrUserNotFound):
		s.abortJoin()
		return err
	}

	b.presenceMu.Lock()
	if s.State() != StateJoining {
		b.presenceMu.Unlock()
		return fmt.Errorf("%w: session closed while joining", ErrIgnored)
	}
	prev := b.directory.Register(p.Identity, p.Role, s)
	b.broadcastPresenceLocked()
	b.presenceMu.Unlock()

	if prev != nil {
		s.logger.Info().Str("superseded_session", prev.ID).Msg("Identity reconnected, previous session is no longer reachable.")
	}

	frames, delivered, err := b.joinFrames(ctx, p.Identity, p.Role)
	if err != nil {
		b.presenceMu.Lock()
		if _, ok := b.directory.Unregister(s); ok {
			b.broadcastPresenceLocked()
		}
		b.presenceMu.Unlock()
		s.abortJoin()
		return err
	}

	if !s.completeJoin(frames, delivered) {
		return fmt.Errorf("%w: session closed while joining", ErrIgnored)
	}

	s.logger.Info().
		Str("identity", p.Identity).
		Str("role", string(p.Role)).
		Int("total_online", b.directory.Len()).
		Msg("Session joined.")
	return nil
}

// joinFrames loads the history and roster for a joining participant.
func (b *Broker) joinFrames(ctx context.Context, identity string, role user.Role) ([][]byte, map[int64]struct{}, error) {
	history, err := b.store.LoadHistory(ctx, identity, b.opts.HistoryLimit)
	if err != nil {
		return nil, nil, err
	}

	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return nil, nil, err
	}

	roster := lo.Filter(users, func(u user.User, _ int) bool {
		return u.ID != identity && b.policy.IsAllowed(role, u.Role)
	})

	now := b.now()
	historyFrame, err := NewFrame(TypeHistory, HistoryPayload{Messages: history}, now)
	if err != nil {
		return nil, nil, err
	}
	rosterFrame, err := NewFrame(TypeRoster, RosterPayload{Users: roster}, now)
	if err != nil {
		return nil, nil, err
	}

	delivered := lo.SliceToMap(history, func(m store.Message) (int64, struct{}) {
		return m.ID, struct{}{}
	})
	return [][]byte{historyFrame, rosterFrame}, delivered, nil
}

// Send persists a permitted message and delivers it to the online sessions of both parties.
func (b *Broker) Send(ctx context.Context, s *Session, p SendPayload) (store.Message, error) {
	identity, role, ok := s.joined()
	if !ok {
		return store.Message{}, fmt.Errorf("%w: send while %s", ErrIgnored, s.State())
	}

	sender := p.Sender
	if sender == "" {
		sender = identity
	}

	switch {
	case sender != identity:
		return store.Message{}, fmt.Errorf("%w: sender %q is not the joined identity", ErrInvalidEvent, sender)
	case !randx.IsValidIdentity(p.Recipient):
		return store.Message{}, fmt.Errorf("%w: malformed recipient", ErrInvalidEvent)
	case p.Recipient == sender:
		return store.Message{}, fmt.Errorf("%w: sender and recipient are the same", ErrInvalidEvent)
	case strings.TrimSpace(p.Body) == "":
		return store.Message{}, fmt.Errorf("%w: empty body", ErrInvalidEvent)
	case len(p.Body) > b.opts.MaxBodyBytes:
		return store.Message{}, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidEvent, b.opts.MaxBodyBytes)
	}

	recipientRole, err := b.roleOf(ctx, p.Recipient)
	if err != nil {
		return store.Message{}, err
	}

	if !b.policy.IsAllowed(role, recipientRole) {
		return store.Message{}, fmt.Errorf("%w: %s may not message %s", ErrRoutingDenied, role, recipientRole)
	}

	sentAt := b.now()
	if p.SentAt != nil && !p.SentAt.IsZero() {
		sentAt = *p.SentAt
	}
	// frames carry RFC 3339 timestamps, which only cover four digit years
	if y := sentAt.UTC().Year(); y < 1 || y > 9999 {
		return store.Message{}, fmt.Errorf("%w: sentAt year %d out of range", ErrInvalidEvent, y)
	}
	sentAt = sentAt.UTC().Truncate(time.Microsecond)

	id, err := b.store.AppendMessage(ctx, sender, p.Recipient, p.Body, sentAt)
	if err != nil {
		return store.Message{}, err
	}

	msg := store.Message{
		ID:        id,
		Sender:    sender,
		Recipient: p.Recipient,
		Body:      p.Body,
		SentAt:    sentAt,
	}

	frame, err := NewFrame(TypeMessageDelivered, MessageDeliveredPayload{Message: msg}, b.now())
	if err != nil {
		return store.Message{}, err
	}
	b.deliver(frame, id, sender, p.Recipient)

	return msg, nil
}

// roleOf returns the role of an identity, preferring the live Directory over the Store.
// Identities unknown to both have RoleUnknown.
func (b *Broker) roleOf(ctx context.Context, identity string) (user.Role, error) {
	if e, ok := b.directory.Lookup(identity); ok {
		return e.Role, nil
	}

	u, err := b.store.GetUser(ctx, identity)
	if errors.Is(err, store.ErrUserNotFound) {
		return user.RoleUnknown, nil
	}
	if err != nil {
		return user.RoleUnknown, err
	}
	return u.Role, nil
}

// MarkRead records a read receipt and notifies the online sessions of both parties. A message
// that is already read produces no notification.
func (b *Broker) MarkRead(ctx context.Context, s *Session, p MarkReadPayload) error {
	if _, _, ok := s.joined(); !ok {
		return fmt.Errorf("%w: markRead while %s", ErrIgnored, s.State())
	}
	if p.MessageID <= 0 || p.ReadAt == nil || p.ReadAt.IsZero() {
		return fmt.Errorf("%w: messageId and readAt are required", ErrInvalidEvent)
	}

	receipt, ok, err := b.store.MarkRead(ctx, p.MessageID, *p.ReadAt)
	if errors.Is(err, store.ErrMessageNotFound) {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: message %d already read", ErrIgnored, p.MessageID)
	}

	frame, err := NewFrame(TypeMessageRead, MessageReadPayload{MessageID: receipt.MessageID, ReadAt: receipt.ReadAt}, b.now())
	if err != nil {
		return err
	}
	b.deliver(frame, 0, receipt.Sender, receipt.Recipient)
	return nil
}

// deliver queues frame on the current session of each identity that is online.
func (b *Broker) deliver(frame []byte, messageID int64, identities ...string) {
	for _, identity := range lo.Uniq(identities) {
		if e, ok := b.directory.Lookup(identity); ok {
			e.Session.enqueue(frame, messageID)
		}
	}
}

// broadcastPresenceLocked sends the active set of every role to every registered session.
// The caller must hold presenceMu.
func (b *Broker) broadcastPresenceLocked() {
	roles := b.policy.Roles()
	active, sessions := b.directory.Snapshot(roles)

	now := b.now()
	frames := lo.FilterMap(roles, func(r user.Role, _ int) ([]byte, bool) {
		frame, err := NewFrame(TypePresence, PresencePayload{Role: r, Active: active[r]}, now)
		if err != nil {
			b.logger.Error().Err(err).Str("role", string(r)).Msg("Failed to build presence frame.")
			return nil, false
		}
		return frame, true
	})

	for _, s := range sessions {
		for _, f := range frames {
			s.enqueue(f, 0)
		}
	}
}

// Disconnect closes s, removes it from the Directory and re-broadcasts presence if it was the
// current session of its identity. Further events on s are ignored.
func (b *Broker) Disconnect(s *Session) {
	b.presenceMu.Lock()
	prev := s.markClosed()
	identity, removed := b.directory.Unregister(s)
	if removed {
		b.broadcastPresenceLocked()
	}
	b.presenceMu.Unlock()

	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()

	if prev != StateClosed {
		s.logger.Info().
			Str("identity", identity).
			Bool("was_present", removed).
			Msg("Session closed.")
	}
}

// Shutdown closes every session and clears the Directory. Sessions created afterwards are refused.
func (b *Broker) Shutdown() {
	b.logger.Info().Msg("Shutting down broker...")

	b.presenceMu.Lock()
	b.mu.Lock()
	b.closed = true
	sessions := lo.Keys(b.sessions)
	b.sessions = make(map[*Session]struct{})
	b.mu.Unlock()

	b.directory.Clear()
	for _, s := range sessions {
		s.markClosed()
	}
	b.presenceMu.Unlock()

	b.logger.Info().Int("sessions_closed", len(sessions)).Msg("Broker shutdown complete.")
}
