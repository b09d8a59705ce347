package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"relaychat/internal/app/store"
	"relaychat/internal/app/user"
	"relaychat/internal/mocks"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestBroker(st store.Store) *Broker {
	b := NewBroker(st, riderClientPolicy(), Options{MaxBodyBytes: 64})
	b.now = func() time.Time { return testNow }
	return b
}

func newBadgerStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)

	s, err := store.NewBadgerStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func register(t *testing.T, st store.Store, key string, role user.Role) user.User {
	t.Helper()
	u, _, err := st.FindOrCreateUser(context.Background(), key, role, "First", key)
	require.NoError(t, err)
	return u
}

func newJoined(t *testing.T, b *Broker, identity string, role user.Role) *Session {
	t.Helper()
	s, err := b.NewSession(nil)
	require.NoError(t, err)
	require.NoError(t, b.Join(context.Background(), s, JoinPayload{Identity: identity, Role: role}))
	return s
}

// drain returns every frame currently queued on s without blocking.
func drain(t *testing.T, s *Session) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func frameTypes(envs []Envelope) []FrameType {
	return lo.Map(envs, func(e Envelope, _ int) FrameType { return e.Type })
}

func payloadOf[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var p T
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func framesOfType(envs []Envelope, ft FrameType) []Envelope {
	return lo.Filter(envs, func(e Envelope, _ int) bool { return e.Type == ft })
}

func presenceFor(t *testing.T, envs []Envelope, role user.Role) [][]string {
	t.Helper()
	var out [][]string
	for _, e := range framesOfType(envs, TypePresence) {
		p := payloadOf[PresencePayload](t, e)
		if p.Role == role {
			out = append(out, p.Active)
		}
	}
	return out
}

func TestBroker_Scenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	c2 := register(t, st, "c2", "client")
	r1 := register(t, st, "r1", "rider")

	// c1 joins: empty history, a roster of riders, then presence
	c1s := newJoined(t, b, c1.ID, "client")
	frames := drain(t, c1s)
	req.Equal([]FrameType{TypeHistory, TypeRoster, TypePresence, TypePresence}, frameTypes(frames))
	req.Empty(payloadOf[HistoryPayload](t, frames[0]).Messages)
	req.Equal([]user.User{r1}, payloadOf[RosterPayload](t, frames[1]).Users)
	req.Equal([][]string{{c1.ID}}, presenceFor(t, frames, "client"))
	req.Equal(StateJoined, c1s.State())

	// r1 joins: both see updated presence, r1 gets the full client roster
	r1s := newJoined(t, b, r1.ID, "rider")
	frames = drain(t, r1s)
	req.Equal([]FrameType{TypeHistory, TypeRoster, TypePresence, TypePresence}, frameTypes(frames))
	req.ElementsMatch([]string{c1.ID, c2.ID}, lo.Map(payloadOf[RosterPayload](t, frames[1]).Users, func(u user.User, _ int) string { return u.ID }))
	req.Equal([][]string{{r1.ID}}, presenceFor(t, frames, "rider"))

	frames = drain(t, c1s)
	req.Equal([][]string{{r1.ID}}, presenceFor(t, frames, "rider"))
	req.Equal([][]string{{c1.ID}}, presenceFor(t, frames, "client"))

	// c1 sends to r1: both receive the same message
	sent, err := b.Send(ctx, c1s, SendPayload{Recipient: r1.ID, Body: "hi"})
	req.NoError(err)

	for _, s := range []*Session{c1s, r1s} {
		frames = drain(t, s)
		req.Equal([]FrameType{TypeMessageDelivered}, frameTypes(frames))
		got := payloadOf[MessageDeliveredPayload](t, frames[0]).Message
		req.Equal(sent.ID, got.ID)
		req.Equal(c1.ID, got.Sender)
		req.Equal(r1.ID, got.Recipient)
		req.Equal("hi", got.Body)
		req.False(got.IsRead)
		req.Nil(got.ReadAt)
		req.True(testNow.Equal(got.SentAt))
	}

	// r1 reads it: both receive the notice
	readAt := testNow.Add(time.Minute)
	req.NoError(b.MarkRead(ctx, r1s, MarkReadPayload{MessageID: sent.ID, ReadAt: &readAt}))
	for _, s := range []*Session{c1s, r1s} {
		frames = drain(t, s)
		req.Equal([]FrameType{TypeMessageRead}, frameTypes(frames))
		notice := payloadOf[MessageReadPayload](t, frames[0])
		req.Equal(sent.ID, notice.MessageID)
		req.True(readAt.Equal(notice.ReadAt))
	}

	// a second acknowledgement changes nothing and notifies nobody
	err = b.MarkRead(ctx, r1s, MarkReadPayload{MessageID: sent.ID, ReadAt: &readAt})
	req.ErrorIs(err, ErrIgnored)
	req.Empty(drain(t, c1s))
	req.Empty(drain(t, r1s))

	// c1 disconnects: r1 sees c1 leave
	b.Disconnect(c1s)
	req.Equal(StateClosed, c1s.State())
	frames = drain(t, r1s)
	req.Equal([][]string{{}}, presenceFor(t, frames, "client"))
	req.Equal([]string{r1.ID}, b.Directory().ListActive("rider"))

	// history survives for both parties
	history, err := st.LoadHistory(ctx, c1.ID, 0)
	req.NoError(err)
	req.Len(history, 1)
	req.True(history[0].IsRead)
}

func TestBroker_RoutingDeniedIsNeverPersisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	c2 := register(t, st, "c2", "client")
	c1s := newJoined(t, b, c1.ID, "client")
	c2s := newJoined(t, b, c2.ID, "client")
	drain(t, c1s)
	drain(t, c2s)

	_, err := b.Send(ctx, c1s, SendPayload{Recipient: c2.ID, Body: "psst"})
	req.ErrorIs(err, ErrRoutingDenied)

	req.Empty(drain(t, c1s))
	req.Empty(drain(t, c2s))

	history, err := st.LoadHistory(ctx, c2.ID, 0)
	req.NoError(err)
	req.Empty(history)
}

func TestBroker_UnknownRecipient(t *testing.T) {
	ctx := context.Background()

	t.Run("denied by default", func(t *testing.T) {
		req := require.New(t)
		st := newBadgerStore(t)
		b := newTestBroker(st)

		c1s := newJoined(t, b, register(t, st, "c1", "client").ID, "client")
		r1s := newJoined(t, b, register(t, st, "r1", "rider").ID, "rider")

		_, err := b.Send(ctx, c1s, SendPayload{Recipient: "ghost", Body: "hello?"})
		req.ErrorIs(err, ErrRoutingDenied)

		_, err = b.Send(ctx, r1s, SendPayload{Recipient: "ghost", Body: "hello?"})
		req.ErrorIs(err, ErrRoutingDenied)

		history, err := st.LoadHistory(ctx, "ghost", 0)
		req.NoError(err)
		req.Empty(history)
	})

	t.Run("privileged may message unknown when enabled", func(t *testing.T) {
		req := require.New(t)
		st := newBadgerStore(t)
		b := newTestBroker(st)
		b.policy.AllowUnknownFromPrivileged = true

		c1s := newJoined(t, b, register(t, st, "c1", "client").ID, "client")
		r1s := newJoined(t, b, register(t, st, "r1", "rider").ID, "rider")

		_, err := b.Send(ctx, c1s, SendPayload{Recipient: "ghost", Body: "hello?"})
		req.ErrorIs(err, ErrRoutingDenied)

		_, err = b.Send(ctx, r1s, SendPayload{Recipient: "ghost", Body: "hello?"})
		req.NoError(err)
	})
}

func TestBroker_OfflineRecipientGetsMessageInHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	r1 := register(t, st, "r1", "rider")

	c1s := newJoined(t, b, c1.ID, "client")
	drain(t, c1s)

	// r1 is offline; its role comes from the store
	sent, err := b.Send(ctx, c1s, SendPayload{Recipient: r1.ID, Body: "are you there"})
	req.NoError(err)
	req.Equal([]FrameType{TypeMessageDelivered}, frameTypes(drain(t, c1s)))

	r1s := newJoined(t, b, r1.ID, "rider")
	frames := drain(t, r1s)
	req.Equal(TypeHistory, frames[0].Type)
	history := payloadOf[HistoryPayload](t, frames[0]).Messages
	req.Len(history, 1)
	req.Equal(sent.ID, history[0].ID)
	req.False(history[0].IsRead)
	req.Empty(framesOfType(frames, TypeMessageDelivered))
}

func TestBroker_SendValidation(t *testing.T) {
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	r1 := register(t, st, "r1", "rider")
	c1s := newJoined(t, b, c1.ID, "client")
	farFuture := time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload SendPayload
		wantErr error
	}{
		{name: "empty body", payload: SendPayload{Recipient: r1.ID, Body: "  "}, wantErr: ErrInvalidEvent},
		{name: "body too long", payload: SendPayload{Recipient: r1.ID, Body: string(make([]byte, 65))}, wantErr: ErrInvalidEvent},
		{name: "spoofed sender", payload: SendPayload{Sender: r1.ID, Recipient: c1.ID, Body: "hi"}, wantErr: ErrInvalidEvent},
		{name: "self", payload: SendPayload{Recipient: c1.ID, Body: "hi"}, wantErr: ErrInvalidEvent},
		{name: "blank recipient", payload: SendPayload{Recipient: "", Body: "hi"}, wantErr: ErrInvalidEvent},
		{name: "sentAt beyond year 9999", payload: SendPayload{Recipient: r1.ID, Body: "hi", SentAt: &farFuture}, wantErr: ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Send(ctx, c1s, tt.payload)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	history, err := st.LoadHistory(ctx, c1.ID, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestFrameLimit(t *testing.T) {
	req := require.New(t)
	req.EqualValues(minFrameSize, frameLimit(64))
	req.EqualValues(minFrameSize, frameLimit(0))

	limit := frameLimit(100_000)
	req.Greater(limit, int64(100_000)*jsonEscapeFactor)

	b := NewBroker(nil, riderClientPolicy(), Options{MaxBodyBytes: 100_000})
	req.Equal(limit, b.frameLimit)
}

func TestBroker_SentAtFromClientIsKept(t *testing.T) {
	req := require.New(t)
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1s := newJoined(t, b, register(t, st, "c1", "client").ID, "client")
	r1 := register(t, st, "r1", "rider")

	at := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)
	msg, err := b.Send(context.Background(), c1s, SendPayload{Recipient: r1.ID, Body: "yesterday", SentAt: &at})
	req.NoError(err)
	req.True(at.Equal(msg.SentAt))

	// pre-epoch timestamps stay ordered ahead of later ones
	old := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = b.Send(context.Background(), c1s, SendPayload{Recipient: r1.ID, Body: "long ago", SentAt: &old})
	req.NoError(err)

	history, err := st.LoadHistory(context.Background(), r1.ID, 0)
	req.NoError(err)
	req.Equal([]string{"long ago", "yesterday"}, lo.Map(history, func(m store.Message, _ int) string { return m.Body }))
}

func TestBroker_EventsOutsideJoinedAreIgnored(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)
	r1 := register(t, st, "r1", "rider")
	readAt := testNow

	s, err := b.NewSession(nil)
	req.NoError(err)

	_, err = b.Send(ctx, s, SendPayload{Recipient: r1.ID, Body: "hi"})
	req.ErrorIs(err, ErrIgnored)
	req.ErrorIs(b.MarkRead(ctx, s, MarkReadPayload{MessageID: 1, ReadAt: &readAt}), ErrIgnored)
	req.Equal(StateConnecting, s.State())

	req.NoError(b.Join(ctx, s, JoinPayload{Identity: "c1", Role: "client"}))
	req.ErrorIs(b.Join(ctx, s, JoinPayload{Identity: "c9", Role: "client"}), ErrIgnored)

	b.Disconnect(s)
	req.ErrorIs(b.Join(ctx, s, JoinPayload{Identity: "c1", Role: "client"}), ErrIgnored)
	_, err = b.Send(ctx, s, SendPayload{Recipient: r1.ID, Body: "hi"})
	req.ErrorIs(err, ErrIgnored)
	req.Zero(b.Online())
}

func TestBroker_InvalidJoinStaysConnecting(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)
	c1 := register(t, st, "c1", "client")

	s, err := b.NewSession(nil)
	req.NoError(err)

	req.ErrorIs(b.Join(ctx, s, JoinPayload{Identity: "", Role: "client"}), ErrInvalidEvent)
	req.ErrorIs(b.Join(ctx, s, JoinPayload{Identity: c1.ID, Role: "admin"}), ErrInvalidEvent)
	// recorded role wins
	req.ErrorIs(b.Join(ctx, s, JoinPayload{Identity: c1.ID, Role: "rider"}), ErrInvalidEvent)

	req.Equal(StateConnecting, s.State())
	req.Zero(b.Online())
	req.Empty(drain(t, s))

	req.NoError(b.Join(ctx, s, JoinPayload{Identity: c1.ID, Role: "client"}))
	req.Equal(StateJoined, s.State())
}

func TestBroker_LastConnectionWins(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	r1 := register(t, st, "r1", "rider")

	old := newJoined(t, b, r1.ID, "rider")
	fresh := newJoined(t, b, r1.ID, "rider")
	c1s := newJoined(t, b, c1.ID, "client")
	drain(t, old)
	drain(t, fresh)
	drain(t, c1s)

	_, err := b.Send(ctx, c1s, SendPayload{Recipient: r1.ID, Body: "which one"})
	req.NoError(err)
	req.Empty(drain(t, old))
	req.Len(framesOfType(drain(t, fresh), TypeMessageDelivered), 1)

	// closing the superseded connection leaves presence untouched
	b.Disconnect(old)
	req.Empty(drain(t, c1s))
	req.Equal([]string{r1.ID}, b.Directory().ListActive("rider"))
}

func TestBroker_HandleFrame(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	c1 := register(t, st, "c1", "client")
	r1 := register(t, st, "r1", "rider")
	r1s := newJoined(t, b, r1.ID, "rider")
	drain(t, r1s)

	s, err := b.NewSession(nil)
	req.NoError(err)

	b.HandleFrame(ctx, s, []byte(`not json`))
	b.HandleFrame(ctx, s, []byte(`{"type":"send","payload":{"recipient":"`+r1.ID+`","body":"early"}}`))
	b.HandleFrame(ctx, s, []byte(`{"type":"join"}`))
	b.HandleFrame(ctx, s, []byte(`{"type":"typing","payload":{}}`))
	req.Equal(StateConnecting, s.State())

	b.HandleFrame(ctx, s, []byte(fmt.Sprintf(`{"type":"join","payload":{"identity":%q,"role":"client"}}`, c1.ID)))
	req.Equal(StateJoined, s.State())
	drain(t, s)

	b.HandleFrame(ctx, s, []byte(fmt.Sprintf(
		`{"type":"send","payload":{"sender":%q,"recipient":%q,"body":"hello","sentAt":"2024-05-01T08:00:00Z"}}`, c1.ID, r1.ID)))
	frames := drain(t, r1s)
	req.Equal([]FrameType{TypeMessageDelivered}, frameTypes(frames))
	msg := payloadOf[MessageDeliveredPayload](t, frames[0]).Message
	req.Equal("hello", msg.Body)
	req.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), msg.SentAt)

	// markRead without readAt is rejected
	b.HandleFrame(ctx, r1s, []byte(fmt.Sprintf(`{"type":"markRead","payload":{"messageId":%d}}`, msg.ID)))
	req.Empty(drain(t, s))

	b.HandleFrame(ctx, r1s, []byte(fmt.Sprintf(`{"type":"markRead","payload":{"messageId":%d,"readAt":"2024-05-01T08:01:00Z"}}`, msg.ID)))
	req.Equal([]FrameType{TypeMessageRead}, frameTypes(drain(t, s)))
}

func TestBroker_MarkReadUnknownMessage(t *testing.T) {
	req := require.New(t)
	st := newBadgerStore(t)
	b := newTestBroker(st)
	r1s := newJoined(t, b, register(t, st, "r1", "rider").ID, "rider")
	readAt := testNow

	err := b.MarkRead(context.Background(), r1s, MarkReadPayload{MessageID: 404, ReadAt: &readAt})
	req.ErrorIs(err, ErrInvalidEvent)
	req.ErrorIs(err, store.ErrMessageNotFound)
}

func TestBroker_StoreFailureProducesNoDelivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	b := newTestBroker(st)

	notFound := &store.Error{Op: "get user", Err: store.ErrUserNotFound}
	st.EXPECT().GetUser(gomock.Any(), gomock.Any()).Return(user.User{}, notFound).AnyTimes()
	st.EXPECT().LoadHistory(gomock.Any(), gomock.Any(), 0).Return([]store.Message{}, nil).Times(2)
	st.EXPECT().ListUsers(gomock.Any()).Return([]user.User{}, nil).Times(2)

	c1s := newJoined(t, b, "c1", "client")
	r1s := newJoined(t, b, "r1", "rider")
	drain(t, c1s)
	drain(t, r1s)

	boom := &store.Error{Op: "append message", Err: errors.New("connection reset")}
	gomock.InOrder(
		st.EXPECT().AppendMessage(gomock.Any(), "c1", "r1", "first", testNow).Return(int64(0), boom),
		st.EXPECT().AppendMessage(gomock.Any(), "c1", "r1", "second", testNow).Return(int64(2), nil),
	)

	_, err := b.Send(ctx, c1s, SendPayload{Recipient: "r1", Body: "first"})
	req.ErrorIs(err, boom)
	req.Empty(drain(t, c1s))
	req.Empty(drain(t, r1s))
	req.Equal(StateJoined, c1s.State())

	msg, err := b.Send(ctx, c1s, SendPayload{Recipient: "r1", Body: "second"})
	req.NoError(err)
	req.Equal(int64(2), msg.ID)
	req.Len(drain(t, r1s), 1)

	readAt := testNow
	st.EXPECT().MarkRead(gomock.Any(), int64(2), readAt).Return(store.ReadReceipt{}, false, errors.New("timeout"))
	req.Error(b.MarkRead(ctx, r1s, MarkReadPayload{MessageID: 2, ReadAt: &readAt}))
	req.Empty(drain(t, c1s))
	req.Empty(drain(t, r1s))
}

func TestBroker_JoinStoreFailureLeavesNoPresence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	b := newTestBroker(st)

	notFound := &store.Error{Op: "get user", Err: store.ErrUserNotFound}
	st.EXPECT().GetUser(gomock.Any(), gomock.Any()).Return(user.User{}, notFound).AnyTimes()
	st.EXPECT().ListUsers(gomock.Any()).Return([]user.User{}, nil).AnyTimes()
	st.EXPECT().LoadHistory(gomock.Any(), "r1", 0).Return([]store.Message{}, nil)
	st.EXPECT().LoadHistory(gomock.Any(), "c1", 0).Return(nil, errors.New("db down"))

	r1s := newJoined(t, b, "r1", "rider")
	drain(t, r1s)

	s, err := b.NewSession(nil)
	req.NoError(err)
	req.Error(b.Join(ctx, s, JoinPayload{Identity: "c1", Role: "client"}))
	req.Equal(StateConnecting, s.State())
	req.Empty(b.Directory().ListActive("client"))
	req.Empty(drain(t, s))

	// r1 saw c1 appear and disappear
	req.Equal([][]string{{"c1"}, {}}, presenceFor(t, drain(t, r1s), "client"))
}

// A message routed to a session while its join is still loading history must arrive after the
// history frame, and must not be delivered twice when the history already contains it.
func TestBroker_DeliveryDuringJoinFollowsHistory(t *testing.T) {
	early := store.Message{ID: 7, Sender: "c1", Recipient: "r1", Body: "early", SentAt: testNow}

	for _, inHistory := range []bool{false, true} {
		t.Run(fmt.Sprintf("in history %v", inHistory), func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()
			ctrl := gomock.NewController(t)
			st := mocks.NewMockStore(ctrl)
			b := newTestBroker(st)

			notFound := &store.Error{Op: "get user", Err: store.ErrUserNotFound}
			st.EXPECT().GetUser(gomock.Any(), gomock.Any()).Return(user.User{}, notFound).AnyTimes()
			st.EXPECT().ListUsers(gomock.Any()).Return([]user.User{}, nil).AnyTimes()
			st.EXPECT().LoadHistory(gomock.Any(), "c1", 0).Return([]store.Message{}, nil)
			st.EXPECT().AppendMessage(gomock.Any(), "c1", "r1", "early", testNow).Return(int64(7), nil)

			c1s := newJoined(t, b, "c1", "client")
			drain(t, c1s)

			r1s, err := b.NewSession(nil)
			req.NoError(err)

			st.EXPECT().LoadHistory(gomock.Any(), "r1", 0).DoAndReturn(
				func(ctx context.Context, _ string, _ int) ([]store.Message, error) {
					req.Equal(StateJoining, r1s.State())
					_, err := b.Send(ctx, c1s, SendPayload{Recipient: "r1", Body: "early"})
					req.NoError(err)
					if inHistory {
						return []store.Message{early}, nil
					}
					return []store.Message{}, nil
				})

			req.NoError(b.Join(ctx, r1s, JoinPayload{Identity: "r1", Role: "rider"}))

			frames := drain(t, r1s)
			if inHistory {
				req.Equal([]FrameType{TypeHistory, TypeRoster, TypePresence, TypePresence}, frameTypes(frames))
				req.Len(payloadOf[HistoryPayload](t, frames[0]).Messages, 1)
			} else {
				req.Equal([]FrameType{TypeHistory, TypeRoster, TypePresence, TypePresence, TypeMessageDelivered}, frameTypes(frames))
			}
		})
	}
}

func TestBroker_ConcurrentSessions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	st := newBadgerStore(t)
	b := newTestBroker(st)

	r1 := register(t, st, "r1", "rider")
	r1s := newJoined(t, b, r1.ID, "rider")

	const clients = 20
	users := make([]user.User, clients)
	for i := range users {
		users[i] = register(t, st, fmt.Sprintf("c%d", i), "client")
	}

	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i, c := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := b.NewSession(nil)
			if err != nil {
				errs[i] = err
				return
			}
			if err := b.Join(ctx, s, JoinPayload{Identity: c.ID, Role: "client"}); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = b.Send(ctx, s, SendPayload{Recipient: r1.ID, Body: "hello"})
			b.Disconnect(s)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		req.NoError(err)
	}
	req.Equal(1, b.Online())
	req.Empty(b.Directory().ListActive("client"))

	history, err := st.LoadHistory(ctx, r1.ID, 0)
	req.NoError(err)
	req.Len(history, clients)

	// every presence frame r1 saw lists each client at most once
	for _, active := range presenceFor(t, drain(t, r1s), "client") {
		req.Len(lo.Uniq(active), len(active))
	}
}

func TestBroker_Shutdown(t *testing.T) {
	req := require.New(t)
	st := newBadgerStore(t)
	b := newTestBroker(st)

	r1s := newJoined(t, b, register(t, st, "r1", "rider").ID, "rider")
	pending, err := b.NewSession(nil)
	req.NoError(err)

	b.Shutdown()

	req.Equal(StateClosed, r1s.State())
	req.Equal(StateClosed, pending.State())
	req.Zero(b.Online())

	drain(t, r1s)
	_, ok := <-r1s.Send()
	req.False(ok)

	_, err = b.NewSession(nil)
	req.ErrorIs(err, ErrBrokerClosed)

	// late disconnects from the read loops are harmless
	b.Disconnect(r1s)
}
