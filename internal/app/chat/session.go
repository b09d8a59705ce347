/*
Package chat contains the core of the relay: the presence Directory, the routing Policy, the
per-connection Session state machine and the Broker that coordinates them with the store.

This file defines the Session struct, representing one websocket connection. It owns the
connection's read and write loops and the outbound queue, and tracks the connection's state.
*/
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"relaychat/internal/app/user"
	"relaychat/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// smallest read limit applied to a connection, and the room left for the envelope
	// and the other payload fields around a message body.
	minFrameSize     = 16 << 10
	envelopeOverhead = 4 << 10

	// worst case growth of a body once JSON escaped (a control byte becomes \u00XX).
	jsonEscapeFactor = 6

	// capacity of the outbound queue.
	sendBuffer = 256

	// inbound frames per second a session may sustain, and the burst above it.
	inboundRate  = 20
	inboundBurst = 40
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateConnecting State = iota
	// StateJoining is held while the broker registers the session and loads its history.
	StateJoining
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// pendingFrame is an outbound frame queued while the session is joining. messageID is set for
// messageDelivered frames so they can be skipped when the history already contains them.
type pendingFrame struct {
	data      []byte
	messageID int64
}

// Session is one participant connection.
type Session struct {
	ID string

	broker *Broker

	// nil for sessions that are not backed by a websocket.
	conn *websocket.Conn

	// mu guards state, identity, role, pending and the closing of send.
	mu       sync.Mutex
	state    State
	identity string
	role     user.Role
	pending  []pendingFrame

	// a buffered channel used to queue frames waiting to be written to the connection.
	send chan []byte

	limiter *rate.Limiter

	logger zerolog.Logger
}

func newSession(b *Broker, conn *websocket.Conn) *Session {
	id := randx.SessionID()
	return &Session{
		ID:      id,
		broker:  b,
		conn:    conn,
		state:   StateConnecting,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		logger:  b.logger.With().Str("session_id", id).Logger(),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the joined identity and role, empty before join.
func (s *Session) Identity() (string, user.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.role
}

// Send exposes the outbound queue. It is closed when the session closes.
func (s *Session) Send() <-chan []byte {
	return s.send
}

// beginJoin moves Connecting to Joining. It reports false in any other state.
func (s *Session) beginJoin(identity string, role user.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return false
	}
	s.state = StateJoining
	s.identity = identity
	s.role = role
	return true
}

// abortJoin returns a Joining session to Connecting and discards what was buffered.
func (s *Session) abortJoin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoining {
		return
	}
	s.state = StateConnecting
	s.identity = ""
	s.role = user.RoleUnknown
	s.pending = nil
}

// completeJoin queues the join frames ahead of everything buffered while joining and moves
// the session to Joined. Buffered deliveries already contained in the history are dropped.
func (s *Session) completeJoin(frames [][]byte, delivered map[int64]struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoining {
		return false
	}

	for _, f := range frames {
		s.pushLocked(f)
	}
	for _, p := range s.pending {
		if _, dup := delivered[p.messageID]; dup && p.messageID != 0 {
			continue
		}
		s.pushLocked(p.data)
	}
	s.pending = nil
	s.state = StateJoined
	return true
}

// enqueue queues a frame for writing. Frames for a joining session are held back until its
// history has been queued. Frames for a closed session are dropped.
func (s *Session) enqueue(data []byte, messageID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return
	case StateJoining:
		s.pending = append(s.pending, pendingFrame{data: data, messageID: messageID})
		return
	}
	s.pushLocked(data)
}

func (s *Session) pushLocked(data []byte) {
	select {
	case s.send <- data:
	default:
		s.logger.Warn().Int("queue_len", len(s.send)).Msg("Session send channel full, dropping frame")
	}
}

// markClosed moves the session to Closed and closes the outbound queue. It returns the
// previous state; closing twice is a no-op.
func (s *Session) markClosed() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev == StateClosed {
		return prev
	}
	s.state = StateClosed
	s.pending = nil
	close(s.send)
	return prev
}

// ReadPump handles reading frames from the WebSocket connection.
// It handles heartbeats (Pong), hands frames to the broker and disconnects the session when
// the connection ends.
func (s *Session) ReadPump(ctx context.Context) {
	defer s.broker.Disconnect(s)

	s.conn.SetReadLimit(s.broker.frameLimit)

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			return
		}

		if !s.limiter.Allow() {
			s.logger.Warn().Msg("Inbound rate exceeded, dropping frame")
			continue
		}

		s.broker.HandleFrame(ctx, s, data)
	}
}

// WritePump handles writing frames from the send channel to the WebSocket connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// ensure the connection is closed on exit
		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Session connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !s.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !s.writePing() {
				return
			}
		}
	}
}

// writeQueuedFrame returns true if the WritePump loop should continue.
func (s *Session) writeQueuedFrame(frame []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			s.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Error().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// joined returns the identity and role of a Joined session.
func (s *Session) joined() (string, user.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return "", user.RoleUnknown, false
	}
	return s.identity, s.role, true
}
