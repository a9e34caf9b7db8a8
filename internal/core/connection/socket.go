package connection

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JosueRhea/sockudo/internal/core/observability/log"
	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// socketSeq makes ids process-unique; the random half keeps them
// unguessable across restarts.
var socketSeq atomic.Uint64

// NewSocketID returns an id in the <uint>.<uint> shape the protocol
// requires.
func NewSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Uint64N(1_000_000_000), socketSeq.Add(1))
}

const defaultOutboundQueue = 64

// Socket is one WebSocket connection. The reader goroutine owns the
// gorilla conn for reads and dispatch; every write goes through the
// bounded outbound queue drained by the writer goroutine, so fan-out
// from other sockets or the fabric never touches the conn directly.
type Socket struct {
	ID         string
	AppID      string
	RemoteAddr string

	conn *websocket.Conn
	lg   log.Log

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	// Dropped counts outbound messages discarded by the drop-oldest
	// overflow policy.
	Dropped atomic.Uint64

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	presence      map[string]protocol.UserData
	userID        string

	lastActivity atomic.Int64
	pendingPong  atomic.Bool

	// rateNotified dedups the rate-limit error frame within one burst.
	rateNotified atomic.Bool

	timerMu         sync.Mutex
	activityTimeout time.Duration
	activityTimer   *time.Timer
	pongTimer       *time.Timer

	writeTimeout time.Duration
}

func NewSocket(appID string, conn *websocket.Conn, remoteAddr string, queueSize int, writeTimeout time.Duration, lg log.Log) *Socket {
	if queueSize <= 0 {
		queueSize = defaultOutboundQueue
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	s := &Socket{
		ID:            NewSocketID(),
		AppID:         appID,
		RemoteAddr:    remoteAddr,
		conn:          conn,
		lg:            lg,
		out:           make(chan []byte, queueSize),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		presence:      make(map[string]protocol.UserData),
		writeTimeout:  writeTimeout,
	}
	s.lastActivity.Store(time.Now().Unix())
	return s
}

// Send enqueues payload for the writer. On overflow the oldest queued
// message is dropped so a slow client never blocks a producer.
func (s *Socket) Send(payload []byte) {
	if s.closed.Load() {
		return
	}
	for {
		select {
		case s.out <- payload:
			return
		default:
		}
		select {
		case <-s.out:
			s.Dropped.Add(1)
		default:
		}
	}
}

// SendMessage marshals and enqueues a protocol frame.
func (s *Socket) SendMessage(msg *protocol.Message) {
	raw, err := msg.Marshal()
	if err != nil {
		s.lg.Error("encode outbound frame", log.String("event", msg.Event), log.Error(err))
		return
	}
	s.Send(raw)
}

// WritePump drains the outbound queue onto the wire. It is the only
// goroutine calling WriteMessage, keeping the per-socket FIFO order.
func (s *Socket) WritePump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close sends the close frame once and tears the connection down. The
// read loop unblocks with an error, which drives cleanup in the hub.
func (s *Socket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.stopTimers()
		// WriteControl is safe concurrently with the writer goroutine.
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// Touch records peer activity: it clears a pending ping probe and
// rewinds the inactivity timer.
func (s *Socket) Touch() {
	s.lastActivity.Store(time.Now().Unix())
	s.pendingPong.Store(false)
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	if s.activityTimer != nil {
		s.activityTimer.Reset(s.activityTimeout)
	}
}

// StartActivityTimer arms the inactivity probe: after timeout with no
// frames the hub-provided probe runs (it sends pusher:ping and arms the
// pong grace timer via ArmPongDeadline).
func (s *Socket) StartActivityTimer(timeout time.Duration, probe func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.activityTimeout = timeout
	s.activityTimer = time.AfterFunc(timeout, probe)
}

// ArmPongDeadline gives the peer grace to answer a ping probe before
// onTimeout closes the socket.
func (s *Socket) ArmPongDeadline(grace time.Duration, onTimeout func()) {
	s.pendingPong.Store(true)
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.pongTimer = time.AfterFunc(grace, func() {
		if s.pendingPong.Load() {
			onTimeout()
		}
	})
}

func (s *Socket) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.activityTimer != nil {
		s.activityTimer.Stop()
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
	}
}

// AddSubscription records channel membership on the socket side of the
// socket/channel graph. member is non-nil for presence channels.
func (s *Socket) AddSubscription(channel string, member *protocol.UserData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[channel] = struct{}{}
	if member != nil {
		s.presence[channel] = *member
	}
}

func (s *Socket) RemoveSubscription(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, channel)
	delete(s.presence, channel)
}

func (s *Socket) IsSubscribed(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[channel]
	return ok
}

// Subscriptions snapshots the channels this socket has joined.
func (s *Socket) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		out = append(out, channel)
	}
	return out
}

func (s *Socket) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// PresenceMember returns the member this socket joined channel as.
func (s *Socket) PresenceMember(channel string) (protocol.UserData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.presence[channel]
	return member, ok
}

// SetUser records the signed-in identity used by terminate_connections.
func (s *Socket) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

func (s *Socket) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}
