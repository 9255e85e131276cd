package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamdesk/internal/endpoint"
)

const (
	connectTimeout = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// State is the lifecycle state of one socket.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateFailoverPending
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateFailoverPending:
		return "failover_pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "idle"
	}
}

// Socket owns one websocket connection lifecycle: connect with timeout, a
// single endpoint failover per Start, and unconditional reconnect-on-drop.
// Steady-state drops never consume the failover budget; failover exists only
// so two equally-dead endpoints cannot flap forever.
type Socket struct {
	name     string
	path     string
	resolver *endpoint.Resolver
	dialer   *websocket.Dialer

	// Callbacks, set before Start. OnMessage runs on the read goroutine.
	OnMessage   func([]byte)
	OnOpen      func(endpoint.Region)
	OnReconnect func()
	OnFailover  func(endpoint.Region)

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSocket creates a socket for the given stream path (e.g. "/ws/...@kline_1m").
func NewSocket(name, path string, resolver *endpoint.Resolver) *Socket {
	return &Socket{
		name:     name,
		path:     path,
		resolver: resolver,
		dialer:   &websocket.Dialer{HandshakeTimeout: connectTimeout},
		state:    StateIdle,
	}
}

// Start launches the connection loop. No-op if already running.
func (s *Socket) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConnecting
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, done)
}

// Stop closes the connection and waits for the loop to exit.
// Safe to call multiple times and from any state.
func (s *Socket) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	cancel := s.cancel
	s.cancel = nil
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	cancel()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}
	<-done
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	failoverAttempted := false

	for {
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}
		s.setState(StateConnecting)

		region := s.resolver.Current()
		url := s.resolver.Endpoints().WS(region) + s.path

		dialCtx, cancelDial := context.WithTimeout(ctx, connectTimeout)
		conn, _, err := s.dialer.DialContext(dialCtx, url, nil)
		cancelDial()

		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateIdle)
				return
			}
			if !failoverAttempted {
				// One failover per Start: flip the endpoint and retry now.
				failoverAttempted = true
				s.setState(StateFailoverPending)
				next := region.Other()
				log.Printf("[%s] connect to %s failed (%v), failing over to %s", s.name, region, err, next)
				s.resolver.Prefer(next)
				if s.OnFailover != nil {
					s.OnFailover(next)
				}
				continue
			}
			log.Printf("[%s] connect failed (%v), retrying in %s", s.name, err, reconnectDelay)
			if !sleepCtx(ctx, reconnectDelay) {
				s.setState(StateIdle)
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateOpen
		s.mu.Unlock()

		// Connection reached OPEN: this region is confirmed good.
		s.resolver.Confirm(region)
		log.Printf("[%s] connected via %s", s.name, region)
		if s.OnOpen != nil {
			s.OnOpen(region)
		}

		readErr := s.readLoop(ctx, conn)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		log.Printf("[%s] connection dropped (%v), reconnecting in %s", s.name, readErr, reconnectDelay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		if !sleepCtx(ctx, reconnectDelay) {
			s.setState(StateIdle)
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.OnMessage != nil {
			s.OnMessage(raw)
		}
	}
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosing || st == StateIdle {
		s.state = st
	}
	s.mu.Unlock()
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
