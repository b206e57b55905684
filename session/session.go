package session

import (
	"sync"
	"time"
)

// Session is a connected, ready link to one peer. It is owned by the caller that
// requested it.
type Session struct {
	Peer        PeerRecord
	ConnectedAt time.Time

	conn Conn
	char Characteristic

	mu      sync.RWMutex
	state   State
	lostErr error

	closeOnce sync.Once
	closeErr  error
}

func newSession(peer PeerRecord, conn Conn, char Characteristic) *Session {
	return &Session{
		Peer:        peer,
		ConnectedAt: time.Now(),
		conn:        conn,
		char:        char,
		state:       StateConnected,
	}
}

// Ready reports whether sends are permitted.
func (s *Session) Ready() bool {
	return s.State() == StateConnected
}

// State returns the current session state.
func (s *Session) State() State {
	if s == nil {
		return StateDisconnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the link-loss error that invalidated the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lostErr
}

// Close disconnects the link. Further sends fail with ErrNotConnected.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		s.closeErr = s.conn.Disconnect()
	})
	return s.closeErr
}

func (s *Session) markLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lostErr == nil {
		s.lostErr = err
	}
	s.state = StateDisconnected
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) peerID() string {
	if s == nil {
		return ""
	}
	return s.Peer.ID
}
