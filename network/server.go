package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagsend/codec"
)

const (
	// DefaultPeerName is the name the tag advertises.
	DefaultPeerName = "Caltrain Bike Tag"
	// DefaultIdleTimeout drops a client that sends nothing for this long.
	DefaultIdleTimeout = 5 * time.Minute
)

// PeerServerConfig controls the emulated peer.
type PeerServerConfig struct {
	Address            string
	Name               string
	ServiceUUID        string
	CharacteristicUUID string
	// MaxValueBytes caps the raw written value. Zero applies MaxAttributeValue.
	MaxValueBytes int
	// AckDelay holds every write ack back, to reproduce slow links.
	AckDelay    time.Duration
	IdleTimeout time.Duration
	Logger      *zap.Logger
	// OnMessage is called with each accepted message.
	OnMessage func(text string)
}

func (c PeerServerConfig) withDefaults() PeerServerConfig {
	out := c
	if out.Address == "" {
		out.Address = ":0"
	}
	if out.Name == "" {
		out.Name = DefaultPeerName
	}
	if out.MaxValueBytes <= 0 {
		out.MaxValueBytes = MaxAttributeValue
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	out.ServiceUUID = strings.ToLower(strings.TrimSpace(out.ServiceUUID))
	out.CharacteristicUUID = strings.ToLower(strings.TrimSpace(out.CharacteristicUUID))
	return out
}

// PeerServer emulates the tag: it exposes one writable message characteristic and
// serves one client at a time.
type PeerServer struct {
	listener net.Listener
	cfg      PeerServerConfig
	log      *zap.Logger

	mu       sync.Mutex
	value    string
	writes   int
	active   net.Conn
	ackDelay time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenPeer starts the emulated peer.
func ListenPeer(config PeerServerConfig) (*PeerServer, error) {
	cfg := config.withDefaults()
	if cfg.ServiceUUID == "" || cfg.CharacteristicUUID == "" {
		return nil, errors.New("service and characteristic UUIDs are required")
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", cfg.Address, err)
	}

	server := &PeerServer{
		listener: listener,
		cfg:      cfg,
		log:      cfg.Logger,
		ackDelay: cfg.AckDelay,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *PeerServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *PeerServer) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Value returns the last message written to the characteristic.
func (s *PeerServer) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Writes returns the number of accepted writes.
func (s *PeerServer) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetAckDelay changes the ack delay for writes received from now on.
func (s *PeerServer) SetAckDelay(delay time.Duration) {
	s.mu.Lock()
	s.ackDelay = delay
	s.mu.Unlock()
}

// Close stops accepting, drops the active client and waits for handlers.
func (s *PeerServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.mu.Lock()
		if s.active != nil {
			_ = s.active.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return closeErr
}

func (s *PeerServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Warn("accept connection", zap.Error(err))
			continue
		}

		if !s.claim(conn) {
			s.log.Info("rejecting second client", zap.String("remote", conn.RemoteAddr().String()))
			_ = writeMessage(conn, ErrorMessage{
				Type:      TypeError,
				Code:      ErrorCodeBusy,
				Message:   "peer already connected",
				Timestamp: time.Now().UnixMilli(),
			}, time.Now().Add(time.Second))
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *PeerServer) claim(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = conn
	return true
}

func (s *PeerServer) release(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conn {
		s.active = nil
	}
}

func (s *PeerServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Info("client connected", zap.String("remote", remote))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("client read failed", zap.String("remote", remote), zap.Error(err))
			}
			s.log.Info("client disconnected", zap.String("remote", remote))
			return
		}

		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			s.reply(conn, s.errorMessage("", ErrorCodeProtocol, err.Error()))
			continue
		}

		switch envelope.Type {
		case TypeDiscover:
			s.reply(conn, s.handleDiscover(payload))
		case TypeWrite:
			response, ok := s.handleWrite(payload)
			if !ok {
				return
			}
			s.reply(conn, response)
		case TypeDisconnect:
			s.log.Info("client disconnected", zap.String("remote", remote))
			return
		default:
			s.reply(conn, s.errorMessage(envelope.RequestID, ErrorCodeProtocol, "unsupported message type "+envelope.Type))
		}
	}
}

func (s *PeerServer) handleDiscover(payload []byte) any {
	var request DiscoverRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return s.errorMessage("", ErrorCodeProtocol, err.Error())
	}

	status := StatusOK
	if !s.matches(request.ServiceUUID, request.CharacteristicUUID) {
		status = StatusNotFound
	}
	return DiscoverResponse{
		Type:      TypeDiscoverResponse,
		RequestID: request.RequestID,
		Status:    status,
		PeerName:  s.cfg.Name,
	}
}

// handleWrite returns false when the server shut down while delaying the ack.
func (s *PeerServer) handleWrite(payload []byte) (any, bool) {
	var request WriteRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return s.errorMessage("", ErrorCodeProtocol, err.Error()), true
	}
	if !s.matches(request.ServiceUUID, request.CharacteristicUUID) {
		return s.errorMessage(request.RequestID, ErrorCodeNotFound, "unknown characteristic"), true
	}
	if len(request.Value) > s.cfg.MaxValueBytes {
		return s.errorMessage(request.RequestID, ErrorCodeRejected,
			fmt.Sprintf("value is %d bytes, characteristic holds %d", len(request.Value), s.cfg.MaxValueBytes)), true
	}

	text, err := codec.Decode(request.Value)
	if err != nil {
		return s.errorMessage(request.RequestID, ErrorCodeMalformed, err.Error()), true
	}

	s.mu.Lock()
	delay := s.ackDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.closed:
			return nil, false
		}
	}

	s.mu.Lock()
	s.value = text
	s.writes++
	s.mu.Unlock()

	s.log.Info("write to characteristic", zap.String("value", text))
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(text)
	}

	return AckMessage{
		Type:      TypeAck,
		RequestID: request.RequestID,
		Status:    StatusOK,
		Timestamp: time.Now().UnixMilli(),
	}, true
}

func (s *PeerServer) matches(serviceUUID, characteristicUUID string) bool {
	return strings.EqualFold(serviceUUID, s.cfg.ServiceUUID) &&
		strings.EqualFold(characteristicUUID, s.cfg.CharacteristicUUID)
}

func (s *PeerServer) errorMessage(requestID, code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *PeerServer) reply(conn net.Conn, message any) {
	if err := writeMessage(conn, message, time.Now().Add(5*time.Second)); err != nil {
		s.log.Debug("reply failed", zap.Error(err))
	}
}
