// Package session drives discovery, connection and message transmission against a
// single tag over an injected Transport.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tagsend/codec"
)

const (
	// DefaultServiceUUID is the GATT service exposed by the tag.
	DefaultServiceUUID = "fb94e026-23e5-4bd9-97d6-74f25d579393"
	// DefaultCharacteristicUUID is the writable message characteristic.
	DefaultCharacteristicUUID = "935450a0-fac2-4b9e-82ff-13e499710728"
	// DefaultScanTimeout bounds each scan window.
	DefaultScanTimeout = 4 * time.Second
	// DefaultConnectTimeout bounds connect plus characteristic discovery.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultSendTimeout bounds a single characteristic write.
	DefaultSendTimeout = 3 * time.Second
)

// State is a caller-visible lifecycle state.
type State string

const (
	StateIdle         State = "IDLE"
	StateScanning     State = "SCANNING"
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// PeerRecord identifies a discovered tag. An empty Name means the advertisement
// carried no name.
type PeerRecord struct {
	ID   string
	Name string
}

// DisplayName returns Name, falling back to ID.
func (p PeerRecord) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Options controls Manager behavior.
type Options struct {
	ServiceID        string
	CharacteristicID string
	ScanTimeout      time.Duration
	// ConnectTimeout of zero applies DefaultConnectTimeout; a negative value leaves
	// connect bounded only by the caller's context.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Logger         *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if strings.TrimSpace(out.ServiceID) == "" {
		out.ServiceID = DefaultServiceUUID
	}
	if strings.TrimSpace(out.CharacteristicID) == "" {
		out.CharacteristicID = DefaultCharacteristicUUID
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = DefaultSendTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Manager sequences scan, connect and send over one Transport.
type Manager struct {
	transport Transport
	opts      Options
	log       *zap.Logger

	scanning atomic.Bool
}

// NewManager creates a Manager with option defaults applied.
func NewManager(transport Transport, opts Options) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("session: transport is required")
	}
	cfg := opts.withDefaults()
	return &Manager{
		transport: transport,
		opts:      cfg,
		log:       cfg.Logger,
	}, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// State reports whether a scan is running.
func (m *Manager) State() State {
	if m.scanning.Load() {
		return StateScanning
	}
	return StateIdle
}

// Scan collects peers advertising the tag service for the given window and returns
// them in first-seen order. A non-positive timeout uses the configured default.
// Finding no peers is not an error.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) ([]PeerRecord, error) {
	if timeout <= 0 {
		timeout = m.opts.ScanTimeout
	}
	if !m.scanning.CompareAndSwap(false, true) {
		return nil, newOpError(opScan, "", ErrScanInProgress, nil)
	}

	// The window starts before the transport is asked to scan, so a slow start
	// eats into it instead of extending it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	collector := newPeerCollector()
	started := make(chan error, 1)
	go func() {
		started <- m.transport.StartScan(m.opts.ServiceID, collector.add)
	}()

	select {
	case err := <-started:
		if err != nil {
			collector.close()
			m.scanning.Store(false)
			m.log.Warn("scan start failed", zap.Error(err))
			return nil, newOpError(opScan, "", ErrTransportUnavailable, err)
		}
	case <-timer.C:
		collector.close()
		go m.stopWhenStarted(started)
		peers := collector.snapshot()
		m.log.Warn("scan window elapsed before the transport started scanning",
			zap.Int("peers", len(peers)), zap.Duration("window", timeout))
		return peers, nil
	case <-ctx.Done():
		collector.close()
		go m.stopWhenStarted(started)
		return nil, ctx.Err()
	}
	defer m.scanning.Store(false)
	m.log.Debug("scan started", zap.String("service", m.opts.ServiceID), zap.Duration("window", timeout))

	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	collector.close()
	if err := m.transport.StopScan(); err != nil {
		m.log.Warn("scan stop failed", zap.Error(err))
	}
	if waitErr != nil {
		return nil, waitErr
	}

	peers := collector.snapshot()
	m.log.Info("scan finished", zap.Int("peers", len(peers)), zap.Duration("window", timeout))
	return peers, nil
}

// stopWhenStarted waits for an abandoned StartScan and stops the scan it began.
// The Manager stays in the scanning state until then.
func (m *Manager) stopWhenStarted(started <-chan error) {
	defer m.scanning.Store(false)
	if err := <-started; err != nil {
		m.log.Debug("abandoned scan start failed", zap.Error(err))
		return
	}
	if err := m.transport.StopScan(); err != nil {
		m.log.Warn("scan stop failed", zap.Error(err))
	}
}

type connectResult struct {
	conn Conn
	char Characteristic
	err  error
}

// Connect opens a link to peer and resolves the message characteristic. A Session
// is returned only when both steps succeed.
func (m *Manager) Connect(ctx context.Context, peer PeerRecord) (*Session, error) {
	if strings.TrimSpace(peer.ID) == "" {
		return nil, newOpError(opConnect, "", ErrInvalidPeer, nil)
	}

	parent := ctx
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	started := time.Now()
	results := make(chan connectResult, 1)
	go func() {
		results <- m.connectAndDiscover(ctx, peer.ID)
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if parent.Err() != nil {
				return nil, parent.Err()
			}
			m.log.Warn("connect failed", zap.String("peer", peer.ID), zap.Error(res.err))
			return nil, newOpError(opConnect, peer.ID, ErrConnectionFailed, res.err)
		}
		m.log.Info("connected",
			zap.String("peer", peer.ID),
			zap.String("name", peer.Name),
			zap.Duration("elapsed", time.Since(started)))
		return newSession(peer, res.conn, res.char), nil
	case <-ctx.Done():
		// The transport did not honor cancellation; drop whatever link it opens late.
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Disconnect()
			}
		}()
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		m.log.Warn("connect timed out", zap.String("peer", peer.ID), zap.Duration("elapsed", time.Since(started)))
		return nil, newOpError(opConnect, peer.ID, ErrConnectionFailed, ctx.Err())
	}
}

func (m *Manager) connectAndDiscover(ctx context.Context, peerID string) connectResult {
	conn, err := m.transport.Connect(ctx, peerID)
	if err != nil {
		return connectResult{err: err}
	}
	char, err := conn.DiscoverCharacteristic(ctx, m.opts.ServiceID, m.opts.CharacteristicID)
	if err != nil {
		_ = conn.Disconnect()
		return connectResult{err: err}
	}
	return connectResult{conn: conn, char: char}
}

// Send validates and encodes text and writes it to the session's characteristic,
// waiting at most the send timeout for the acknowledgement. Callers must not call
// Send concurrently on one Session.
func (m *Manager) Send(ctx context.Context, s *Session, text string) error {
	if s == nil || !s.Ready() {
		return newOpError(opSend, s.peerID(), ErrNotConnected, nil)
	}

	msg, err := codec.NewOutgoing(text)
	if err != nil {
		return newOpError(opSend, s.Peer.ID, ErrValidationFailed, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.char.Write(writeCtx, msg.Payload)
	}()

	select {
	case err := <-done:
		if err == nil {
			m.log.Debug("message written",
				zap.String("peer", s.Peer.ID),
				zap.Int("payload_bytes", len(msg.Payload)),
				zap.Duration("elapsed", time.Since(started)))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrLinkLost) {
			s.markLost(err)
		}
		if writeCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return newOpError(opSend, s.Peer.ID, ErrSendTimedOut, err)
		}
		m.log.Warn("write failed", zap.String("peer", s.Peer.ID), zap.Error(err))
		return newOpError(opSend, s.Peer.ID, ErrWriteFailed, err)
	case <-writeCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		go m.observeLateWrite(s, done, started)
		m.log.Warn("write timed out", zap.String("peer", s.Peer.ID), zap.Duration("timeout", m.opts.SendTimeout))
		return newOpError(opSend, s.Peer.ID, ErrSendTimedOut, writeCtx.Err())
	}
}

// observeLateWrite records how an abandoned write eventually resolved. A late
// success is expected and harmless.
func (m *Manager) observeLateWrite(s *Session, done <-chan error, started time.Time) {
	err := <-done
	if err != nil && errors.Is(err, ErrLinkLost) {
		s.markLost(err)
	}
	m.log.Debug("abandoned write resolved",
		zap.String("peer", s.Peer.ID),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err))
}

type peerCollector struct {
	mu     sync.Mutex
	closed bool
	seen   map[string]struct{}
	peers  []PeerRecord
}

func newPeerCollector() *peerCollector {
	return &peerCollector{seen: make(map[string]struct{})}
}

func (c *peerCollector) add(adv Advertisement) {
	id := strings.TrimSpace(adv.PeerID)
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.seen[id]; exists {
		return
	}
	c.seen[id] = struct{}{}
	c.peers = append(c.peers, PeerRecord{ID: id, Name: strings.TrimSpace(adv.Name)})
}

func (c *peerCollector) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *peerCollector) snapshot() []PeerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerRecord, len(c.peers))
	copy(out, c.peers)
	return out
}
