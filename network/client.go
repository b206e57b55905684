package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagsend/discovery"
	"tagsend/session"
)

const (
	// DefaultDialTimeout bounds the TCP dial when the caller's context has no deadline.
	DefaultDialTimeout = 10 * time.Second
	// scanStartGrace is how long StartScan waits for an immediate browse failure.
	scanStartGrace = 50 * time.Millisecond
)

var (
	// ErrScanActive indicates StartScan was called while a scan is running.
	ErrScanActive = errors.New("network: scan already active")
	// ErrUnknownPeer indicates Connect was called for a peer no scan has reported.
	ErrUnknownPeer = errors.New("network: peer not seen in any scan")
)

// Browser reports emulated peers until ctx is done.
type Browser interface {
	Browse(ctx context.Context, found func(discovery.Peer)) error
}

// TransportConfig controls the LAN transport.
type TransportConfig struct {
	// Browser finds peers. Nil uses mDNS.
	Browser     Browser
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Transport implements session.Transport over mDNS discovery and TCP links.
type Transport struct {
	browser     Browser
	dialTimeout time.Duration
	log         *zap.Logger

	mu         sync.Mutex
	addresses  map[string]string
	stopBrowse context.CancelFunc
	browseDone chan error
}

var _ session.Transport = (*Transport)(nil)

// NewTransport creates a LAN transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	browser := cfg.Browser
	if browser == nil {
		b, err := discovery.NewBrowser(discovery.Config{})
		if err != nil {
			return nil, fmt.Errorf("create mDNS browser: %w", err)
		}
		browser = b
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Transport{
		browser:     browser,
		dialTimeout: dialTimeout,
		log:         log,
		addresses:   make(map[string]string),
	}, nil
}

// StartScan browses for peers exposing serviceID.
func (t *Transport) StartScan(serviceID string, found func(session.Advertisement)) error {
	t.mu.Lock()
	if t.stopBrowse != nil {
		t.mu.Unlock()
		return ErrScanActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	t.stopBrowse = cancel
	t.browseDone = done
	t.mu.Unlock()

	go func() {
		done <- t.browser.Browse(ctx, func(peer discovery.Peer) {
			if peer.ServiceUUID != "" && !strings.EqualFold(peer.ServiceUUID, serviceID) {
				return
			}
			t.remember(peer.PeerID, peer.Address())
			found(session.Advertisement{PeerID: peer.PeerID, Name: peer.Name})
		})
	}()

	select {
	case err := <-done:
		t.mu.Lock()
		t.stopBrowse = nil
		t.browseDone = nil
		t.mu.Unlock()
		cancel()
		if err == nil {
			err = errors.New("browser stopped unexpectedly")
		}
		return fmt.Errorf("start mDNS browse: %w", err)
	case <-time.After(scanStartGrace):
		return nil
	}
}

// StopScan stops the running browse and waits for it to return.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	cancel, done := t.stopBrowse, t.browseDone
	t.stopBrowse = nil
	t.browseDone = nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mDNS browse: %w", err)
	}
	return nil
}

// Connect dials a peer previously reported by a scan.
func (t *Transport) Connect(ctx context.Context, peerID string) (session.Conn, error) {
	t.mu.Lock()
	address, ok := t.addresses[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	t.log.Debug("link opened", zap.String("peer", peerID), zap.String("addr", address))
	return newConn(conn, peerID, t.log), nil
}

func (t *Transport) remember(peerID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[peerID] = address
}

// StaticBrowser reports a fixed peer list once per browse. It serves hosts without
// multicast and tests.
type StaticBrowser []discovery.Peer

// Browse reports each peer, then waits for ctx.
func (b StaticBrowser) Browse(ctx context.Context, found func(discovery.Peer)) error {
	for _, peer := range b {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		found(peer)
	}
	<-ctx.Done()
	return nil
}

// StaticPeer builds a discovery.Peer for a host:port address.
func StaticPeer(address, name, serviceUUID string) (discovery.Peer, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return discovery.Peer{}, fmt.Errorf("parse peer address %q: %w", address, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return discovery.Peer{}, fmt.Errorf("parse peer port %q: %w", port, err)
	}
	if name == "" {
		name = address
	}
	return discovery.Peer{
		PeerID:      address,
		Name:        name,
		ServiceUUID: serviceUUID,
		HostName:    host,
		Port:        portNum,
	}, nil
}
