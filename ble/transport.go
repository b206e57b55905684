// Package ble implements the session transport over Bluetooth LE.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"tagsend/session"
)

const (
	// DefaultAdapterID is the BlueZ adapter probed before the radio is enabled.
	DefaultAdapterID = "hci0"
	// scanStartGrace is how long StartScan waits for an immediate scan failure.
	scanStartGrace = 100 * time.Millisecond
)

var (
	// ErrScanActive indicates StartScan was called while a scan is running.
	ErrScanActive = errors.New("ble: scan already active")
	// ErrUnknownPeer indicates Connect was called for an address no scan has reported.
	ErrUnknownPeer = errors.New("ble: peer not seen in any scan")
	// ErrRadioOff indicates the adapter exists but is powered off.
	ErrRadioOff = errors.New("ble: adapter is powered off")
)

// Config controls the BLE transport.
type Config struct {
	// Adapter defaults to bluetooth.DefaultAdapter.
	Adapter   *bluetooth.Adapter
	AdapterID string
	Logger    *zap.Logger

	probeFn    func(adapterID string) error
	stopScanFn func() error
}

// Transport implements session.Transport with tinygo.org/x/bluetooth.
type Transport struct {
	adapter   *bluetooth.Adapter
	adapterID string
	log       *zap.Logger
	probeFn   func(adapterID string) error
	stopScan  func() error

	enableMu sync.Mutex
	enabled  bool

	mu        sync.Mutex
	addresses map[string]bluetooth.Address
	scanDone  chan error
	links     map[string]*conn
}

var _ session.Transport = (*Transport)(nil)

// New creates a BLE transport. The radio is enabled lazily on the first scan or connect.
func New(cfg Config) *Transport {
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = bluetooth.DefaultAdapter
	}
	adapterID := strings.TrimSpace(cfg.AdapterID)
	if adapterID == "" {
		adapterID = DefaultAdapterID
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	probe := cfg.probeFn
	if probe == nil {
		probe = probeRadio
	}

	t := &Transport{
		adapter:   adapter,
		adapterID: adapterID,
		log:       log,
		probeFn:   probe,
		stopScan:  cfg.stopScanFn,
		addresses: make(map[string]bluetooth.Address),
		links:     make(map[string]*conn),
	}
	if t.stopScan == nil {
		t.stopScan = adapter.StopScan
	}
	adapter.SetConnectHandler(t.handleConnectEvent)
	return t
}

func (t *Transport) ensureEnabled() error {
	t.enableMu.Lock()
	defer t.enableMu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.probeFn(t.adapterID); err != nil {
		return err
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter %s: %w", t.adapterID, err)
	}
	t.enabled = true
	t.log.Debug("bluetooth adapter enabled", zap.String("adapter", t.adapterID))
	return nil
}

// StartScan scans for peripherals advertising serviceID.
func (t *Transport) StartScan(serviceID string, found func(session.Advertisement)) error {
	service, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return fmt.Errorf("parse service UUID %q: %w", serviceID, err)
	}
	if err := t.ensureEnabled(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.scanDone != nil {
		t.mu.Unlock()
		return ErrScanActive
	}
	done := make(chan error, 1)
	t.scanDone = done
	t.mu.Unlock()

	go func() {
		done <- t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(service) {
				return
			}
			id := result.Address.String()
			t.remember(id, result.Address)
			found(session.Advertisement{PeerID: id, Name: result.LocalName()})
		})
	}()

	select {
	case err := <-done:
		t.mu.Lock()
		t.scanDone = nil
		t.mu.Unlock()
		if err == nil {
			err = errors.New("scan stopped unexpectedly")
		}
		return fmt.Errorf("start scan: %w", err)
	case <-time.After(scanStartGrace):
		return nil
	}
}

// StopScan stops the running scan and waits for it to return. When the adapter
// refuses to stop, the scan stays registered so a later StopScan can retry.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	done := t.scanDone
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := t.stopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}

	t.mu.Lock()
	owner := t.scanDone == done
	if owner {
		t.scanDone = nil
	}
	t.mu.Unlock()
	if !owner {
		// A concurrent StopScan already collected the result.
		return nil
	}
	if err := <-done; err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

type connectOutcome struct {
	device bluetooth.Device
	err    error
}

// Connect opens a link to a peripheral previously reported by a scan.
func (t *Transport) Connect(ctx context.Context, peerID string) (session.Conn, error) {
	t.mu.Lock()
	address, ok := t.addresses[peerID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err := t.ensureEnabled(); err != nil {
		return nil, err
	}

	outcome := make(chan connectOutcome, 1)
	go func() {
		device, err := t.adapter.Connect(address, bluetooth.ConnectionParams{})
		outcome <- connectOutcome{device: device, err: err}
	}()

	select {
	case res := <-outcome:
		if res.err != nil {
			return nil, fmt.Errorf("connect %s: %w", peerID, res.err)
		}
		link := newConn(t, peerID, res.device)
		t.track(link)
		t.log.Debug("link opened", zap.String("peer", peerID))
		return link, nil
	case <-ctx.Done():
		go func() {
			res := <-outcome
			if res.err == nil {
				t.log.Debug("dropping link opened after cancellation", zap.String("peer", peerID))
				_ = res.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) remember(peerID string, address bluetooth.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[peerID] = address
}

func (t *Transport) track(link *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[link.peerID] = link
}

func (t *Transport) untrack(link *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[link.peerID] == link {
		delete(t.links, link.peerID)
	}
}

func (t *Transport) handleConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	peerID := device.Address.String()
	t.mu.Lock()
	link := t.links[peerID]
	t.mu.Unlock()
	if link == nil {
		return
	}
	t.log.Info("peripheral disconnected", zap.String("peer", peerID))
	link.markLost(errors.New("peripheral disconnected"))
	t.untrack(link)
}
