package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tagsend/codec"
)

func newTestManager(t *testing.T, transport Transport, opts Options) *Manager {
	t.Helper()
	manager, err := NewManager(transport, opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager
}

func connectedSession(t *testing.T, char *fakeCharacteristic, opts Options) (*Manager, *Session, *fakeTransport) {
	t.Helper()
	conn := &fakeConn{char: char}
	transport := &fakeTransport{connectFn: connectTo(conn)}
	manager := newTestManager(t, transport, opts)

	s, err := manager.Connect(context.Background(), PeerRecord{ID: "AA:BB", Name: "Node1"})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return manager, s, transport
}

func TestNewManagerRequiresTransport(t *testing.T) {
	if _, err := NewManager(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil transport")
	}
}

func TestNewManagerAppliesDefaults(t *testing.T) {
	manager := newTestManager(t, &fakeTransport{}, Options{})
	opts := manager.Options()
	if opts.ServiceID != DefaultServiceUUID || opts.CharacteristicID != DefaultCharacteristicUUID {
		t.Fatalf("unexpected identifiers %q %q", opts.ServiceID, opts.CharacteristicID)
	}
	if opts.ScanTimeout != DefaultScanTimeout || opts.SendTimeout != DefaultSendTimeout || opts.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("unexpected timeouts %+v", opts)
	}
}

func TestScanDeduplicatesFirstSeenWins(t *testing.T) {
	transport := &fakeTransport{
		adverts: []Advertisement{
			{PeerID: "AA:BB", Name: "Node1"},
			{PeerID: "CC:DD"},
			{PeerID: "AA:BB", Name: "Node1-dup"},
			{PeerID: ""},
			{PeerID: "EE:FF", Name: "Node3"},
			{PeerID: "CC:DD", Name: "late name"},
		},
	}
	manager := newTestManager(t, transport, Options{})

	peers, err := manager.Scan(context.Background(), 80*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	want := []PeerRecord{
		{ID: "AA:BB", Name: "Node1"},
		{ID: "CC:DD"},
		{ID: "EE:FF", Name: "Node3"},
	}
	if len(peers) != len(want) {
		t.Fatalf("expected %d peers, got %+v", len(want), peers)
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("peer %d: got %+v want %+v", i, peers[i], want[i])
		}
	}
	if transport.serviceID != DefaultServiceUUID {
		t.Fatalf("scan was not filtered by service, got %q", transport.serviceID)
	}
	if starts, stops := transport.counts(); starts != 1 || stops != 1 {
		t.Fatalf("expected one start and one stop, got %d/%d", starts, stops)
	}
}

func TestScanWithNoPeersReturnsEmptyListAtTimeout(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport, Options{})

	window := 60 * time.Millisecond
	started := time.Now()
	peers, err := manager.Scan(context.Background(), window)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if peers == nil || len(peers) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", peers)
	}
	if elapsed < window || elapsed > window+500*time.Millisecond {
		t.Fatalf("scan returned after %s for a %s window", elapsed, window)
	}
}

func TestScanDefaultWindowWithNoAdvertisements(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a full 4s scan window")
	}
	manager := newTestManager(t, &fakeTransport{}, Options{ScanTimeout: 4000 * time.Millisecond})

	started := time.Now()
	peers, err := manager.Scan(context.Background(), 0)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no peers, got %+v", peers)
	}
	if elapsed < 4*time.Second || elapsed > 4*time.Second+time.Second {
		t.Fatalf("expected ~4s scan, took %s", elapsed)
	}
}

func TestScanStartFailureIsTransportUnavailable(t *testing.T) {
	radioOff := errors.New("adapter powered off")
	transport := &fakeTransport{startErr: radioOff}
	manager := newTestManager(t, transport, Options{})

	started := time.Now()
	peers, err := manager.Scan(context.Background(), time.Hour)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if !errors.Is(err, radioOff) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if peers != nil {
		t.Fatalf("expected no peers on failure, got %+v", peers)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("scan start failure should return immediately")
	}
	if manager.State() != StateIdle {
		t.Fatalf("expected idle state after failed scan, got %s", manager.State())
	}
}

func TestScanIgnoresAdvertisementsAfterStop(t *testing.T) {
	transport := &fakeTransport{adverts: []Advertisement{{PeerID: "AA:BB", Name: "Node1"}}}
	manager := newTestManager(t, transport, Options{})

	peers, err := manager.Scan(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	transport.emitLate(Advertisement{PeerID: "ZZ:ZZ", Name: "late"})
	if len(peers) != 1 || peers[0].ID != "AA:BB" {
		t.Fatalf("unexpected peers %+v", peers)
	}
}

func TestScanRejectsConcurrentScan(t *testing.T) {
	manager := newTestManager(t, &fakeTransport{}, Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = manager.Scan(context.Background(), 300*time.Millisecond)
	}()

	deadline := time.Now().Add(time.Second)
	for manager.State() != StateScanning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if manager.State() != StateScanning {
		t.Fatalf("expected scanning state")
	}

	if _, err := manager.Scan(context.Background(), time.Millisecond); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}
	wg.Wait()
	if manager.State() != StateIdle {
		t.Fatalf("expected idle after scan, got %s", manager.State())
	}
}

func TestScanStopsOnContextCancel(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	started := time.Now()
	if _, err := manager.Scan(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("scan did not stop on cancellation")
	}
	if _, stops := transport.counts(); stops != 1 {
		t.Fatalf("expected scan to be stopped once, got %d", stops)
	}
}

func TestScanWindowIncludesSlowTransportStart(t *testing.T) {
	transport := &fakeTransport{
		startDelay: 400 * time.Millisecond,
		adverts:    []Advertisement{{PeerID: "AA:BB", Name: "Node1"}},
	}
	manager := newTestManager(t, transport, Options{})

	started := time.Now()
	peers, err := manager.Scan(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Fatalf("scan took %s for a 100ms window", elapsed)
	}
	if peers == nil || len(peers) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", peers)
	}
	if manager.State() != StateScanning {
		t.Fatalf("expected scanning state until the transport start returns, got %s", manager.State())
	}
	if _, err := manager.Scan(context.Background(), time.Millisecond); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress while the abandoned start is pending, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, stops := transport.counts(); stops == 1 && manager.State() == StateIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if starts, stops := transport.counts(); starts != 1 || stops != 1 {
		t.Fatalf("expected the late scan to be stopped once, got starts=%d stops=%d", starts, stops)
	}
	if manager.State() != StateIdle {
		t.Fatalf("expected idle after the late start was stopped, got %s", manager.State())
	}
}

func TestScanCancelDuringSlowStart(t *testing.T) {
	transport := &fakeTransport{startDelay: 300 * time.Millisecond}
	manager := newTestManager(t, transport, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	started := time.Now()
	if _, err := manager.Scan(ctx, time.Hour); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if time.Since(started) > 200*time.Millisecond {
		t.Fatalf("scan did not return on cancellation while starting")
	}
}

func TestConnectReturnsReadySession(t *testing.T) {
	conn := &fakeConn{char: &fakeCharacteristic{}}
	transport := &fakeTransport{connectFn: connectTo(conn)}
	manager := newTestManager(t, transport, Options{})

	peer := PeerRecord{ID: "AA:BB", Name: "Node1"}
	s, err := manager.Connect(context.Background(), peer)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !s.Ready() || s.State() != StateConnected {
		t.Fatalf("expected ready session, got %s", s.State())
	}
	if s.Peer != peer {
		t.Fatalf("session peer mismatch: %+v", s.Peer)
	}
	if len(conn.discovered) != 1 || conn.discovered[0] != [2]string{DefaultServiceUUID, DefaultCharacteristicUUID} {
		t.Fatalf("unexpected discovery calls %v", conn.discovered)
	}
}

func TestConnectFailureCarriesCause(t *testing.T) {
	outOfRange := errors.New("peer out of range")
	transport := &fakeTransport{connectFn: func(ctx context.Context, peerID string) (Conn, error) {
		return nil, outOfRange
	}}
	manager := newTestManager(t, transport, Options{})

	s, err := manager.Connect(context.Background(), PeerRecord{ID: "AA:BB"})
	if s != nil {
		t.Fatalf("expected no session on failure")
	}
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, outOfRange) {
		t.Fatalf("expected ErrConnectionFailed wrapping cause, got %v", err)
	}
	if Kind(err) != ErrConnectionFailed {
		t.Fatalf("expected Kind to report ErrConnectionFailed, got %v", Kind(err))
	}
}

func TestConnectDiscoveryFailureDisconnects(t *testing.T) {
	missing := errors.New("characteristic not found")
	conn := &fakeConn{discoverErr: missing}
	transport := &fakeTransport{connectFn: connectTo(conn)}
	manager := newTestManager(t, transport, Options{})

	s, err := manager.Connect(context.Background(), PeerRecord{ID: "AA:BB"})
	if s != nil {
		t.Fatalf("expected no session on discovery failure")
	}
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, missing) {
		t.Fatalf("expected ErrConnectionFailed wrapping discovery cause, got %v", err)
	}
	if conn.disconnectCount() != 1 {
		t.Fatalf("expected link to be disconnected after discovery failure, got %d", conn.disconnectCount())
	}
}

func TestConnectTimesOutWhenTransportStalls(t *testing.T) {
	conn := &fakeConn{char: &fakeCharacteristic{}}
	release := make(chan struct{})
	transport := &fakeTransport{connectFn: func(ctx context.Context, peerID string) (Conn, error) {
		<-release
		return conn, nil
	}}
	manager := newTestManager(t, transport, Options{ConnectTimeout: 40 * time.Millisecond})

	s, err := manager.Connect(context.Background(), PeerRecord{ID: "AA:BB"})
	if s != nil {
		t.Fatalf("expected no session after timeout")
	}
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected connection failure caused by deadline, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for conn.disconnectCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.disconnectCount() != 1 {
		t.Fatalf("expected late link to be disconnected")
	}
}

func TestConnectReturnsCallerCancellation(t *testing.T) {
	transport := &fakeTransport{connectFn: func(ctx context.Context, peerID string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	manager := newTestManager(t, transport, Options{ConnectTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s, err := manager.Connect(ctx, PeerRecord{ID: "AA:BB"})
	if s != nil {
		t.Fatalf("expected no session after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("caller cancellation must not be reported as a connection failure: %v", err)
	}
}

func TestConnectRejectsEmptyPeer(t *testing.T) {
	transport := &fakeTransport{}
	manager := newTestManager(t, transport, Options{})
	if _, err := manager.Connect(context.Background(), PeerRecord{}); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer, got %v", err)
	}
	if transport.connectCalls.Load() != 0 {
		t.Fatalf("transport should not be called")
	}
}

func TestSendWritesBase64Payload(t *testing.T) {
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	manager, s, _ := connectedSession(t, char, Options{})

	if err := manager.Send(context.Background(), s, "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	writes := char.writes()
	if len(writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writes))
	}
	if string(writes[0]) != base64.StdEncoding.EncodeToString([]byte("hi")) {
		t.Fatalf("unexpected payload %q", writes[0])
	}
}

func TestSendTimesOutWhenWriteNeverResolves(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the default 3s send timeout")
	}
	never := make(chan struct{})
	defer close(never)
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		<-never
		return nil
	}}
	manager, s, _ := connectedSession(t, char, Options{})

	started := time.Now()
	err := manager.Send(context.Background(), s, "hello")
	elapsed := time.Since(started)
	if !errors.Is(err, ErrSendTimedOut) {
		t.Fatalf("expected ErrSendTimedOut, got %v", err)
	}
	if elapsed < DefaultSendTimeout || elapsed > DefaultSendTimeout+time.Second {
		t.Fatalf("expected ~3s timeout, took %s", elapsed)
	}
	if !s.Ready() {
		t.Fatalf("session should remain usable after a timeout")
	}
}

func TestSendTimeoutToleratesLateSuccess(t *testing.T) {
	late := make(chan struct{})
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		<-late
		return nil
	}}
	manager, s, _ := connectedSession(t, char, Options{SendTimeout: 30 * time.Millisecond})

	if err := manager.Send(context.Background(), s, "first"); !errors.Is(err, ErrSendTimedOut) {
		t.Fatalf("expected ErrSendTimedOut, got %v", err)
	}
	close(late)

	if err := manager.Send(context.Background(), s, "second"); err != nil {
		t.Fatalf("expected follow-up send to succeed, got %v", err)
	}
	if len(char.writes()) != 2 {
		t.Fatalf("expected two write attempts, got %d", len(char.writes()))
	}
}

func TestSendTimeoutWhenTransportHonorsCancellation(t *testing.T) {
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	manager, s, _ := connectedSession(t, char, Options{SendTimeout: 30 * time.Millisecond})

	if err := manager.Send(context.Background(), s, "hello"); !errors.Is(err, ErrSendTimedOut) {
		t.Fatalf("expected ErrSendTimedOut, got %v", err)
	}
}

func TestSendRejectsInvalidTextWithoutTransportCall(t *testing.T) {
	char := &fakeCharacteristic{}
	manager, s, _ := connectedSession(t, char, Options{})

	cases := []string{"", "   ", strings.Repeat("x", codec.MaxMessageChars+1)}
	for _, text := range cases {
		started := time.Now()
		err := manager.Send(context.Background(), s, text)
		if !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("expected ErrValidationFailed for %d chars, got %v", len(text), err)
		}
		if !IsValidation(err) || !errors.Is(err, codec.ErrValidation) {
			t.Fatalf("expected codec validation cause, got %v", err)
		}
		if time.Since(started) > 100*time.Millisecond {
			t.Fatalf("validation failure should be immediate")
		}
	}
	if len(char.writes()) != 0 {
		t.Fatalf("expected no transport writes, got %d", len(char.writes()))
	}
}

func TestSendWriteFailureKeepsSessionUsable(t *testing.T) {
	rejected := errors.New("characteristic rejected payload")
	fail := true
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		if fail {
			return rejected
		}
		return nil
	}}
	manager, s, _ := connectedSession(t, char, Options{})

	err := manager.Send(context.Background(), s, "hello")
	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, rejected) {
		t.Fatalf("expected ErrWriteFailed wrapping cause, got %v", err)
	}
	if !s.Ready() {
		t.Fatalf("session should remain ready after a rejected write")
	}

	fail = false
	if err := manager.Send(context.Background(), s, "hello again"); err != nil {
		t.Fatalf("expected retry by caller to succeed, got %v", err)
	}
}

func TestSendLinkLossInvalidatesSession(t *testing.T) {
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		return errors.Join(ErrLinkLost, errors.New("device disconnected"))
	}}
	manager, s, _ := connectedSession(t, char, Options{})

	if err := manager.Send(context.Background(), s, "hello"); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if s.Ready() {
		t.Fatalf("expected session to be invalidated after link loss")
	}
	if !errors.Is(s.Err(), ErrLinkLost) {
		t.Fatalf("expected link loss cause, got %v", s.Err())
	}

	if err := manager.Send(context.Background(), s, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after link loss, got %v", err)
	}
	if len(char.writes()) != 1 {
		t.Fatalf("expected no write after invalidation, got %d", len(char.writes()))
	}
}

func TestSendRequiresReadySession(t *testing.T) {
	manager := newTestManager(t, &fakeTransport{}, Options{})
	if err := manager.Send(context.Background(), nil, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for nil session, got %v", err)
	}

	char := &fakeCharacteristic{}
	manager, s, _ := connectedSession(t, char, Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := manager.Send(context.Background(), s, "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after Close, got %v", err)
	}
	if len(char.writes()) != 0 {
		t.Fatalf("expected no writes on closed session")
	}
}

func TestSendReturnsContextErrorOnCallerCancel(t *testing.T) {
	char := &fakeCharacteristic{writeFn: func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	manager, s, _ := connectedSession(t, char, Options{SendTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := manager.Send(ctx, s, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrSendTimedOut) {
		t.Fatalf("caller cancellation must not be reported as a timeout")
	}
}

func TestOpErrorMessage(t *testing.T) {
	err := newOpError(opSend, "AA:BB", ErrSendTimedOut, context.DeadlineExceeded)
	want := "session: send timed out [send AA:BB]: context deadline exceeded"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if got := newOpError(opScan, "", ErrScanInProgress, nil).Error(); got != "session: scan already in progress [scan]" {
		t.Fatalf("unexpected message %q", got)
	}
}
