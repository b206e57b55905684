package ble

import (
	"context"
	"errors"
	"testing"

	"tinygo.org/x/bluetooth"

	"tagsend/session"
)

func newTestTransport(probe func(string) error) *Transport {
	return New(Config{Adapter: bluetooth.DefaultAdapter, probeFn: probe})
}

func TestScanReportsRadioOffAsTransportUnavailable(t *testing.T) {
	probed := ""
	transport := newTestTransport(func(adapterID string) error {
		probed = adapterID
		return ErrRadioOff
	})
	manager, err := session.NewManager(transport, session.Options{})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = manager.Scan(context.Background(), 0)
	if !errors.Is(err, session.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if !errors.Is(err, ErrRadioOff) {
		t.Fatalf("expected ErrRadioOff cause, got %v", err)
	}
	if probed != DefaultAdapterID {
		t.Fatalf("expected probe of %q, got %q", DefaultAdapterID, probed)
	}
}

func TestStartScanRejectsBadServiceUUID(t *testing.T) {
	called := false
	transport := newTestTransport(func(string) error {
		called = true
		return nil
	})
	if err := transport.StartScan("not-a-uuid", func(session.Advertisement) {}); err == nil {
		t.Fatalf("expected parse error")
	}
	if called {
		t.Fatalf("radio must not be touched for an invalid UUID")
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	transport := newTestTransport(func(string) error { return nil })
	_, err := transport.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestStopScanWithoutScanIsNoop(t *testing.T) {
	transport := newTestTransport(func(string) error { return nil })
	if err := transport.StopScan(); err != nil {
		t.Fatalf("StopScan failed: %v", err)
	}
}

func TestDefaultUUIDsParse(t *testing.T) {
	for _, id := range []string{session.DefaultServiceUUID, session.DefaultCharacteristicUUID} {
		parsed, err := bluetooth.ParseUUID(id)
		if err != nil {
			t.Fatalf("ParseUUID(%q) failed: %v", id, err)
		}
		if parsed.String() != id {
			t.Fatalf("expected %q, got %q", id, parsed.String())
		}
	}
}

func TestClassifyMarksDisconnectsAsLinkLost(t *testing.T) {
	transport := newTestTransport(func(string) error { return nil })
	link := newConn(transport, "AA:BB", bluetooth.Device{})

	plain := errors.New("write not permitted")
	if err := link.classify(plain); !errors.Is(err, plain) || errors.Is(err, session.ErrLinkLost) {
		t.Fatalf("expected plain error, got %v", err)
	}
	if link.linkErr() != nil {
		t.Fatalf("plain failure must not mark the link lost")
	}

	err := link.classify(errors.New("org.bluez.Error.NotConnected: Not connected"))
	if !errors.Is(err, session.ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
	if !errors.Is(link.linkErr(), session.ErrLinkLost) {
		t.Fatalf("link should be marked lost")
	}

	char := &characteristic{conn: link}
	if err := char.Write(context.Background(), []byte("aGk=")); !errors.Is(err, session.ErrLinkLost) {
		t.Fatalf("expected write on lost link to fail with ErrLinkLost, got %v", err)
	}
}

func TestDisconnectEventMarksTrackedLinkLost(t *testing.T) {
	transport := newTestTransport(func(string) error { return nil })
	var device bluetooth.Device
	link := newConn(transport, device.Address.String(), device)
	transport.track(link)

	transport.handleConnectEvent(device, false)

	if !errors.Is(link.linkErr(), session.ErrLinkLost) {
		t.Fatalf("expected link lost after disconnect event")
	}
	if err := link.Disconnect(); err != nil {
		t.Fatalf("Disconnect on lost link should be a no-op, got %v", err)
	}
}

func TestStopScanKeepsScanWhenAdapterRefuses(t *testing.T) {
	stopErr := errors.New("org.bluez.Error.Failed")
	transport := New(Config{
		Adapter:    bluetooth.DefaultAdapter,
		probeFn:    func(string) error { return nil },
		stopScanFn: func() error { return stopErr },
	})
	done := make(chan error, 1)
	transport.scanDone = done

	if err := transport.StopScan(); !errors.Is(err, stopErr) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if transport.scanDone != done {
		t.Fatalf("scan must stay registered after a failed stop")
	}

	transport.stopScan = func() error {
		done <- nil
		return nil
	}
	if err := transport.StopScan(); err != nil {
		t.Fatalf("retry StopScan failed: %v", err)
	}
	if transport.scanDone != nil {
		t.Fatalf("expected scan to be cleared after a successful stop")
	}
}
