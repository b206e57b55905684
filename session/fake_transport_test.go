package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	startErr  error
	adverts   []Advertisement
	found     func(Advertisement)
	starts    int
	stops     int
	serviceID string
	// startDelay makes StartScan block like a radio that is slow to come up.
	startDelay time.Duration

	connectFn    func(ctx context.Context, peerID string) (Conn, error)
	connectCalls atomic.Int32
}

func (f *fakeTransport) StartScan(serviceID string, found func(Advertisement)) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.mu.Lock()
	f.starts++
	f.serviceID = serviceID
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.found = found
	adverts := append([]Advertisement(nil), f.adverts...)
	f.mu.Unlock()

	go func() {
		for _, adv := range adverts {
			found(adv)
		}
	}()
	return nil
}

func (f *fakeTransport) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context, peerID string) (Conn, error) {
	f.connectCalls.Add(1)
	return f.connectFn(ctx, peerID)
}

func (f *fakeTransport) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// emitLate delivers an advertisement through the last registered callback.
func (f *fakeTransport) emitLate(adv Advertisement) {
	f.mu.Lock()
	found := f.found
	f.mu.Unlock()
	if found != nil {
		found(adv)
	}
}

type fakeConn struct {
	discoverErr error
	char        *fakeCharacteristic

	mu          sync.Mutex
	disconnects int
	discovered  [][2]string
}

func (c *fakeConn) DiscoverCharacteristic(ctx context.Context, serviceID, characteristicID string) (Characteristic, error) {
	c.mu.Lock()
	c.discovered = append(c.discovered, [2]string{serviceID, characteristicID})
	c.mu.Unlock()
	if c.discoverErr != nil {
		return nil, c.discoverErr
	}
	return c.char, nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeCharacteristic struct {
	writeFn func(ctx context.Context, payload []byte) error

	mu       sync.Mutex
	payloads [][]byte
}

func (c *fakeCharacteristic) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	c.mu.Unlock()
	if c.writeFn == nil {
		return nil
	}
	return c.writeFn(ctx, payload)
}

func (c *fakeCharacteristic) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

func connectTo(conn *fakeConn) func(ctx context.Context, peerID string) (Conn, error) {
	return func(ctx context.Context, peerID string) (Conn, error) {
		return conn, nil
	}
}
