package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"tagsend/session"
)

// ErrCharacteristicNotFound indicates the peripheral does not expose the requested pair.
var ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

type conn struct {
	transport *Transport
	peerID    string
	device    bluetooth.Device

	mu      sync.Mutex
	lost    bool
	lostErr error
}

var _ session.Conn = (*conn)(nil)

func newConn(t *Transport, peerID string, device bluetooth.Device) *conn {
	return &conn{transport: t, peerID: peerID, device: device}
}

func (c *conn) markLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost {
		return
	}
	c.lost = true
	c.lostErr = err
}

func (c *conn) linkErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lost {
		return nil
	}
	if c.lostErr != nil {
		return fmt.Errorf("%w: %v", session.ErrLinkLost, c.lostErr)
	}
	return session.ErrLinkLost
}

type discoverOutcome struct {
	char bluetooth.DeviceCharacteristic
	err  error
}

// DiscoverCharacteristic resolves the service and characteristic by UUID.
func (c *conn) DiscoverCharacteristic(ctx context.Context, serviceID, characteristicID string) (session.Characteristic, error) {
	if err := c.linkErr(); err != nil {
		return nil, err
	}
	serviceUUID, err := bluetooth.ParseUUID(serviceID)
	if err != nil {
		return nil, fmt.Errorf("parse service UUID %q: %w", serviceID, err)
	}
	charUUID, err := bluetooth.ParseUUID(characteristicID)
	if err != nil {
		return nil, fmt.Errorf("parse characteristic UUID %q: %w", characteristicID, err)
	}

	outcome := make(chan discoverOutcome, 1)
	go func() {
		outcome <- c.discover(serviceUUID, charUUID)
	}()

	select {
	case res := <-outcome:
		if res.err != nil {
			return nil, c.classify(res.err)
		}
		return &characteristic{conn: c, char: res.char}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) discover(serviceUUID, charUUID bluetooth.UUID) discoverOutcome {
	services, err := c.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return discoverOutcome{err: fmt.Errorf("discover services: %w", err)}
	}
	if len(services) == 0 {
		return discoverOutcome{err: fmt.Errorf("%w: service %s", ErrCharacteristicNotFound, serviceUUID.String())}
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return discoverOutcome{err: fmt.Errorf("discover characteristics: %w", err)}
	}
	if len(chars) == 0 {
		return discoverOutcome{err: fmt.Errorf("%w: characteristic %s", ErrCharacteristicNotFound, charUUID.String())}
	}
	return discoverOutcome{char: chars[0]}
}

// Disconnect closes the link. Calling it on a lost link is a no-op.
func (c *conn) Disconnect() error {
	c.transport.untrack(c)
	c.mu.Lock()
	alreadyLost := c.lost
	c.lost = true
	c.mu.Unlock()
	if alreadyLost {
		return nil
	}
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", c.peerID, err)
	}
	return nil
}

// classify marks the link lost when the stack reports a dropped connection.
func (c *conn) classify(err error) error {
	if err == nil {
		return nil
	}
	if linkErr := c.linkErr(); linkErr != nil {
		return fmt.Errorf("%w (%v)", linkErr, err)
	}
	if isDisconnectError(err) {
		c.markLost(err)
		return fmt.Errorf("%w: %v", session.ErrLinkLost, err)
	}
	return err
}

var disconnectMarkers = []string{
	"not connected",
	"disconnected",
	"connection lost",
	"org.bluez.error.notconnected",
	"unknown object",
}

func isDisconnectError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type characteristic struct {
	conn *conn
	char bluetooth.DeviceCharacteristic
}

// Write performs a write-with-response. The stack call cannot be interrupted, so a
// cancelled write keeps running in the background.
func (ch *characteristic) Write(ctx context.Context, payload []byte) error {
	if err := ch.conn.linkErr(); err != nil {
		return err
	}

	value := make([]byte, len(payload))
	copy(value, payload)

	done := make(chan error, 1)
	go func() {
		n, err := ch.char.Write(value)
		if err == nil && n != len(value) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(value))
		}
		done <- err
	}()

	select {
	case err := <-done:
		return ch.conn.classify(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
