package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tagsend/session"
)

// ErrCharacteristicNotFound indicates the peer does not expose the requested pair.
var ErrCharacteristicNotFound = errors.New("network: characteristic not found")

// Conn is a client link to an emulated peer. Requests may be issued from several
// goroutines; responses are matched by request ID, so a reply that arrives after
// its caller gave up is dropped.
type Conn struct {
	conn   net.Conn
	peerID string
	log    *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.RWMutex
	closeErr  error
}

var _ session.Conn = (*Conn)(nil)

func newConn(conn net.Conn, peerID string, log *zap.Logger) *Conn {
	c := &Conn{
		conn:    conn,
		peerID:  peerID,
		log:     log,
		pending: make(map[string]chan []byte),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the link is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// DiscoverCharacteristic asks the peer for the service/characteristic pair.
func (c *Conn) DiscoverCharacteristic(ctx context.Context, serviceID, characteristicID string) (session.Characteristic, error) {
	requestID := uuid.NewString()
	payload, err := c.roundTrip(ctx, requestID, DiscoverRequest{
		Type:               TypeDiscover,
		RequestID:          requestID,
		ServiceUUID:        strings.ToLower(serviceID),
		CharacteristicUUID: strings.ToLower(characteristicID),
		ProtocolVersion:    ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}

	var response DiscoverResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("decode discover response: %w", err)
	}
	if response.Type != TypeDiscoverResponse {
		return nil, fmt.Errorf("expected %q, got %q", TypeDiscoverResponse, response.Type)
	}
	if response.Status != StatusOK {
		return nil, fmt.Errorf("%w: service %s characteristic %s", ErrCharacteristicNotFound, serviceID, characteristicID)
	}

	return &characteristic{
		conn:             c,
		serviceID:        strings.ToLower(serviceID),
		characteristicID: strings.ToLower(characteristicID),
	}, nil
}

// Disconnect sends a disconnect notice and closes the link.
func (c *Conn) Disconnect() error {
	select {
	case <-c.closed:
		return nil
	default:
	}

	c.writeMu.Lock()
	_ = writeMessage(c.conn, DisconnectMessage{
		Type:      TypeDisconnect,
		Reason:    "client disconnect",
		Timestamp: time.Now().UnixMilli(),
	}, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.closeWithError(nil)
	return nil
}

func (c *Conn) roundTrip(ctx context.Context, requestID string, message any) ([]byte, error) {
	responses := make(chan []byte, 1)

	c.pendingMu.Lock()
	select {
	case <-c.closed:
		c.pendingMu.Unlock()
		return nil, c.linkErr()
	default:
	}
	c.pending[requestID] = responses
	c.pendingMu.Unlock()
	defer c.forget(requestID)

	deadline, _ := ctx.Deadline()
	c.writeMu.Lock()
	err := writeMessage(c.conn, message, deadline)
	c.writeMu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.closeWithError(err)
		return nil, c.linkErr()
	}

	select {
	case payload := <-responses:
		return payload, nil
	case <-c.closed:
		return nil, c.linkErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) forget(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			c.log.Debug("dropping undecodable frame", zap.String("peer", c.peerID), zap.Error(err))
			continue
		}

		if envelope.Type == TypeDisconnect {
			c.closeWithError(errors.New("peer disconnected"))
			return
		}
		if envelope.Type == TypeError && envelope.RequestID == "" {
			var remote ErrorMessage
			_ = json.Unmarshal(payload, &remote)
			c.closeWithError(&RemoteError{Code: remote.Code, Message: remote.Message})
			return
		}

		c.pendingMu.Lock()
		responses, ok := c.pending[envelope.RequestID]
		c.pendingMu.Unlock()
		if !ok {
			c.log.Debug("dropping late response",
				zap.String("peer", c.peerID),
				zap.String("type", envelope.Type),
				zap.String("request_id", envelope.RequestID))
			continue
		}
		select {
		case responses <- payload:
		default:
		}
	}
}

func (c *Conn) linkErr() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", session.ErrLinkLost, c.closeErr)
	}
	return session.ErrLinkLost
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}

type characteristic struct {
	conn             *Conn
	serviceID        string
	characteristicID string
}

// Write sends payload and waits for the peer's ack.
func (ch *characteristic) Write(ctx context.Context, payload []byte) error {
	requestID := uuid.NewString()
	response, err := ch.conn.roundTrip(ctx, requestID, WriteRequest{
		Type:               TypeWrite,
		RequestID:          requestID,
		ServiceUUID:        ch.serviceID,
		CharacteristicUUID: ch.characteristicID,
		Value:              payload,
		Timestamp:          time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	envelope, err := DecodeEnvelope(response)
	if err != nil {
		return err
	}
	switch envelope.Type {
	case TypeAck:
		return nil
	case TypeError:
		var remote ErrorMessage
		if err := json.Unmarshal(response, &remote); err != nil {
			return fmt.Errorf("decode remote error response: %w", err)
		}
		return &RemoteError{Code: remote.Code, Message: remote.Message}
	default:
		return fmt.Errorf("expected %q, got %q", TypeAck, envelope.Type)
	}
}
