package session

import (
	"errors"
	"strings"

	"tagsend/codec"
)

var (
	// ErrTransportUnavailable indicates the scan could not be started.
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	// ErrConnectionFailed indicates the connect or characteristic discovery step failed.
	ErrConnectionFailed = errors.New("session: connection failed")
	// ErrValidationFailed indicates the message was rejected before reaching the transport.
	ErrValidationFailed = errors.New("session: validation failed")
	// ErrSendTimedOut indicates the write was not acknowledged before the send timeout.
	ErrSendTimedOut = errors.New("session: send timed out")
	// ErrWriteFailed indicates the transport reported a write error.
	ErrWriteFailed = errors.New("session: write failed")

	// ErrNotConnected indicates Send was called without a ready session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrScanInProgress indicates another scan is already running.
	ErrScanInProgress = errors.New("session: scan already in progress")
	// ErrInvalidPeer indicates a peer record without an identifier.
	ErrInvalidPeer = errors.New("session: invalid peer")

	// ErrLinkLost is wrapped by transports when the underlying link has dropped.
	ErrLinkLost = errors.New("session: link lost")
)

const (
	opScan    = "scan"
	opConnect = "connect"
	opSend    = "send"
)

// OpError reports a failed Manager operation. It matches both its Kind sentinel
// and the underlying cause with errors.Is.
type OpError struct {
	Op     string
	PeerID string
	Kind   error
	Err    error
}

func newOpError(op, peerID string, kind, cause error) *OpError {
	return &OpError{Op: op, PeerID: peerID, Kind: kind, Err: cause}
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(" [")
	b.WriteString(e.Op)
	if e.PeerID != "" {
		b.WriteString(" ")
		b.WriteString(e.PeerID)
	}
	b.WriteString("]")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns the taxonomy sentinel carried by err, or nil when err did not come
// from a Manager operation.
func Kind(err error) error {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return nil
}

// IsValidation reports whether err is a local message rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed) || errors.Is(err, codec.ErrValidation)
}
