package ui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tagsend/codec"
	"tagsend/session"
	"tagsend/storage"
)

// DescribeError turns a session failure into a message for the user. Every
// failure kind gets its own wording.
func DescribeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, session.ErrScanInProgress):
		return "a scan is already running"
	case errors.Is(err, session.ErrTransportUnavailable):
		if cause := opCause(err); cause != nil {
			return fmt.Sprintf("bluetooth is unavailable (%v)", cause)
		}
		return "bluetooth is unavailable"
	case errors.Is(err, session.ErrConnectionFailed):
		if cause := opCause(err); cause != nil {
			return fmt.Sprintf("could not connect to the tag (%v)", cause)
		}
		return "could not connect to the tag"
	case errors.Is(err, codec.ErrEmpty):
		return "message is empty"
	case errors.Is(err, codec.ErrTooLong):
		return fmt.Sprintf("message is longer than %d characters", codec.MaxMessageChars)
	case errors.Is(err, session.ErrValidationFailed):
		return "message is not valid"
	case errors.Is(err, session.ErrSendTimedOut):
		return "send timed out, the tag did not confirm the message"
	case errors.Is(err, session.ErrWriteFailed) && errors.Is(err, session.ErrLinkLost):
		return "connection to the tag was lost, reconnect with /connect"
	case errors.Is(err, session.ErrWriteFailed):
		return "message rejected by the tag"
	case errors.Is(err, session.ErrNotConnected):
		return "not connected, use /scan and /connect first"
	case errors.Is(err, session.ErrInvalidPeer):
		return "no device selected"
	default:
		return err.Error()
	}
}

func opCause(err error) error {
	var opErr *session.OpError
	if errors.As(err, &opErr) {
		return opErr.Err
	}
	return nil
}

// DeliveryStatus maps a send outcome onto a stored delivery status.
func DeliveryStatus(err error) string {
	switch {
	case err == nil:
		return storage.DeliveryStatusSent
	case errors.Is(err, session.ErrSendTimedOut):
		return storage.DeliveryStatusTimedOut
	case errors.Is(err, session.ErrValidationFailed), errors.Is(err, session.ErrNotConnected):
		return storage.DeliveryStatusRejected
	default:
		return storage.DeliveryStatusFailed
	}
}

// DeliveryFor builds the history row for one send attempt.
func DeliveryFor(peer session.PeerRecord, text string, err error, elapsed time.Duration) storage.Delivery {
	delivery := storage.Delivery{
		PeerID:     peer.ID,
		Content:    text,
		Status:     DeliveryStatus(err),
		DurationMS: elapsed.Milliseconds(),
	}
	if peer.Name != "" {
		name := peer.Name
		delivery.PeerName = &name
	}
	if trimmed, vErr := codec.Validate(text); vErr == nil {
		delivery.Content = trimmed
		delivery.PayloadBytes = codec.EncodedLen(trimmed)
	}
	if err != nil {
		msg := err.Error()
		delivery.Error = &msg
	}
	return delivery
}
