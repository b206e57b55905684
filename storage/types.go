package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DeliveryStatusSent means the peer acknowledged the write.
	DeliveryStatusSent = "sent"
	// DeliveryStatusTimedOut means no acknowledgement arrived within the send timeout.
	DeliveryStatusTimedOut = "timed_out"
	// DeliveryStatusFailed means the link or the write reported an error.
	DeliveryStatusFailed = "failed"
	// DeliveryStatusRejected means the message never reached the link.
	DeliveryStatusRejected = "rejected"
)

// Delivery is one send attempt.
type Delivery struct {
	DeliveryID   string
	PeerID       string
	PeerName     *string
	Content      string
	PayloadBytes int
	Status       string
	Error        *string
	AttemptedAt  int64
	DurationMS   int64
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	PeerID string
	Status string
	Limit  int
	Offset int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDeliveryStatus(status string) error {
	switch status {
	case DeliveryStatusSent, DeliveryStatusTimedOut, DeliveryStatusFailed, DeliveryStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
