package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SetDeliveryRetention configures the automatic pruning horizon.
func (s *Store) SetDeliveryRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultDeliveryRetention
	}
	s.retention = retention
}

// RecordDelivery inserts a delivery attempt and applies retention pruning. Missing
// IDs and timestamps are filled in; the stored row is returned.
func (s *Store) RecordDelivery(delivery Delivery) (Delivery, error) {
	if strings.TrimSpace(delivery.PeerID) == "" {
		return Delivery{}, errors.New("peer_id is required")
	}
	if err := validateDeliveryStatus(delivery.Status); err != nil {
		return Delivery{}, err
	}
	if delivery.DeliveryID == "" {
		delivery.DeliveryID = uuid.NewString()
	}
	if delivery.AttemptedAt == 0 {
		delivery.AttemptedAt = nowUnixMilli()
	}
	if delivery.DurationMS < 0 {
		delivery.DurationMS = 0
	}

	_, err := s.db.Exec(
		`INSERT INTO deliveries (
			delivery_id,
			peer_id,
			peer_name,
			content,
			payload_bytes,
			status,
			error,
			attempted_at,
			duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.DeliveryID,
		delivery.PeerID,
		nullString(delivery.PeerName),
		delivery.Content,
		delivery.PayloadBytes,
		delivery.Status,
		nullString(delivery.Error),
		delivery.AttemptedAt,
		delivery.DurationMS,
	)
	if err != nil {
		return Delivery{}, fmt.Errorf("insert delivery %q: %w", delivery.DeliveryID, err)
	}

	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention).UnixMilli()
		if _, err := s.PruneDeliveries(cutoff); err != nil {
			return Delivery{}, fmt.Errorf("prune deliveries: %w", err)
		}
	}

	return delivery, nil
}

// GetDelivery returns one delivery by ID.
func (s *Store) GetDelivery(deliveryID string) (*Delivery, error) {
	row := s.db.QueryRow(
		`SELECT
			delivery_id,
			peer_id,
			peer_name,
			content,
			payload_bytes,
			status,
			error,
			attempted_at,
			duration_ms
		FROM deliveries
		WHERE delivery_id = ?`,
		deliveryID,
	)

	delivery, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery %q: %w", deliveryID, err)
	}
	return delivery, nil
}

// ListDeliveries returns recent deliveries, newest first.
func (s *Store) ListDeliveries(filter DeliveryFilter) ([]Delivery, error) {
	if filter.Status != "" {
		if err := validateDeliveryStatus(filter.Status); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		delivery_id,
		peer_id,
		peer_name,
		content,
		payload_bytes,
		status,
		error,
		attempted_at,
		duration_ms
	FROM deliveries`)

	where := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY attempted_at DESC, delivery_id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]Delivery, 0)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		deliveries = append(deliveries, *delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery rows: %w", err)
	}

	return deliveries, nil
}

// CountDeliveriesByStatus returns the number of deliveries per status.
func (s *Store) CountDeliveriesByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(1) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery counts: %w", err)
	}
	return counts, nil
}

// PruneDeliveries removes deliveries attempted before cutoffTimestamp.
func (s *Store) PruneDeliveries(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM deliveries WHERE attempted_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delivery prune: %w", err)
	}

	return rowsAffected, nil
}

func scanDelivery(row scanner) (*Delivery, error) {
	var (
		delivery Delivery
		peerName sql.NullString
		errText  sql.NullString
	)
	if err := row.Scan(
		&delivery.DeliveryID,
		&delivery.PeerID,
		&peerName,
		&delivery.Content,
		&delivery.PayloadBytes,
		&delivery.Status,
		&errText,
		&delivery.AttemptedAt,
		&delivery.DurationMS,
	); err != nil {
		return nil, err
	}

	delivery.PeerName = stringPtr(peerName)
	delivery.Error = stringPtr(errText)
	return &delivery, nil
}
