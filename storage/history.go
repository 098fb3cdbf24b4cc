package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures the transfer history pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// LogTransferEvent appends a history row and applies retention pruning.
func (s *Store) LogTransferEvent(event TransferEvent) error {
	if strings.TrimSpace(event.GlobalID) == "" {
		return errors.New("global_id is required")
	}
	if err := validateTransferEventType(event.EventType); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_events (
			global_id,
			event_type,
			state,
			details,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.GlobalID,
		event.EventType,
		event.State,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transfer event %q: %w", event.GlobalID, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneTransferEvents(cutoff); err != nil {
			return fmt.Errorf("prune transfer events: %w", err)
		}
	}

	return nil
}

// GetTransferEvents returns recent history rows, newest first.
func (s *Store) GetTransferEvents(filter TransferEventFilter) ([]TransferEvent, error) {
	if filter.EventType != "" {
		if err := validateTransferEventType(filter.EventType); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
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
		id,
		global_id,
		event_type,
		state,
		details,
		timestamp
	FROM transfer_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.GlobalID != "" {
		where = append(where, "global_id = ?")
		args = append(args, filter.GlobalID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get transfer events: %w", err)
	}
	defer rows.Close()

	events := make([]TransferEvent, 0)
	for rows.Next() {
		event, err := scanTransferEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer event rows: %w", err)
	}

	return events, nil
}

// PruneTransferEvents removes history rows older than cutoffTimestamp.
func (s *Store) PruneTransferEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfer_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfer events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanTransferEvent(row scanner) (*TransferEvent, error) {
	var event TransferEvent
	if err := row.Scan(
		&event.ID,
		&event.GlobalID,
		&event.EventType,
		&event.State,
		&event.Details,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	return &event, nil
}
