package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fcpqueue/models"
)

const transferColumns = `
	global_id,
	direction,
	address,
	priority,
	state,
	done_blocks,
	required_blocks,
	total_blocks,
	finalized,
	is_direct,
	retry_count,
	remove_expected,
	error_description,
	digest,
	local_path,
	max_size,
	file_size,
	get_address_only,
	content_type,
	pre_shared,
	created_at,
	updated_at`

// SaveTransfer inserts or replaces the record for a local transfer.
func (s *Store) SaveTransfer(t models.Transfer) error {
	if t == nil {
		return errors.New("transfer is required")
	}
	base := t.Base()
	if strings.TrimSpace(base.GlobalID) == "" {
		return errors.New("global_id is required")
	}
	if base.IsExternal {
		return errors.New("external transfers are not persisted")
	}
	if err := validateDirection(t.Direction()); err != nil {
		return err
	}
	if err := validateState(base.State); err != nil {
		return err
	}
	if !base.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", base.Priority.Class())
	}

	var (
		localPath      string
		maxSize        int64
		fileSize       int64
		getAddressOnly bool
		contentType    string
		preShared      bool
	)
	switch item := t.(type) {
	case *models.Download:
		localPath = item.TargetPath
		maxSize = item.MaxSize
	case *models.Upload:
		localPath = item.SourcePath
		fileSize = item.FileSize
		getAddressOnly = item.GetAddressOnly
		contentType = item.ContentType
		preShared = item.PreShared
	default:
		return fmt.Errorf("unsupported transfer type %T", t)
	}
	if localPath == "" {
		return errors.New("local_path is required")
	}

	createdAt := unixMilli(base.CreatedAt)
	if createdAt == 0 {
		createdAt = nowUnixMilli()
	}
	updatedAt := unixMilli(base.LastUpdated)
	if updatedAt == 0 {
		updatedAt = createdAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_id) DO UPDATE SET
			direction = excluded.direction,
			address = excluded.address,
			priority = excluded.priority,
			state = excluded.state,
			done_blocks = excluded.done_blocks,
			required_blocks = excluded.required_blocks,
			total_blocks = excluded.total_blocks,
			finalized = excluded.finalized,
			is_direct = excluded.is_direct,
			retry_count = excluded.retry_count,
			remove_expected = excluded.remove_expected,
			error_description = excluded.error_description,
			digest = excluded.digest,
			local_path = excluded.local_path,
			max_size = excluded.max_size,
			file_size = excluded.file_size,
			get_address_only = excluded.get_address_only,
			content_type = excluded.content_type,
			pre_shared = excluded.pre_shared,
			updated_at = excluded.updated_at`,
		base.GlobalID,
		string(t.Direction()),
		base.Key,
		base.Priority.Class(),
		string(base.State),
		base.Progress.DoneBlocks,
		base.Progress.RequiredBlocks,
		base.Progress.TotalBlocks,
		boolToInt(base.Progress.Finalized),
		boolToInt(base.IsDirect),
		base.RetryCount,
		boolToInt(base.InternalRemoveExpected),
		base.ErrorDescription,
		base.Digest,
		localPath,
		maxSize,
		fileSize,
		boolToInt(getAddressOnly),
		contentType,
		boolToInt(preShared),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", base.GlobalID, err)
	}

	return nil
}

// GetTransfer fetches one transfer by global identifier.
func (s *Store) GetTransfer(globalID string) (models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE global_id = ?`,
		globalID,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", globalID, err)
	}

	return t, nil
}

// ListTransfers returns every stored transfer, oldest first.
func (s *Store) ListTransfers() ([]models.Transfer, error) {
	rows, err := s.db.Query(
		`SELECT` + transferColumns + `
		FROM transfers
		ORDER BY created_at ASC, global_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// DeleteTransfer removes a transfer record. Deleting a missing record is not an error.
func (s *Store) DeleteTransfer(globalID string) error {
	if globalID == "" {
		return errors.New("global_id is required")
	}

	if _, err := s.db.Exec(`DELETE FROM transfers WHERE global_id = ?`, globalID); err != nil {
		return fmt.Errorf("delete transfer %q: %w", globalID, err)
	}
	return nil
}

// PruneFinishedTransfers removes Done and Failed records last updated before
// cutoffTimestamp.
func (s *Store) PruneFinishedTransfers(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE state IN ('done','failed') AND updated_at < ?`,
		cutoffTimestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("prune finished transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}

	return rowsAffected, nil
}

func scanTransfer(row scanner) (models.Transfer, error) {
	var (
		item           models.Item
		direction      string
		priority       int
		state          string
		finalized      int
		isDirect       int
		removeExpected int
		localPath      string
		maxSize        int64
		fileSize       int64
		getAddressOnly int
		contentType    string
		preShared      int
		createdAt      int64
		updatedAt      int64
	)
	if err := row.Scan(
		&item.GlobalID,
		&direction,
		&item.Key,
		&priority,
		&state,
		&item.Progress.DoneBlocks,
		&item.Progress.RequiredBlocks,
		&item.Progress.TotalBlocks,
		&finalized,
		&isDirect,
		&item.RetryCount,
		&removeExpected,
		&item.ErrorDescription,
		&item.Digest,
		&localPath,
		&maxSize,
		&fileSize,
		&getAddressOnly,
		&contentType,
		&preShared,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	item.Priority = models.PriorityFromClass(priority)
	item.State = models.State(state)
	item.Progress.Finalized = finalized == 1
	item.IsDirect = isDirect == 1
	item.InternalRemoveExpected = removeExpected == 1
	item.CreatedAt = timeFromUnixMilli(createdAt)
	item.LastUpdated = timeFromUnixMilli(updatedAt)

	switch models.Direction(direction) {
	case models.DirectionDownload:
		return &models.Download{Item: item, TargetPath: localPath, MaxSize: maxSize}, nil
	case models.DirectionUpload:
		return &models.Upload{
			Item:           item,
			SourcePath:     localPath,
			FileSize:       fileSize,
			GetAddressOnly: getAddressOnly == 1,
			ContentType:    contentType,
			PreShared:      preShared == 1,
		}, nil
	default:
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
}
