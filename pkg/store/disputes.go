package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/evidence"
)

const disputeColumns = `id, unit_id, shipment_id, shipper_id, carrier_id, reporter_id, reporter_name, reporter_role, type,
	description, photo_ids, status, suggested_liability, suggestion_reason, resolution, evidence, auto_created,
	source_scan_id, version, created_at, updated_at`

// jsonArg encodes v for a JSON column; nil pointers become NULL.
func jsonArg(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func disputeArgs(s *Store, d *dispute.Dispute) ([]any, error) {
	ids := d.PhotoIDs
	if ids == nil {
		ids = []string{}
	}
	photos, err := jsonArg(ids, false)
	if err != nil {
		return nil, fmt.Errorf("encode photo ids: %w", err)
	}
	resolution, err := jsonArg(d.Resolution, d.Resolution == nil)
	if err != nil {
		return nil, fmt.Errorf("encode resolution: %w", err)
	}
	snap, err := jsonArg(d.Evidence, d.Evidence == nil)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return []any{
		d.ID, d.UnitID, d.ShipmentID, d.ShipperID, d.CarrierID, d.ReporterID, d.ReporterName, d.ReporterRole,
		string(d.Type), d.Description, photos, string(d.Status), string(d.SuggestedLiability), d.SuggestionReason,
		resolution, snap, d.AutoCreated, d.SourceScanID, d.Version, s.ts(d.CreatedAt), s.ts(d.UpdatedAt),
	}, nil
}

func scanDispute(r rowScanner) (*dispute.Dispute, error) {
	var (
		d                    dispute.Dispute
		photos               string
		resolution, snap     sql.NullString
		createdAt, updatedAt timeCol
	)
	if err := r.Scan(&d.ID, &d.UnitID, &d.ShipmentID, &d.ShipperID, &d.CarrierID, &d.ReporterID, &d.ReporterName,
		&d.ReporterRole, &d.Type, &d.Description, &photos, &d.Status, &d.SuggestedLiability, &d.SuggestionReason,
		&resolution, &snap, &d.AutoCreated, &d.SourceScanID, &d.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(photos), &d.PhotoIDs); err != nil {
		return nil, fmt.Errorf("decode photo ids: %w", err)
	}
	if resolution.Valid && resolution.String != "" {
		d.Resolution = &dispute.Resolution{}
		if err := json.Unmarshal([]byte(resolution.String), d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
	}
	if snap.Valid && snap.String != "" {
		d.Evidence = &evidence.Snapshot{}
		if err := json.Unmarshal([]byte(snap.String), d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	d.CreatedAt = createdAt.T
	d.UpdatedAt = updatedAt.T
	return &d, nil
}

// CreateDispute inserts d. The partial unique index on unit_id turns a
// concurrent second open dispute into dispute.ErrDisputeExists.
func (s *Store) CreateDispute(ctx context.Context, d *dispute.Dispute) error {
	args, err := disputeArgs(s, d)
	if err != nil {
		return err
	}
	_, err = s.conn().exec(ctx, `INSERT INTO disputes (`+disputeColumns+`) VALUES (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return dispute.ErrDisputeExists
		}
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

// GetDispute returns a dispute by id.
func (s *Store) GetDispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	d, err := scanDispute(s.conn().row(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dispute.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

// OpenDisputeForUnit returns the unit's non-resolved dispute, or nil.
func (s *Store) OpenDisputeForUnit(ctx context.Context, unitID string) (*dispute.Dispute, error) {
	d, err := scanDispute(s.conn().row(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE unit_id = ? AND status <> ?`,
		unitID, string(dispute.StatusResolved)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dispute for unit: %w", err)
	}
	return d, nil
}

// ListDisputes pages through disputes matching f, newest first.
func (s *Store) ListDisputes(ctx context.Context, f dispute.Filter) ([]*dispute.Dispute, int, error) {
	where, args := "WHERE 1 = 1", []any{}
	if f.ReporterID != "" {
		where += " AND reporter_id = ?"
		args = append(args, f.ReporterID)
	}
	if f.UnitID != "" {
		where += " AND unit_id = ?"
		args = append(args, f.UnitID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	c := s.conn()
	var total int
	if err := c.row(ctx, `SELECT COUNT(*) FROM disputes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count disputes: %w", err)
	}
	limit, offset := pageBounds(f.Page, f.Limit)
	rows, err := c.query(ctx, `SELECT `+disputeColumns+` FROM disputes `+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*dispute.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// UpdateDispute writes every mutable column when the stored version still
// equals expectedVersion.
func (s *Store) UpdateDispute(ctx context.Context, d *dispute.Dispute, expectedVersion int64) error {
	resolution, err := jsonArg(d.Resolution, d.Resolution == nil)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	snap, err := jsonArg(d.Evidence, d.Evidence == nil)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	res, err := s.conn().exec(ctx, `UPDATE disputes SET status = ?, resolution = ?, evidence = ?, version = version + 1,
		updated_at = ? WHERE id = ? AND version = ?`,
		string(d.Status), resolution, snap, s.ts(d.UpdatedAt), d.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetDispute(ctx, d.ID); gerr != nil {
			return gerr
		}
		return dispute.ErrConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

// AddComment inserts a comment.
func (s *Store) AddComment(ctx context.Context, c *dispute.Comment) error {
	return s.inTx(ctx, func(cn conn) error {
		// the row lock orders this insert against a concurrent status change
		var status string
		if err := cn.row(ctx, `SELECT status FROM disputes WHERE id = ?`+s.forUpdate(), c.DisputeID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return dispute.ErrNotFound
			}
			return fmt.Errorf("lock dispute: %w", err)
		}
		if !dispute.CanComment(dispute.Status(status)) {
			return dispute.ErrCommentsLocked
		}
		_, err := cn.exec(ctx, `INSERT INTO dispute_comments (id, dispute_id, author_id, author_name, author_role, body,
			is_internal, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.DisputeID, c.AuthorID, c.AuthorName, c.AuthorRole, c.Body, c.IsInternal, s.ts(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return nil
	})
}

// ListComments returns a dispute's comments oldest first.
func (s *Store) ListComments(ctx context.Context, disputeID string, includeInternal bool) ([]*dispute.Comment, error) {
	q := `SELECT id, dispute_id, author_id, author_name, author_role, body, is_internal, created_at
		FROM dispute_comments WHERE dispute_id = ?`
	args := []any{disputeID}
	if !includeInternal {
		q += " AND is_internal = ?"
		args = append(args, false)
	}
	rows, err := s.conn().query(ctx, q+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*dispute.Comment
	for rows.Next() {
		var (
			c  dispute.Comment
			at timeCol
		)
		if err := rows.Scan(&c.ID, &c.DisputeID, &c.AuthorID, &c.AuthorName, &c.AuthorRole, &c.Body, &c.IsInternal, &at); err != nil {
			return nil, err
		}
		c.CreatedAt = at.T
		out = append(out, &c)
	}
	return out, rows.Err()
}
