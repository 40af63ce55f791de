package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/shipment"
)

const unitColumns = `id, shipment_id, unit_number, unit_total, description, weight_kg, status, qr_token, version,
	delivered_at, recipient_name, signature_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(r rowScanner) (*shipment.Unit, error) {
	var (
		u                    shipment.Unit
		delivered            timeCol
		createdAt, updatedAt timeCol
	)
	if err := r.Scan(&u.ID, &u.ShipmentID, &u.UnitNumber, &u.UnitTotal, &u.Description, &u.WeightKg, &u.Status,
		&u.QRToken, &u.Version, &delivered, &u.RecipientName, &u.SignatureID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.DeliveredAt = delivered.ptr()
	u.CreatedAt = createdAt.T
	u.UpdatedAt = updatedAt.T
	return &u, nil
}

// GetUnit returns a unit by id.
func (s *Store) GetUnit(ctx context.Context, id string) (*shipment.Unit, error) {
	u, err := scanUnit(s.conn().row(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shipment.ErrUnitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (s *Store) listUnits(ctx context.Context, c conn, shipmentID string) ([]*shipment.Unit, error) {
	rows, err := c.query(ctx, `SELECT `+unitColumns+` FROM units WHERE shipment_id = ? ORDER BY unit_number`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var units []*shipment.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

const shipmentColumns = `id, reference, shipper_id, carrier_id, client_id, origin, destination, pickup_date, status, created_at`

func scanShipment(r rowScanner) (*shipment.Shipment, error) {
	var (
		sh                shipment.Shipment
		pickup, createdAt timeCol
	)
	if err := r.Scan(&sh.ID, &sh.Reference, &sh.ShipperID, &sh.CarrierID, &sh.ClientID, &sh.Origin, &sh.Destination,
		&pickup, &sh.Status, &createdAt); err != nil {
		return nil, err
	}
	sh.PickupDate = pickup.T
	sh.CreatedAt = createdAt.T
	return &sh, nil
}

// CreateShipment inserts a shipment and its units.
func (s *Store) CreateShipment(ctx context.Context, sh *shipment.Shipment) error {
	return s.inTx(ctx, func(c conn) error {
		if _, err := c.exec(ctx, `INSERT INTO shipments (`+shipmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sh.ID, sh.Reference, sh.ShipperID, sh.CarrierID, sh.ClientID, sh.Origin, sh.Destination,
			s.ts(sh.PickupDate), string(sh.Status), s.ts(sh.CreatedAt)); err != nil {
			return fmt.Errorf("insert shipment: %w", err)
		}
		for _, u := range sh.Units {
			if _, err := c.exec(ctx, `INSERT INTO units (`+unitColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.ID, u.ShipmentID, u.UnitNumber, u.UnitTotal, u.Description, u.WeightKg, string(u.Status),
				u.QRToken, u.Version, s.tsPtr(u.DeliveredAt), u.RecipientName, u.SignatureID,
				s.ts(u.CreatedAt), s.ts(u.UpdatedAt)); err != nil {
				return fmt.Errorf("insert unit %d: %w", u.UnitNumber, err)
			}
		}
		return nil
	})
}

// GetShipment returns a shipment with its units.
func (s *Store) GetShipment(ctx context.Context, id string) (*shipment.Shipment, error) {
	c := s.conn()
	sh, err := scanShipment(c.row(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shipment.ErrShipmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shipment: %w", err)
	}
	if sh.Units, err = s.listUnits(ctx, c, id); err != nil {
		return nil, err
	}
	return sh, nil
}

// ListShipments pages through shipments, newest first.
func (s *Store) ListShipments(ctx context.Context, f marketplace.ShipmentFilter) ([]*shipment.Shipment, int, error) {
	where, args := "WHERE 1 = 1", []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.ShipperID != "" {
		where += " AND shipper_id = ?"
		args = append(args, f.ShipperID)
	}
	if f.CarrierID != "" {
		where += " AND carrier_id = ?"
		args = append(args, f.CarrierID)
	}
	c := s.conn()
	var total int
	if err := c.row(ctx, `SELECT COUNT(*) FROM shipments `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count shipments: %w", err)
	}
	limit, offset := pageBounds(f.Page, f.Limit)
	rows, err := c.query(ctx, `SELECT `+shipmentColumns+` FROM shipments `+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list shipments: %w", err)
	}
	var out []*shipment.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			_ = rows.Close()
			return nil, 0, err
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, err
	}
	_ = rows.Close()
	// units are loaded after the cursor is closed: lite mode has one connection
	for _, sh := range out {
		if sh.Units, err = s.listUnits(ctx, c, sh.ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// DeleteShipment removes a shipment with its units, bids and unattached
// uploads. Shipments with disputes are kept.
func (s *Store) DeleteShipment(ctx context.Context, id string) error {
	return s.inTx(ctx, func(c conn) error {
		var disputes int
		if err := c.row(ctx, `SELECT COUNT(*) FROM disputes WHERE shipment_id = ?`, id).Scan(&disputes); err != nil {
			return fmt.Errorf("count disputes: %w", err)
		}
		if disputes > 0 {
			return marketplace.ErrShipmentStarted
		}
		stmts := []string{
			`DELETE FROM photos WHERE unit_id IN (SELECT id FROM units WHERE shipment_id = ?)`,
			`DELETE FROM qr_tokens WHERE unit_id IN (SELECT id FROM units WHERE shipment_id = ?)`,
			`DELETE FROM units WHERE shipment_id = ?`,
			`DELETE FROM bids WHERE shipment_id = ?`,
		}
		for _, q := range stmts {
			if _, err := c.exec(ctx, q, id); err != nil {
				return fmt.Errorf("delete shipment: %w", err)
			}
		}
		res, err := c.exec(ctx, `DELETE FROM shipments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete shipment: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return shipment.ErrShipmentNotFound
		}
		return nil
	})
}

// --- scan logs ---

const scanColumns = `id, unit_id, sequence, action, previous_status, new_status, actor_id, actor_role, actor_name, ts,
	location, damage_flagged, damage_description, quantity, vehicle_plate, recipient_name, signature_id, photo_ids,
	prev_hash, hash`

func scanScanLog(r rowScanner) (*shipment.ScanLog, error) {
	var (
		l        shipment.ScanLog
		ts       timeCol
		location sql.NullString
		photos   string
	)
	if err := r.Scan(&l.ID, &l.UnitID, &l.Sequence, &l.Action, &l.PreviousStatus, &l.NewStatus, &l.ActorID,
		&l.ActorRole, &l.ActorName, &ts, &location, &l.DamageFlagged, &l.DamageDescription, &l.Quantity,
		&l.VehiclePlate, &l.RecipientName, &l.SignatureID, &photos, &l.PrevHash, &l.Hash); err != nil {
		return nil, err
	}
	l.Timestamp = ts.T
	if location.Valid && location.String != "" {
		l.Location = &shipment.GeoPoint{}
		if err := json.Unmarshal([]byte(location.String), l.Location); err != nil {
			return nil, fmt.Errorf("decode scan location: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(photos), &l.PhotoIDs); err != nil {
		return nil, fmt.Errorf("decode scan photos: %w", err)
	}
	if len(l.PhotoIDs) == 0 {
		l.PhotoIDs = nil
	}
	return &l, nil
}

// ListScans returns a unit's scan logs in sequence order.
func (s *Store) ListScans(ctx context.Context, unitID string) ([]*shipment.ScanLog, error) {
	rows, err := s.conn().query(ctx, `SELECT `+scanColumns+` FROM scan_logs WHERE unit_id = ? ORDER BY sequence`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*shipment.ScanLog
	for rows.Next() {
		l, err := scanScanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyScan commits a scan: the unit update guarded by expectedVersion, the
// sealed log entry linked to the current chain head, and the photo links.
// A lost race returns shipment.ErrScanConflict. On success u.Version and
// the log's Sequence, PrevHash and Hash are set.
func (s *Store) ApplyScan(ctx context.Context, u *shipment.Unit, expectedVersion int64, l *shipment.ScanLog) error {
	err := s.inTx(ctx, func(c conn) error {
		res, err := c.exec(ctx, `UPDATE units SET status = ?, qr_token = ?, version = version + 1, delivered_at = ?,
			recipient_name = ?, signature_id = ?, updated_at = ? WHERE id = ? AND version = ?`,
			string(u.Status), u.QRToken, s.tsPtr(u.DeliveredAt), u.RecipientName, u.SignatureID, s.ts(u.UpdatedAt),
			u.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update unit: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return shipment.ErrScanConflict
		}

		var (
			seq  int64
			prev = shipment.Genesis
		)
		err = c.row(ctx, `SELECT sequence, hash FROM scan_logs WHERE unit_id = ? ORDER BY sequence DESC LIMIT 1`, u.ID).
			Scan(&seq, &prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}
		l.Sequence = seq + 1
		if err := l.Seal(prev); err != nil {
			return err
		}
		if err := s.insertScan(ctx, c, l); err != nil {
			return err
		}

		ids := append([]string{}, l.PhotoIDs...)
		if l.SignatureID != "" {
			ids = append(ids, l.SignatureID)
		}
		if len(ids) > 0 {
			args := []any{l.ID, u.ID}
			for _, id := range ids {
				args = append(args, id)
			}
			if _, err := c.exec(ctx, `UPDATE photos SET scan_id = ? WHERE unit_id = ? AND scan_id = '' AND id IN (`+
				placeholders(len(ids))+`)`, args...); err != nil {
				return fmt.Errorf("link photos: %w", err)
			}
		}
		return s.refreshShipmentStatus(ctx, c, u.ShipmentID)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return shipment.ErrScanConflict
		}
		return err
	}
	u.Version = expectedVersion + 1
	return nil
}

func (s *Store) insertScan(ctx context.Context, c conn, l *shipment.ScanLog) error {
	var location any
	if l.Location != nil {
		raw, err := json.Marshal(l.Location)
		if err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
		location = string(raw)
	}
	photos := l.PhotoIDs
	if photos == nil {
		photos = []string{}
	}
	rawPhotos, err := json.Marshal(photos)
	if err != nil {
		return fmt.Errorf("encode photo ids: %w", err)
	}
	_, err = c.exec(ctx, `INSERT INTO scan_logs (`+scanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.UnitID, l.Sequence, string(l.Action), string(l.PreviousStatus), string(l.NewStatus), l.ActorID,
		l.ActorRole, l.ActorName, s.ts(l.Timestamp), location, l.DamageFlagged, l.DamageDescription, l.Quantity,
		l.VehiclePlate, l.RecipientName, l.SignatureID, string(rawPhotos), l.PrevHash, l.Hash)
	if err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}

func (s *Store) refreshShipmentStatus(ctx context.Context, c conn, shipmentID string) error {
	sh := &shipment.Shipment{ID: shipmentID}
	if err := c.row(ctx, `SELECT carrier_id FROM shipments WHERE id = ?`, shipmentID).Scan(&sh.CarrierID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("read shipment: %w", err)
	}
	rows, err := c.query(ctx, `SELECT status FROM units WHERE shipment_id = ?`, shipmentID)
	if err != nil {
		return fmt.Errorf("read unit statuses: %w", err)
	}
	for rows.Next() {
		u := &shipment.Unit{}
		if err := rows.Scan(&u.Status); err != nil {
			_ = rows.Close()
			return err
		}
		sh.Units = append(sh.Units, u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	_, err = c.exec(ctx, `UPDATE shipments SET status = ? WHERE id = ?`, string(shipment.DeriveShipmentStatus(sh)), shipmentID)
	return err
}

// --- photos ---

const photoColumns = `id, unit_id, scan_id, kind, purpose, content_type, size, digest, uploaded_by, created_at`

func scanPhoto(r rowScanner) (*shipment.Photo, error) {
	var (
		p         shipment.Photo
		createdAt timeCol
	)
	if err := r.Scan(&p.ID, &p.UnitID, &p.ScanID, &p.Kind, &p.Purpose, &p.ContentType, &p.Size, &p.Digest,
		&p.UploadedBy, &createdAt); err != nil {
		return nil, err
	}
	p.CreatedAt = createdAt.T
	return &p, nil
}

// InsertPhoto records an uploaded photo or signature.
func (s *Store) InsertPhoto(ctx context.Context, p *shipment.Photo) error {
	_, err := s.conn().exec(ctx, `INSERT INTO photos (`+photoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UnitID, p.ScanID, string(p.Kind), p.Purpose, p.ContentType, p.Size, p.Digest, p.UploadedBy, s.ts(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

// GetPhoto returns a photo by id.
func (s *Store) GetPhoto(ctx context.Context, id string) (*shipment.Photo, error) {
	p, err := scanPhoto(s.conn().row(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shipment.ErrPhotoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return p, nil
}

// ListPhotos returns every upload for a unit, oldest first.
func (s *Store) ListPhotos(ctx context.Context, unitID string) ([]*shipment.Photo, error) {
	rows, err := s.conn().query(ctx, `SELECT `+photoColumns+` FROM photos WHERE unit_id = ? ORDER BY created_at, id`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*shipment.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
