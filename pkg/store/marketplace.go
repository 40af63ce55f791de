package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/shipment"
)

// --- bids ---

const bidColumns = `id, shipment_id, carrier_id, amount, currency, note, status, created_at`

func scanBid(r rowScanner) (*marketplace.Bid, error) {
	var (
		b  marketplace.Bid
		at timeCol
	)
	if err := r.Scan(&b.ID, &b.ShipmentID, &b.CarrierID, &b.Amount, &b.Currency, &b.Note, &b.Status, &at); err != nil {
		return nil, err
	}
	b.CreatedAt = at.T
	return &b, nil
}

// CreateBid inserts a bid.
func (s *Store) CreateBid(ctx context.Context, b *marketplace.Bid) error {
	_, err := s.conn().exec(ctx, `INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ShipmentID, b.CarrierID, b.Amount.StringFixed(2), b.Currency, b.Note, string(b.Status), s.ts(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

// GetBid returns a bid by id.
func (s *Store) GetBid(ctx context.Context, id string) (*marketplace.Bid, error) {
	b, err := scanBid(s.conn().row(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, marketplace.ErrBidNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bid: %w", err)
	}
	return b, nil
}

// ListBids returns a shipment's bids, cheapest first.
func (s *Store) ListBids(ctx context.Context, shipmentID string) ([]*marketplace.Bid, error) {
	rows, err := s.conn().query(ctx, `SELECT `+bidColumns+` FROM bids WHERE shipment_id = ? ORDER BY created_at, id`, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*marketplace.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// amounts are TEXT in lite mode, so order in Go
	sortBids(out)
	return out, nil
}

func sortBids(bids []*marketplace.Bid) {
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Amount.LessThan(bids[j].Amount) })
}

// AcceptBid accepts bid, rejects the other pending bids and assigns the
// carrier in one transaction.
func (s *Store) AcceptBid(ctx context.Context, bid *marketplace.Bid) error {
	return s.inTx(ctx, func(c conn) error {
		res, err := c.exec(ctx, `UPDATE bids SET status = ? WHERE id = ? AND status = ?`,
			string(marketplace.BidAccepted), bid.ID, string(marketplace.BidPending))
		if err != nil {
			return fmt.Errorf("accept bid: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return marketplace.ErrBidNotPending
		}
		res, err = c.exec(ctx, `UPDATE shipments SET carrier_id = ?, status = ? WHERE id = ? AND status = ?`,
			bid.CarrierID, string(shipment.ShipmentAssigned), bid.ShipmentID, string(shipment.ShipmentOpen))
		if err != nil {
			return fmt.Errorf("assign carrier: %w", err)
		}
		if n, err := affected(res); err != nil {
			return err
		} else if n == 0 {
			return marketplace.ErrShipmentNotOpen
		}
		if _, err := c.exec(ctx, `UPDATE bids SET status = ? WHERE shipment_id = ? AND id <> ? AND status = ?`,
			string(marketplace.BidRejected), bid.ShipmentID, bid.ID, string(marketplace.BidPending)); err != nil {
			return fmt.Errorf("reject bids: %w", err)
		}
		return nil
	})
}

// --- carriers ---

const carrierColumns = `id, company_name, vat_number, country, tier, rating, created_at, updated_at`

func scanCarrier(r rowScanner) (*marketplace.Carrier, error) {
	var (
		c                    marketplace.Carrier
		createdAt, updatedAt timeCol
	)
	if err := r.Scan(&c.ID, &c.CompanyName, &c.VATNumber, &c.Country, &c.Tier, &c.Rating, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = createdAt.T
	c.UpdatedAt = updatedAt.T
	return &c, nil
}

// CreateCarrier inserts a carrier profile.
func (s *Store) CreateCarrier(ctx context.Context, c *marketplace.Carrier) error {
	_, err := s.conn().exec(ctx, `INSERT INTO carriers (`+carrierColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CompanyName, c.VATNumber, c.Country, string(c.Tier), c.Rating, s.ts(c.CreatedAt), s.ts(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return marketplace.ErrCarrierExists
		}
		return fmt.Errorf("insert carrier: %w", err)
	}
	return nil
}

// GetCarrier returns a carrier by id.
func (s *Store) GetCarrier(ctx context.Context, id string) (*marketplace.Carrier, error) {
	c, err := scanCarrier(s.conn().row(ctx, `SELECT `+carrierColumns+` FROM carriers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, marketplace.ErrCarrierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get carrier: %w", err)
	}
	return c, nil
}

// ListCarriers pages through carriers by name.
func (s *Store) ListCarriers(ctx context.Context, page, limit int) ([]*marketplace.Carrier, int, error) {
	c := s.conn()
	var total int
	if err := c.row(ctx, `SELECT COUNT(*) FROM carriers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count carriers: %w", err)
	}
	lim, off := pageBounds(page, limit)
	rows, err := c.query(ctx, `SELECT `+carrierColumns+` FROM carriers ORDER BY company_name, id LIMIT ? OFFSET ?`, lim, off)
	if err != nil {
		return nil, 0, fmt.Errorf("list carriers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*marketplace.Carrier
	for rows.Next() {
		cr, err := scanCarrier(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cr)
	}
	return out, total, rows.Err()
}

// UpdateCarrier writes a carrier's editable fields.
func (s *Store) UpdateCarrier(ctx context.Context, c *marketplace.Carrier) error {
	res, err := s.conn().exec(ctx, `UPDATE carriers SET company_name = ?, vat_number = ?, country = ?, tier = ?, updated_at = ?
		WHERE id = ?`, c.CompanyName, c.VATNumber, c.Country, string(c.Tier), s.ts(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update carrier: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return marketplace.ErrCarrierNotFound
	}
	return nil
}

// AdjustCarrierRating adds delta to a carrier's rating within [0, MaxRating].
func (s *Store) AdjustCarrierRating(ctx context.Context, id string, delta int) error {
	res, err := s.conn().exec(ctx, `UPDATE carriers SET rating = CASE
			WHEN rating + ? < 0 THEN 0
			WHEN rating + ? > ? THEN ?
			ELSE rating + ? END
		WHERE id = ?`, delta, delta, marketplace.MaxRating, marketplace.MaxRating, delta, id)
	if err != nil {
		return fmt.Errorf("adjust rating: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return marketplace.ErrCarrierNotFound
	}
	return nil
}

// --- vehicles ---

// CreateVehicle inserts v while the carrier stays within limit vehicles.
func (s *Store) CreateVehicle(ctx context.Context, v *marketplace.Vehicle, limit int) error {
	err := s.inTx(ctx, func(c conn) error {
		var id string
		if err := c.row(ctx, `SELECT id FROM carriers WHERE id = ?`+s.forUpdate(), v.CarrierID).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return marketplace.ErrCarrierNotFound
			}
			return fmt.Errorf("lock carrier: %w", err)
		}
		if limit >= 0 {
			var n int
			if err := c.row(ctx, `SELECT COUNT(*) FROM vehicles WHERE carrier_id = ?`, v.CarrierID).Scan(&n); err != nil {
				return fmt.Errorf("count vehicles: %w", err)
			}
			if n >= limit {
				return marketplace.ErrVehicleLimit
			}
		}
		_, err := c.exec(ctx, `INSERT INTO vehicles (id, carrier_id, plate, type, capacity_kg, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			v.ID, v.CarrierID, v.Plate, v.Type, v.CapacityKg, s.ts(v.CreatedAt))
		return err
	})
	if err != nil && isUniqueViolation(err) {
		return marketplace.ErrPlateExists
	}
	return err
}

// ListVehicles returns a carrier's vehicles by plate.
func (s *Store) ListVehicles(ctx context.Context, carrierID string) ([]*marketplace.Vehicle, error) {
	rows, err := s.conn().query(ctx, `SELECT id, carrier_id, plate, type, capacity_kg, created_at FROM vehicles
		WHERE carrier_id = ? ORDER BY plate`, carrierID)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*marketplace.Vehicle
	for rows.Next() {
		var (
			v  marketplace.Vehicle
			at timeCol
		)
		if err := rows.Scan(&v.ID, &v.CarrierID, &v.Plate, &v.Type, &v.CapacityKg, &at); err != nil {
			return nil, err
		}
		v.CreatedAt = at.T
		out = append(out, &v)
	}
	return out, rows.Err()
}

// DeleteVehicle removes one of the carrier's vehicles.
func (s *Store) DeleteVehicle(ctx context.Context, carrierID, id string) error {
	return s.deleteOwned(ctx, `DELETE FROM vehicles WHERE carrier_id = ? AND id = ?`, carrierID, id, marketplace.ErrVehicleNotFound)
}

func (s *Store) deleteOwned(ctx context.Context, q, owner, id string, notFound error) error {
	res, err := s.conn().exec(ctx, q, owner, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return notFound
	}
	return nil
}

// --- drivers ---

// CreateDriver inserts a driver.
func (s *Store) CreateDriver(ctx context.Context, d *marketplace.Driver) error {
	_, err := s.conn().exec(ctx, `INSERT INTO drivers (id, carrier_id, name, licence_number, phone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, d.ID, d.CarrierID, d.Name, d.LicenceNumber, d.Phone, s.ts(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert driver: %w", err)
	}
	return nil
}

// ListDrivers returns a carrier's drivers by name.
func (s *Store) ListDrivers(ctx context.Context, carrierID string) ([]*marketplace.Driver, error) {
	rows, err := s.conn().query(ctx, `SELECT id, carrier_id, name, licence_number, phone, created_at FROM drivers
		WHERE carrier_id = ? ORDER BY name, id`, carrierID)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*marketplace.Driver
	for rows.Next() {
		var (
			d  marketplace.Driver
			at timeCol
		)
		if err := rows.Scan(&d.ID, &d.CarrierID, &d.Name, &d.LicenceNumber, &d.Phone, &at); err != nil {
			return nil, err
		}
		d.CreatedAt = at.T
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeleteDriver removes one of the carrier's drivers.
func (s *Store) DeleteDriver(ctx context.Context, carrierID, id string) error {
	return s.deleteOwned(ctx, `DELETE FROM drivers WHERE carrier_id = ? AND id = ?`, carrierID, id, marketplace.ErrDriverNotFound)
}

// --- warehouses ---

const warehouseColumns = `id, name, address, country, capacity_pallets, created_at, updated_at`

func scanWarehouse(r rowScanner) (*marketplace.Warehouse, error) {
	var (
		w                    marketplace.Warehouse
		createdAt, updatedAt timeCol
	)
	if err := r.Scan(&w.ID, &w.Name, &w.Address, &w.Country, &w.CapacityPallets, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = createdAt.T
	w.UpdatedAt = updatedAt.T
	return &w, nil
}

// CreateWarehouse inserts a warehouse.
func (s *Store) CreateWarehouse(ctx context.Context, w *marketplace.Warehouse) error {
	_, err := s.conn().exec(ctx, `INSERT INTO warehouses (`+warehouseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Address, w.Country, w.CapacityPallets, s.ts(w.CreatedAt), s.ts(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert warehouse: %w", err)
	}
	return nil
}

// GetWarehouse returns a warehouse by id.
func (s *Store) GetWarehouse(ctx context.Context, id string) (*marketplace.Warehouse, error) {
	w, err := scanWarehouse(s.conn().row(ctx, `SELECT `+warehouseColumns+` FROM warehouses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, marketplace.ErrWarehouseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get warehouse: %w", err)
	}
	return w, nil
}

// ListWarehouses pages through warehouses by name.
func (s *Store) ListWarehouses(ctx context.Context, page, limit int) ([]*marketplace.Warehouse, int, error) {
	c := s.conn()
	var total int
	if err := c.row(ctx, `SELECT COUNT(*) FROM warehouses`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count warehouses: %w", err)
	}
	lim, off := pageBounds(page, limit)
	rows, err := c.query(ctx, `SELECT `+warehouseColumns+` FROM warehouses ORDER BY name, id LIMIT ? OFFSET ?`, lim, off)
	if err != nil {
		return nil, 0, fmt.Errorf("list warehouses: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*marketplace.Warehouse
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// UpdateWarehouse writes a warehouse's editable fields.
func (s *Store) UpdateWarehouse(ctx context.Context, w *marketplace.Warehouse) error {
	res, err := s.conn().exec(ctx, `UPDATE warehouses SET name = ?, address = ?, country = ?, capacity_pallets = ?, updated_at = ?
		WHERE id = ?`, w.Name, w.Address, w.Country, w.CapacityPallets, s.ts(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("update warehouse: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return marketplace.ErrWarehouseNotFound
	}
	return nil
}

// DeleteWarehouse removes a warehouse.
func (s *Store) DeleteWarehouse(ctx context.Context, id string) error {
	res, err := s.conn().exec(ctx, `DELETE FROM warehouses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete warehouse: %w", err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return marketplace.ErrWarehouseNotFound
	}
	return nil
}
