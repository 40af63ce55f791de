package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/evidence"
	"github.com/vectornode/vectornode/pkg/liability"
	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/qrtoken"
	"github.com/vectornode/vectornode/pkg/shipment"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	// migrations are idempotent
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedShipment(t *testing.T, s *Store, units int) *shipment.Shipment {
	t.Helper()
	now := shipment.Now()
	sh := &shipment.Shipment{
		ID:          uuid.NewString(),
		Reference:   "VN-TEST",
		ShipperID:   "shipper-co",
		Origin:      "Tirana",
		Destination: "Munich",
		PickupDate:  now.Add(24 * time.Hour),
		Status:      shipment.ShipmentOpen,
		CreatedAt:   now,
	}
	for i := 0; i < units; i++ {
		sh.Units = append(sh.Units, &shipment.Unit{
			ID:          uuid.NewString(),
			ShipmentID:  sh.ID,
			UnitNumber:  i + 1,
			UnitTotal:   units,
			Description: "pallet",
			WeightKg:    420.5,
			Status:      shipment.StatusCreated,
			QRToken:     "tok-" + uuid.NewString(),
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	require.NoError(t, s.CreateShipment(context.Background(), sh))
	return sh
}

func TestShipments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sh := seedShipment(t, s, 3)
	seedShipment(t, s, 1)

	got, err := s.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, got.Units, 3)
	assert.Equal(t, 2, got.Units[1].UnitNumber)
	assert.Equal(t, sh.PickupDate, got.PickupDate)
	assert.InDelta(t, 420.5, got.Units[0].WeightKg, 0.001)

	items, total, err := s.ListShipments(ctx, marketplace.ShipmentFilter{ShipperID: "shipper-co", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 1)

	_, err = s.GetShipment(ctx, "missing")
	assert.ErrorIs(t, err, shipment.ErrShipmentNotFound)

	require.NoError(t, s.DeleteShipment(ctx, sh.ID))
	_, err = s.GetUnit(ctx, sh.Units[0].ID)
	assert.ErrorIs(t, err, shipment.ErrUnitNotFound)
}

func pickupScan(u *shipment.Unit) *shipment.ScanLog {
	return &shipment.ScanLog{
		ID:             uuid.NewString(),
		UnitID:         u.ID,
		Action:         shipment.ActionPickup,
		PreviousStatus: shipment.StatusCreated,
		NewStatus:      shipment.StatusPickedUp,
		ActorID:        "driver-1",
		ActorRole:      "DRIVER",
		ActorName:      "Arben",
		Timestamp:      shipment.Now(),
		Location:       &shipment.GeoPoint{Lat: 41.33, Lng: 19.82},
		Quantity:       1,
		PhotoIDs:       []string{"ph-1"},
	}
}

func TestApplyScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sh := seedShipment(t, s, 2)
	u := sh.Units[0]

	require.NoError(t, s.InsertPhoto(ctx, &shipment.Photo{ID: "ph-1", UnitID: u.ID, Kind: shipment.KindPhoto,
		ContentType: "image/jpeg", Size: 10, Digest: "sha256:aa", UploadedBy: "driver-1", CreatedAt: shipment.Now()}))

	u.Status = shipment.StatusPickedUp
	u.QRToken = "tok-next"
	u.UpdatedAt = shipment.Now()
	first := pickupScan(u)
	require.NoError(t, s.ApplyScan(ctx, u, 1, first))
	assert.Equal(t, int64(2), u.Version)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, shipment.Genesis, first.PrevHash)

	// a second writer still holding version 1 loses
	stale := pickupScan(u)
	assert.ErrorIs(t, s.ApplyScan(ctx, u, 1, stale), shipment.ErrScanConflict)

	transit := &shipment.ScanLog{ID: uuid.NewString(), UnitID: u.ID, Action: shipment.ActionInTransit,
		PreviousStatus: shipment.StatusPickedUp, NewStatus: shipment.StatusInTransit, ActorID: "driver-1",
		ActorRole: "DRIVER", Timestamp: shipment.Now(), VehiclePlate: "AA123BB"}
	u.Status = shipment.StatusInTransit
	require.NoError(t, s.ApplyScan(ctx, u, 2, transit))
	assert.Equal(t, first.Hash, transit.PrevHash)

	logs, err := s.ListScans(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NoError(t, shipment.VerifyChain(logs), "chain must survive the round trip")
	assert.Equal(t, 41.33, logs[0].Location.Lat)

	photo, err := s.GetPhoto(ctx, "ph-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, photo.ScanID)

	got, err := s.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, shipment.ShipmentInProgress, got.Status)

	unit, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, shipment.StatusInTransit, unit.Status)
	assert.Equal(t, int64(3), unit.Version)
}

func TestDisputes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := shipment.Now()
	d := &dispute.Dispute{
		ID: uuid.NewString(), UnitID: "u-1", ShipmentID: "s-1", ReporterID: "client-1", ReporterRole: "CLIENT",
		Type: dispute.TypeDamage, Description: "crushed", PhotoIDs: []string{"ph-1"}, Status: dispute.StatusOpen,
		SuggestedLiability: liability.Carrier, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateDispute(ctx, d))

	dup := *d
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.CreateDispute(ctx, &dup), dispute.ErrDisputeExists)

	open, err := s.OpenDisputeForUnit(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, d.ID, open.ID)

	snap := evidence.Build(&shipment.Unit{ID: "u-1", ShipmentID: "s-1", Status: shipment.StatusDelivered}, nil, nil, now)
	require.NoError(t, evidence.Seal(snap))
	d.Evidence = snap
	d.Status = dispute.StatusEvidenceComplete
	require.NoError(t, s.UpdateDispute(ctx, d, 1))
	assert.Equal(t, int64(2), d.Version)
	assert.ErrorIs(t, s.UpdateDispute(ctx, d, 1), dispute.ErrConflict)

	impact := -1
	d.Status = dispute.StatusResolved
	d.Resolution = &dispute.Resolution{FinalLiability: liability.Carrier, Compensation: decimal.RequireFromString("99.90"),
		Currency: "EUR", RatingImpact: &impact, ResolvedBy: "admin", ResolvedAt: now}
	require.NoError(t, s.UpdateDispute(ctx, d, 2))

	got, err := s.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Evidence)
	require.NoError(t, evidence.Verify(got.Evidence))
	assert.True(t, got.Resolution.Compensation.Equal(decimal.RequireFromString("99.9")))
	assert.Equal(t, -1, *got.Resolution.RatingImpact)

	// a resolved dispute frees the unit for a new one
	require.NoError(t, s.CreateDispute(ctx, &dup))

	items, total, err := s.ListDisputes(ctx, dispute.Filter{Status: dispute.StatusResolved})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	// the status is re-read under lock, so a comment cannot follow a close
	assert.ErrorIs(t, s.AddComment(ctx, &dispute.Comment{ID: "c0", DisputeID: d.ID, AuthorID: "b", Body: "late", CreatedAt: now}),
		dispute.ErrCommentsLocked)
	assert.ErrorIs(t, s.AddComment(ctx, &dispute.Comment{ID: "c9", DisputeID: "missing", AuthorID: "b", Body: "x", CreatedAt: now}),
		dispute.ErrNotFound)

	require.NoError(t, s.AddComment(ctx, &dispute.Comment{ID: "c1", DisputeID: dup.ID, AuthorID: "a", AuthorRole: "ADMIN", Body: "x", IsInternal: true, CreatedAt: now}))
	require.NoError(t, s.AddComment(ctx, &dispute.Comment{ID: "c2", DisputeID: dup.ID, AuthorID: "b", AuthorRole: "CLIENT", Body: "y", CreatedAt: now.Add(time.Second)}))
	public, err := s.ListComments(ctx, dup.ID, false)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, "c2", public[0].ID)
	all, err := s.ListComments(ctx, dup.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTokenStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tokens := s.Tokens()

	require.NoError(t, tokens.Bind(ctx, "tok-1", "u-1"))
	b, err := tokens.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, qrtoken.StateActive, b.State)

	require.NoError(t, tokens.Retire(ctx, "tok-1", qrtoken.StateUsed))
	assert.ErrorIs(t, tokens.Retire(ctx, "tok-1", qrtoken.StateExpired), qrtoken.ErrNotFound)
	b, err = tokens.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, qrtoken.StateUsed, b.State)

	_, err = tokens.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, qrtoken.ErrNotFound)
}

func TestMarketplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := shipment.Now()

	c := &marketplace.Carrier{ID: "carrier-co", CompanyName: "Adriatik Trans", VATNumber: "AL123", Country: "AL",
		Tier: marketplace.TierBasic, Rating: marketplace.InitialRating, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateCarrier(ctx, c))
	assert.ErrorIs(t, s.CreateCarrier(ctx, c), marketplace.ErrCarrierExists)

	for i, plate := range []string{"AA001AA", "AA002AA", "AA003AA"} {
		v := &marketplace.Vehicle{ID: uuid.NewString(), CarrierID: c.ID, Plate: plate, Type: "TRUCK", CapacityKg: 1000 * (i + 1), CreatedAt: now}
		require.NoError(t, s.CreateVehicle(ctx, v, 3))
	}
	extra := &marketplace.Vehicle{ID: uuid.NewString(), CarrierID: c.ID, Plate: "AA004AA", Type: "VAN", CapacityKg: 900, CreatedAt: now}
	assert.ErrorIs(t, s.CreateVehicle(ctx, extra, 3), marketplace.ErrVehicleLimit)
	dupPlate := &marketplace.Vehicle{ID: uuid.NewString(), CarrierID: c.ID, Plate: "AA001AA", Type: "VAN", CapacityKg: 900, CreatedAt: now}
	assert.ErrorIs(t, s.CreateVehicle(ctx, dupPlate, -1), marketplace.ErrPlateExists)

	require.NoError(t, s.AdjustCarrierRating(ctx, c.ID, 80))
	got, err := s.GetCarrier(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, marketplace.MaxRating, got.Rating)
	require.NoError(t, s.AdjustCarrierRating(ctx, c.ID, -500))
	got, err = s.GetCarrier(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Rating)

	sh := seedShipment(t, s, 1)
	cheap := &marketplace.Bid{ID: "b1", ShipmentID: sh.ID, CarrierID: c.ID, Amount: decimal.RequireFromString("900"), Currency: "EUR", Status: marketplace.BidPending, CreatedAt: now}
	dear := &marketplace.Bid{ID: "b2", ShipmentID: sh.ID, CarrierID: "other-co", Amount: decimal.RequireFromString("1200.50"), Currency: "EUR", Status: marketplace.BidPending, CreatedAt: now.Add(-time.Minute)}
	require.NoError(t, s.CreateBid(ctx, dear))
	require.NoError(t, s.CreateBid(ctx, cheap))

	bids, err := s.ListBids(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, bids, 2)
	assert.Equal(t, "b1", bids[0].ID, "cheapest first")

	require.NoError(t, s.AcceptBid(ctx, cheap))
	assert.ErrorIs(t, s.AcceptBid(ctx, dear), marketplace.ErrBidNotPending)

	rejected, err := s.GetBid(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, marketplace.BidRejected, rejected.Status)
	assigned, err := s.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, assigned.CarrierID)
	assert.Equal(t, shipment.ShipmentAssigned, assigned.Status)

	w := &marketplace.Warehouse{ID: "w1", Name: "Durres Hub", Address: "Port Rd 1", Country: "AL", CapacityPallets: 300, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateWarehouse(ctx, w))
	w.CapacityPallets = 350
	require.NoError(t, s.UpdateWarehouse(ctx, w))
	gw, err := s.GetWarehouse(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 350, gw.CapacityPallets)
	require.NoError(t, s.DeleteWarehouse(ctx, "w1"))
	assert.ErrorIs(t, s.DeleteWarehouse(ctx, "w1"), marketplace.ErrWarehouseNotFound)

	require.NoError(t, s.CreateDriver(ctx, &marketplace.Driver{ID: "d1", CarrierID: c.ID, Name: "Ilir", LicenceNumber: "X1", Phone: "+355691234567", CreatedAt: now}))
	drivers, err := s.ListDrivers(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, drivers, 1)
	assert.ErrorIs(t, s.DeleteDriver(ctx, "someone-else", "d1"), marketplace.ErrDriverNotFound)
}

func TestPageBounds(t *testing.T) {
	limit, offset := pageBounds(0, 0)
	assert.Equal(t, DefaultLimit, limit)
	assert.Equal(t, 0, offset)
	limit, offset = pageBounds(3, 500)
	assert.Equal(t, MaxLimit, limit)
	assert.Equal(t, 200, offset)

	limit, offset = pageBounds(math.MaxInt, 100)
	assert.Equal(t, MaxLimit, limit)
	assert.Equal(t, (MaxPage-1)*MaxLimit, offset)
	assert.Positive(t, offset)
}

func TestIdempotencyStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idem := s.Idempotency(time.Hour)
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	idem.now = func() time.Time { return now }

	_, ok := idem.Check(ctx, "k1")
	assert.False(t, ok)

	idem.Set(ctx, "k1", &api.CachedResponse{StatusCode: 201, ContentType: "application/json", Body: []byte(`{"id":"x"}`)})
	got, ok := idem.Check(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, 201, got.StatusCode)
	assert.JSONEq(t, `{"id":"x"}`, string(got.Body))

	// overwrite keeps a single row
	idem.Set(ctx, "k1", &api.CachedResponse{StatusCode: 200, Body: []byte(`{}`)})
	got, ok = idem.Check(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, 200, got.StatusCode)

	now = now.Add(2 * time.Hour)
	_, ok = idem.Check(ctx, "k1")
	assert.False(t, ok, "expired entries are misses")

	idem.Set(ctx, "k2", &api.CachedResponse{StatusCode: 200, Body: []byte(`{}`)})
	now = now.Add(3 * time.Hour)
	n, err := idem.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
