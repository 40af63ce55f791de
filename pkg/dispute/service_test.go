package dispute

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/errcode"
	"github.com/vectornode/vectornode/pkg/events"
	"github.com/vectornode/vectornode/pkg/evidence"
	"github.com/vectornode/vectornode/pkg/liability"
	"github.com/vectornode/vectornode/pkg/shipment"
)

type memRepo struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
	comments []*Comment
}

func newMemRepo() *memRepo {
	return &memRepo{disputes: map[string]*Dispute{}}
}

func clone(d *Dispute) *Dispute {
	cp := *d
	return &cp
}

func (r *memRepo) CreateDispute(_ context.Context, d *Dispute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.disputes {
		if e.UnitID == d.UnitID && e.Status != StatusResolved {
			return ErrDisputeExists
		}
	}
	r.disputes[d.ID] = clone(d)
	return nil
}

func (r *memRepo) GetDispute(_ context.Context, id string) (*Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (r *memRepo) OpenDisputeForUnit(_ context.Context, unitID string) (*Dispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.disputes {
		if d.UnitID == unitID && d.Status != StatusResolved {
			return clone(d), nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListDisputes(_ context.Context, f Filter) ([]*Dispute, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Dispute
	for _, d := range r.disputes {
		if f.ReporterID != "" && d.ReporterID != f.ReporterID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, len(out), nil
}

func (r *memRepo) UpdateDispute(_ context.Context, d *Dispute, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrConflict
	}
	d.Version = expected + 1
	r.disputes[d.ID] = clone(d)
	return nil
}

func (r *memRepo) AddComment(_ context.Context, c *Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.disputes[c.DisputeID]
	if !ok {
		return ErrNotFound
	}
	if !CanComment(d.Status) {
		return ErrCommentsLocked
	}
	r.comments = append(r.comments, c)
	return nil
}

func (r *memRepo) ListComments(_ context.Context, id string, internal bool) ([]*Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Comment
	for _, c := range r.comments {
		if c.DisputeID == id && (internal || !c.IsInternal) {
			out = append(out, c)
		}
	}
	return out, nil
}

type memUnits struct {
	units     map[string]*shipment.Unit
	shipments map[string]*shipment.Shipment
	scans     map[string][]*shipment.ScanLog
	photos    map[string][]*shipment.Photo
}

func (m *memUnits) GetUnit(_ context.Context, id string) (*shipment.Unit, error) {
	u, ok := m.units[id]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "unit not found")
	}
	return u, nil
}

func (m *memUnits) GetShipment(_ context.Context, id string) (*shipment.Shipment, error) {
	s, ok := m.shipments[id]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "shipment not found")
	}
	return s, nil
}

func (m *memUnits) ListScans(_ context.Context, id string) ([]*shipment.ScanLog, error) {
	return m.scans[id], nil
}

func (m *memUnits) ListPhotos(_ context.Context, id string) ([]*shipment.Photo, error) {
	return m.photos[id], nil
}

type ratings struct{ deltas map[string]int }

func (r *ratings) AdjustCarrierRating(_ context.Context, id string, delta int) error {
	r.deltas[id] += delta
	return nil
}

type fixture struct {
	svc     *Service
	repo    *memRepo
	units   *memUnits
	rec     *events.Recorder
	ratings *ratings
	now     time.Time
}

var (
	admin   = &auth.BasePrincipal{ID: "admin-1", Name: "Ops", Role: auth.RoleAdmin}
	client  = &auth.BasePrincipal{ID: "client-1", Name: "Blerina", Role: auth.RoleClient}
	carrier = &auth.BasePrincipal{ID: "carrier-user", Role: auth.RoleCarrier, CompanyID: "carrier-co"}
	other   = &auth.BasePrincipal{ID: "stranger", Role: auth.RoleShipper, CompanyID: "other-co"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	delivered := now.Add(-10 * time.Hour)

	pickup := &shipment.ScanLog{ID: "sc-1", UnitID: "u-1", Sequence: 1, Action: shipment.ActionPickup,
		PreviousStatus: shipment.StatusCreated, NewStatus: shipment.StatusPickedUp, Timestamp: now.Add(-30 * time.Hour)}
	require.NoError(t, pickup.Seal(shipment.Genesis))
	deliver := &shipment.ScanLog{ID: "sc-2", UnitID: "u-1", Sequence: 2, Action: shipment.ActionDelivered,
		PreviousStatus: shipment.StatusInTransit, NewStatus: shipment.StatusDelivered, Timestamp: delivered,
		RecipientName: "Blerina", SignatureID: "sig-1", PhotoIDs: []string{"ph-1"}}
	require.NoError(t, deliver.Seal(pickup.Hash))

	units := &memUnits{
		units: map[string]*shipment.Unit{
			"u-1": {ID: "u-1", ShipmentID: "s-1", Status: shipment.StatusDelivered, DeliveredAt: &delivered},
			"u-2": {ID: "u-2", ShipmentID: "s-1", Status: shipment.StatusInTransit},
		},
		shipments: map[string]*shipment.Shipment{
			"s-1": {ID: "s-1", ShipperID: "shipper-co", CarrierID: "carrier-co", ClientID: "client-1"},
		},
		scans: map[string][]*shipment.ScanLog{"u-1": {pickup, deliver}},
		photos: map[string][]*shipment.Photo{
			"u-1": {
				{ID: "ph-1", UnitID: "u-1", Kind: shipment.KindPhoto, Digest: "sha256:01"},
				{ID: "ph-2", UnitID: "u-1", Kind: shipment.KindPhoto, Digest: "sha256:02"},
				{ID: "sig-1", UnitID: "u-1", Kind: shipment.KindSignature, Digest: "sha256:03"},
			},
			"u-2": {{ID: "ph-9", UnitID: "u-2", Kind: shipment.KindPhoto}},
		},
	}
	repo := newMemRepo()
	rec := &events.Recorder{}
	rt := &ratings{deltas: map[string]int{}}
	svc := NewService(repo, units, Options{
		Deadline:  48 * time.Hour,
		Publisher: rec,
		Ratings:   rt,
		Clock:     func() time.Time { return now },
	})
	return &fixture{svc: svc, repo: repo, units: units, rec: rec, ratings: rt, now: now}
}

func validRequest() CreateRequest {
	return CreateRequest{UnitID: "u-1", Type: TypeDamage, Description: " Box crushed ", PhotoIDs: []string{"ph-2"}}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	d, err := f.svc.Create(context.Background(), client, validRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, "Box crushed", d.Description)
	assert.Equal(t, liability.Client, d.SuggestedLiability, "clean delivery scan before report")
	assert.Equal(t, "carrier-co", d.CarrierID)
	assert.Equal(t, int64(1), d.Version)
	assert.Equal(t, []string{events.DisputeOpened}, f.rec.Types())
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		code   string
	}{
		{"blank description", func(r *CreateRequest) { r.Description = "  " }, errcode.MissingDescription},
		{"no photos", func(r *CreateRequest) { r.PhotoIDs = nil }, errcode.NoPhotos},
		{"unknown type", func(r *CreateRequest) { r.Type = "FIRE" }, errcode.ValidationFailed},
		{"unknown unit", func(r *CreateRequest) { r.UnitID = "nope" }, errcode.NotFound},
		{"foreign photo", func(r *CreateRequest) { r.PhotoIDs = []string{"ph-9"} }, errcode.ValidationFailed},
		{"signature is not a photo", func(r *CreateRequest) { r.PhotoIDs = []string{"sig-1"} }, errcode.ValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), client, req)
			assert.Equal(t, tt.code, errcode.CodeOf(err), "err: %v", err)
		})
	}
}

func TestCreate_DeadlineExpired(t *testing.T) {
	f := newFixture(t)
	late := f.now.Add(-49 * time.Hour)
	f.units.units["u-1"].DeliveredAt = &late

	_, err := f.svc.Create(context.Background(), client, validRequest())
	assert.ErrorIs(t, err, ErrDeadlineExpired)
}

func TestCreate_UndeliveredAlwaysInWindow(t *testing.T) {
	f := newFixture(t)
	req := CreateRequest{UnitID: "u-2", Type: TypeDamage, Description: "dent", PhotoIDs: []string{"ph-9"}}
	_, err := f.svc.Create(context.Background(), carrier, req)
	require.NoError(t, err)
	assert.Nil(t, f.svc.Deadline(f.units.units["u-2"]))
}

func TestCreate_OnlyParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a stranger must not be able to hold the unit's single open dispute
	_, err := f.svc.Create(ctx, other, validRequest())
	assert.ErrorIs(t, err, shipment.ErrUnitNotFound)
	assert.Empty(t, f.rec.Types())

	shipper := &auth.BasePrincipal{ID: "shp-1", Role: auth.RoleShipper, CompanyID: "shipper-co"}
	_, err = f.svc.Create(ctx, shipper, validRequest())
	require.NoError(t, err)

	// anyone who scanned the unit held custody of it
	f.units.scans["u-2"] = []*shipment.ScanLog{{ID: "sc-7", UnitID: "u-2", ActorID: "wh-7", Action: shipment.ActionWarehouseIn}}
	warehouse := &auth.BasePrincipal{ID: "wh-7", Role: auth.RoleWarehouse, CompanyID: "wh-co"}
	req := CreateRequest{UnitID: "u-2", Type: TypeMissingItems, Description: "two boxes short", PhotoIDs: []string{"ph-9"}}
	_, err = f.svc.Create(ctx, warehouse, req)
	require.NoError(t, err)
}

func TestCreate_DuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, client, validRequest())
	assert.ErrorIs(t, err, ErrDisputeExists)
}

func TestAutoOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scan := &shipment.ScanLog{ID: "sc-9", ActorID: "drv", ActorRole: "DRIVER", DamageFlagged: true,
		Action: shipment.ActionDamage, DamageDescription: "wet carton", PhotoIDs: []string{"ph-9"},
		PreviousStatus: shipment.StatusInTransit, NewStatus: shipment.StatusInTransit}

	d, created, err := f.svc.AutoOpen(ctx, f.units.units["u-2"], scan)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, d.AutoCreated)
	assert.Equal(t, "sc-9", d.SourceScanID)

	again, created, err := f.svc.AutoOpen(ctx, f.units.units["u-2"], scan)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, d.ID, again.ID)
}

func TestAdvanceStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)

	_, err = f.svc.AdvanceStatus(ctx, client, d.ID, StatusUnderReview)
	assert.ErrorIs(t, err, ErrUnauthorizedRole)

	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusEvidenceComplete)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot skip a step")

	d, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusUnderReview)
	require.NoError(t, err)
	assert.Nil(t, d.Evidence)

	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition, "no regression")

	d, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusEvidenceComplete)
	require.NoError(t, err)
	require.NotNil(t, d.Evidence)
	require.NoError(t, evidence.Verify(d.Evidence))
	assert.Equal(t, "Blerina", d.Evidence.ProofOfDelivery.RecipientName)

	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusResolved)
	assert.Equal(t, errcode.InvalidTransition, errcode.CodeOf(err))

	assert.Equal(t, []string{events.DisputeOpened, events.DisputeStatusChanged, events.DisputeStatusChanged}, f.rec.Types())
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)

	impact := -2
	comp := decimal.RequireFromString("150.456")
	req := ResolveRequest{FinalLiability: "CARRIER", Compensation: &comp, RatingImpact: &impact, Notes: "carrier admitted"}

	_, err = f.svc.Resolve(ctx, client, d.ID, req)
	assert.ErrorIs(t, err, ErrUnauthorizedRole)

	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{FinalLiability: "INSURER"})
	assert.ErrorIs(t, err, ErrInvalidLiability)

	tooMuch := 9
	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{FinalLiability: "CARRIER", RatingImpact: &tooMuch})
	assert.Equal(t, errcode.ValidationFailed, errcode.CodeOf(err))

	d, err = f.svc.Resolve(ctx, admin, d.ID, req)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, d.Status)
	require.NotNil(t, d.Evidence, "resolve freezes evidence from OPEN")
	assert.Equal(t, "150.46", d.Resolution.Compensation.StringFixed(2))
	assert.Equal(t, "EUR", d.Resolution.Currency)
	assert.Equal(t, -2, f.ratings.deltas["carrier-co"])

	_, err = f.svc.Resolve(ctx, admin, d.ID, req)
	assert.ErrorIs(t, err, ErrResolved)
	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusUnderReview)
	assert.ErrorIs(t, err, ErrResolved)
}

func TestEvidenceFrozenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)
	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusUnderReview)
	require.NoError(t, err)
	d, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusEvidenceComplete)
	require.NoError(t, err)
	digest := d.Evidence.Digest

	// later history must not leak into the frozen snapshot
	f.units.photos["u-1"] = append(f.units.photos["u-1"], &shipment.Photo{ID: "late", Kind: shipment.KindPhoto})
	d, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{FinalLiability: "CLIENT"})
	require.NoError(t, err)
	assert.Equal(t, digest, d.Evidence.Digest)
}

// staleReads serves a dispute as it was before a concurrent status change.
type staleReads struct {
	*memRepo
	stale *Dispute
}

func (r staleReads) GetDispute(context.Context, string) (*Dispute, error) {
	return clone(r.stale), nil
}

func TestAddComment_LockedMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)
	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusUnderReview)
	require.NoError(t, err)
	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusEvidenceComplete)
	require.NoError(t, err)

	svc := NewService(staleReads{memRepo: f.repo, stale: d}, f.units, Options{Clock: func() time.Time { return f.now }})
	_, err = svc.AddComment(ctx, client, d.ID, "one more thing", false)
	assert.ErrorIs(t, err, ErrCommentsLocked)
	assert.Empty(t, f.repo.comments)
}

func TestComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)

	_, err = f.svc.AddComment(ctx, client, d.ID, "photos attached", false)
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, client, d.ID, "psst", true)
	assert.ErrorIs(t, err, ErrUnauthorizedRole)
	_, err = f.svc.AddComment(ctx, admin, d.ID, "looks like forklift damage", true)
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, carrier, d.ID, "we disagree", false)
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, other, d.ID, "hi", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.AddComment(ctx, client, d.ID, "   ", false)
	assert.Equal(t, errcode.ValidationFailed, errcode.CodeOf(err))

	visible, err := f.svc.Comments(ctx, client, d.ID)
	require.NoError(t, err)
	assert.Len(t, visible, 2)
	all, err := f.svc.Comments(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusUnderReview)
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, client, d.ID, "still here", false)
	require.NoError(t, err)
	_, err = f.svc.AdvanceStatus(ctx, admin, d.ID, StatusEvidenceComplete)
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, admin, d.ID, "locked?", false)
	assert.ErrorIs(t, err, ErrCommentsLocked)
}

func TestListAll_AdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Create(ctx, client, validRequest())
	require.NoError(t, err)

	_, _, err = f.svc.ListAll(ctx, client, "", 1, 20)
	assert.ErrorIs(t, err, ErrUnauthorizedRole)
	_, _, err = f.svc.ListAll(ctx, admin, "BOGUS", 1, 20)
	assert.Equal(t, errcode.ValidationFailed, errcode.CodeOf(err))

	items, total, err := f.svc.ListAll(ctx, admin, StatusOpen, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	mine, _, err := f.svc.ListMine(ctx, client, 1, 20)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	mine, _, err = f.svc.ListMine(ctx, carrier, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(auth.RoleAdmin, StatusOpen, StatusUnderReview))
	assert.False(t, CanTransition(auth.RoleAdmin, StatusOpen, StatusResolved))
	assert.False(t, CanTransition(auth.RoleAdmin, StatusResolved, StatusOpen))
	assert.False(t, CanTransition(auth.RoleCarrier, StatusOpen, StatusUnderReview))
}
