package scanflow_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/artifacts"
	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/client"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/identity"
	"github.com/vectornode/vectornode/pkg/limiter"
	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/qrtoken"
	"github.com/vectornode/vectornode/pkg/scanflow"
	"github.com/vectornode/vectornode/pkg/server"
	"github.com/vectornode/vectornode/pkg/shipment"
	"github.com/vectornode/vectornode/pkg/store"
)

type stack struct {
	url    string
	tokens *identity.TokenManager
	market *marketplace.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, store.SQLite)
	require.NoError(t, st.Migrate(ctx))

	issuer, err := qrtoken.NewIssuer([]byte("journey"))
	require.NoError(t, err)
	reg := qrtoken.NewRegistry(issuer, st.Tokens())
	disputes := dispute.NewService(st, st, dispute.Options{})
	market := marketplace.NewService(st, marketplace.Options{Tokens: reg})
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Checkpoint:  checkpoint.NewService(st, reg, checkpoint.Options{Artifacts: artifacts.NewMemoryStore(), Disputes: disputes}),
		Disputes:    disputes,
		Marketplace: market,
		Tokens:      tm,
		Limiter:     limiter.NewMemoryStore(),
		ActorPolicy: limiter.Policy{RPM: 6000, Burst: 1000},
		Idempotency: api.NewIdempotencyStore(time.Hour),
	}))
	t.Cleanup(srv.Close)
	return &stack{url: srv.URL, tokens: tm, market: market}
}

func (s *stack) clientFor(t *testing.T, id string, role auth.Role) *client.Client {
	t.Helper()
	tok, err := s.tokens.Issue(context.Background(), identity.Subject{ID: id, Role: string(role), Name: id, CompanyID: "carrier-co"}, time.Hour)
	require.NoError(t, err)
	sess := client.NewMemorySession()
	require.NoError(t, sess.Set(client.State{Token: tok, User: &client.User{ID: id, Name: id, Role: string(role)}}))
	return client.New(client.WithBaseURL(s.url), client.WithSession(sess))
}

func pngFile(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 5, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestJourney_PickupToDelivery(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	sh, err := s.market.PostShipment(ctx, &auth.BasePrincipal{ID: "shp-1", Role: auth.RoleShipper, CompanyID: "shipper-co"},
		marketplace.ShipmentRequest{
			Origin:      "Durrës",
			Destination: "Prishtinë",
			PickupDate:  time.Now().Add(time.Hour),
			Units:       []marketplace.UnitInput{{Description: "boxed tiles", WeightKg: 300}},
		})
	require.NoError(t, err)
	first := sh.Units[0].QRToken
	require.NotEmpty(t, first)

	driver := s.clientFor(t, "drv-1", auth.RoleDriver)
	f := scanflow.New(driver, first)
	require.NoError(t, f.Load(ctx))
	assert.Equal(t, scanflow.ScreenInfo, f.Screen())
	assert.Equal(t, shipment.StatusCreated, f.Info().Unit.Status)
	assert.Contains(t, f.Actions(), shipment.ActionPickup)

	_, err = f.Select(shipment.ActionPickup)
	require.NoError(t, err)
	require.NoError(t, f.Submit(ctx, &scanflow.PickupForm{Quantity: 1}))
	assert.Equal(t, scanflow.ScreenSuccess, f.Screen())
	require.NotEmpty(t, f.Result().NextToken)

	require.NoError(t, f.Continue(ctx))
	assert.Equal(t, shipment.StatusPickedUp, f.Info().Unit.Status)
	_, err = f.Select(shipment.ActionInTransit)
	require.NoError(t, err)
	require.NoError(t, f.Submit(ctx, &scanflow.HandoverForm{VehiclePlate: "AA 123 BB"}))

	require.NoError(t, f.Continue(ctx))
	last := f.Token()
	_, err = f.Select(shipment.ActionDelivered)
	require.NoError(t, err)
	photo := client.File{Name: "door.png", ContentType: "image/png", Data: pngFile(t)}
	form := &scanflow.DeliveryForm{RecipientName: "Arta", Photos: []client.File{photo}}
	require.ErrorIs(t, f.Submit(ctx, form), scanflow.ErrIncomplete)
	assert.Equal(t, "Merr firmën e marrësit.", f.Message())

	form.Signature = "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngFile(t))
	require.NoError(t, f.Submit(ctx, form))
	assert.Equal(t, scanflow.ScreenSuccess, f.Screen())
	assert.True(t, f.AlreadyDelivered())
	assert.Empty(t, f.Result().NextToken)
	assert.ErrorIs(t, f.Continue(ctx), scanflow.ErrNotLoaded)

	// rescanning the delivered label is a success, the first label is stale
	again := scanflow.New(driver, last)
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, scanflow.ScreenSuccess, again.Screen())
	assert.True(t, again.AlreadyDelivered())

	stale := scanflow.New(driver, first, scanflow.WithLanguage(client.English))
	require.Error(t, stale.Load(ctx))
	assert.Equal(t, scanflow.ScreenError, stale.Screen())

	anon := scanflow.New(client.New(client.WithBaseURL(s.url)), "no-such-token", scanflow.WithLanguage(client.English))
	require.Error(t, anon.Load(ctx))
	assert.Equal(t, "QR code does not exist.", anon.Message())
}
