package scanflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/client"
	"github.com/vectornode/vectornode/pkg/shipment"
	"github.com/vectornode/vectornode/pkg/upload"
)

type fakeAPI struct {
	info       *checkpoint.TokenInfo
	infoErr    error
	actions    []shipment.Action
	actionsErr error
	uploadErr  error
	scanErrs   []error

	uploads int
	sigs    []string
	scans   []shipment.ScanRequest
	keys    []string
}

func (f *fakeAPI) TokenInfo(context.Context, string) (*checkpoint.TokenInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeAPI) Actions(context.Context, string) ([]shipment.Action, error) {
	return f.actions, f.actionsErr
}

func (f *fakeAPI) UploadPhotos(_ context.Context, _ string, files []client.File) []upload.Result[*shipment.Photo] {
	out := make([]upload.Result[*shipment.Photo], len(files))
	for i := range files {
		f.uploads++
		out[i] = upload.Result[*shipment.Photo]{Index: i, Value: &shipment.Photo{ID: fmt.Sprintf("ph-%d", f.uploads)}}
		if f.uploadErr != nil && i == len(files)-1 {
			out[i] = upload.Result[*shipment.Photo]{Index: i, Err: f.uploadErr}
		}
	}
	return out
}

func (f *fakeAPI) AttachSignature(_ context.Context, _ string, dataURL string) (*shipment.Photo, error) {
	f.sigs = append(f.sigs, dataURL)
	return &shipment.Photo{ID: "sig-1", Kind: shipment.KindSignature}, nil
}

func (f *fakeAPI) Scan(_ context.Context, req shipment.ScanRequest, key string) (*checkpoint.ScanResult, error) {
	f.scans = append(f.scans, req)
	f.keys = append(f.keys, key)
	if len(f.scanErrs) > 0 {
		err := f.scanErrs[0]
		f.scanErrs = f.scanErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	next := shipment.StatusInTransit
	if req.Action == shipment.ActionDelivered {
		next = shipment.StatusDelivered
	}
	return &checkpoint.ScanResult{
		Scan: &shipment.ScanLog{ID: "scan-1", Action: req.Action},
		Unit: &shipment.Unit{ID: "u-1", Status: next},
	}, nil
}

func apiErr(status int, code string) error {
	return &client.APIError{Status: status, Code: code}
}

func loaded(actions ...shipment.Action) *fakeAPI {
	return &fakeAPI{
		info:    &checkpoint.TokenInfo{Unit: &shipment.Unit{ID: "u-1", Status: shipment.StatusInTransit}},
		actions: actions,
	}
}

func photo() client.File {
	return client.File{Name: "a.png", ContentType: "image/png", Data: []byte{1}}
}

func TestLoad_DeliveredUnitIsSuccess(t *testing.T) {
	f := New(&fakeAPI{infoErr: apiErr(410, "QR_EXPIRED")}, "tok")
	require.NoError(t, f.Load(context.Background()))
	assert.Equal(t, ScreenSuccess, f.Screen())
	assert.True(t, f.AlreadyDelivered())
	assert.Equal(t, "Ngarkesa është dorëzuar tashmë.", f.Message())
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"unknown token", apiErr(404, "INVALID_QR_TOKEN"), "QR code does not exist."},
		{"unknown token legacy code", apiErr(404, "INVALID"), "QR code does not exist."},
		{"used label", apiErr(409, "TOKEN_ALREADY_USED"), "This QR code has already been used. Scan the new label."},
		{"offline", fmt.Errorf("%w: dial tcp", client.ErrConnection), "Cannot reach the server. Check your connection."},
		{"unexpected", errors.New("boom"), "Something went wrong. Please try again."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := New(&fakeAPI{infoErr: tc.err}, "tok", WithLanguage(client.English))
			require.Error(t, f.Load(context.Background()))
			assert.Equal(t, ScreenError, f.Screen())
			assert.Equal(t, tc.want, f.Message())
		})
	}
}

func TestLoad_AnonymousSeesNoActions(t *testing.T) {
	api := loaded()
	api.actionsErr = apiErr(401, "UNAUTHORIZED")
	f := New(api, "tok")
	require.NoError(t, f.Load(context.Background()))
	assert.Equal(t, ScreenInfo, f.Screen())
	assert.Empty(t, f.Choices())
}

func TestSelect_OnlyOfferedActions(t *testing.T) {
	f := New(loaded(shipment.ActionDelivered, shipment.ActionDamage), "tok")
	_, err := f.Select(shipment.ActionDelivered)
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, f.Load(context.Background()))
	assert.Equal(t, []Choice{
		{Action: shipment.ActionDelivered, Label: "Konfirmo Dorëzimin"},
		{Action: shipment.ActionDamage, Label: "Raporto Dëm"},
	}, f.Choices())

	_, err = f.Select(shipment.ActionPickup)
	assert.ErrorIs(t, err, ErrNotOffered)
	assert.Equal(t, ScreenInfo, f.Screen())

	s, err := f.Select(shipment.ActionDelivered)
	require.NoError(t, err)
	assert.Equal(t, ScreenDelivery, s)
	f.Back()
	assert.Equal(t, ScreenInfo, f.Screen())
}

func TestScreenFor(t *testing.T) {
	for a, want := range map[shipment.Action]Screen{
		shipment.ActionPickup:       ScreenPickup,
		shipment.ActionWarehouseIn:  ScreenWarehouse,
		shipment.ActionWarehouseOut: ScreenWarehouse,
		shipment.ActionInTransit:    ScreenHandover,
		shipment.ActionDelivered:    ScreenDelivery,
		shipment.ActionDamage:       ScreenDamage,
	} {
		got, ok := ScreenFor(a)
		assert.True(t, ok)
		assert.Equal(t, want, got, a)
	}
	_, ok := ScreenFor("TELEPORT")
	assert.False(t, ok)
}

func TestForms(t *testing.T) {
	d := &DeliveryForm{RecipientName: "Elira", Photos: []client.File{photo()}}
	assert.False(t, d.CanSubmit())
	assert.Equal(t, "Merr firmën e marrësit.", d.Hint(client.Albanian))
	d.Signature = "data:image/png;base64,AA=="
	assert.True(t, d.CanSubmit())
	assert.Empty(t, d.Hint(client.Albanian))
	d.RecipientName = "  "
	assert.Equal(t, "Enter the recipient's name.", d.Hint(client.English))

	p := &PickupForm{}
	assert.Equal(t, "Sasia duhet të jetë të paktën 1.", p.Hint(client.Albanian))
	p.Quantity = 2
	assert.True(t, p.CanSubmit())
	p.HasDamage = true
	assert.Equal(t, "Përshkruani dëmin.", p.Hint(client.Albanian))
	p.DamageDescription = "wet corner"
	assert.False(t, p.CanSubmit())
	p.Photos = []client.File{photo()}
	assert.True(t, p.CanSubmit())

	w := &WarehouseForm{Direction: shipment.ActionWarehouseIn}
	assert.False(t, w.CanSubmit())
	w.Photos = []client.File{photo()}
	assert.True(t, w.CanSubmit())

	assert.True(t, (&HandoverForm{}).CanSubmit())

	dm := &DamageForm{Photos: []client.File{photo()}}
	assert.False(t, dm.CanSubmit())
	dm.Description = "torn wrap"
	assert.True(t, dm.CanSubmit())
}

func TestSubmit_Delivery(t *testing.T) {
	api := loaded(shipment.ActionDelivered)
	loc := LocatorFunc(func(context.Context) (*shipment.GeoPoint, error) {
		return &shipment.GeoPoint{Lat: 41.33, Lng: 19.82}, nil
	})
	f := New(api, "tok", WithLocator(loc))
	ctx := context.Background()
	require.NoError(t, f.Load(ctx))
	_, err := f.Select(shipment.ActionDelivered)
	require.NoError(t, err)

	form := &DeliveryForm{RecipientName: "Elira", Photos: []client.File{photo()}}
	err = f.Submit(ctx, form)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, "Merr firmën e marrësit.", f.Message())
	assert.Empty(t, api.scans)

	form.Signature = "data:image/png;base64,AA=="
	require.NoError(t, f.Submit(ctx, form))
	assert.Equal(t, ScreenSuccess, f.Screen())
	assert.True(t, f.AlreadyDelivered())
	require.Len(t, api.scans, 1)
	got := api.scans[0]
	assert.Equal(t, "tok", got.Token)
	assert.Equal(t, "sig-1", got.SignatureID)
	assert.Equal(t, []string{"ph-1"}, got.PhotoIDs)
	assert.Equal(t, "Elira", got.RecipientName)
	require.NotNil(t, got.Location)
	assert.InDelta(t, 41.33, got.Location.Lat, 1e-9)
}

func TestSubmit_WrongForm(t *testing.T) {
	f := New(loaded(shipment.ActionDelivered), "tok")
	require.NoError(t, f.Load(context.Background()))
	err := f.Submit(context.Background(), &HandoverForm{})
	assert.ErrorIs(t, err, ErrWrongScreen)
}

func TestSubmit_RetryReusesKeyAfterConnectionLoss(t *testing.T) {
	api := loaded(shipment.ActionInTransit)
	api.scanErrs = []error{fmt.Errorf("%w: reset", client.ErrConnection), nil}
	f := New(api, "tok", WithLocator(LocatorFunc(func(context.Context) (*shipment.GeoPoint, error) {
		return nil, errors.New("permission denied")
	})))
	ctx := context.Background()
	require.NoError(t, f.Load(ctx))
	_, err := f.Select(shipment.ActionInTransit)
	require.NoError(t, err)

	form := &HandoverForm{VehiclePlate: "AA 123 BB"}
	require.ErrorIs(t, f.Submit(ctx, form), client.ErrConnection)
	assert.Equal(t, ScreenHandover, f.Screen())
	assert.Equal(t, "Nuk ka lidhje me serverin. Kontrolloni internetin.", f.Message())

	require.NoError(t, f.Submit(ctx, form))
	require.Len(t, api.keys, 2)
	assert.Equal(t, api.keys[0], api.keys[1])
	assert.Nil(t, api.scans[1].Location)
	assert.Equal(t, ScreenSuccess, f.Screen())
}

func TestSubmit_RejectedScanGetsFreshKey(t *testing.T) {
	api := loaded(shipment.ActionInTransit)
	api.scanErrs = []error{apiErr(409, "SCAN_CONFLICT"), nil}
	f := New(api, "tok")
	ctx := context.Background()
	require.NoError(t, f.Load(ctx))
	_, err := f.Select(shipment.ActionInTransit)
	require.NoError(t, err)

	require.Error(t, f.Submit(ctx, &HandoverForm{}))
	assert.Equal(t, ScreenHandover, f.Screen())
	require.NoError(t, f.Submit(ctx, &HandoverForm{}))
	assert.NotEqual(t, api.keys[0], api.keys[1])
}

func TestSubmit_UploadFailureStaysOnForm(t *testing.T) {
	api := loaded(shipment.ActionDamage)
	api.uploadErr = apiErr(400, "VALIDATION_FAILED")
	f := New(api, "tok")
	ctx := context.Background()
	require.NoError(t, f.Load(ctx))
	_, err := f.Select(shipment.ActionDamage)
	require.NoError(t, err)

	err = f.Submit(ctx, &DamageForm{Description: "torn", Photos: []client.File{photo(), photo()}})
	assert.ErrorIs(t, err, ErrUploadsFailed)
	assert.Equal(t, ScreenDamage, f.Screen())
	assert.Equal(t, "Kontrolloni të dhënat e futura.", f.Message())
	assert.Empty(t, api.scans)
}

func TestSubmit_DeliveredMeanwhile(t *testing.T) {
	api := loaded(shipment.ActionInTransit)
	api.scanErrs = []error{apiErr(410, "QR_EXPIRED")}
	f := New(api, "tok")
	ctx := context.Background()
	require.NoError(t, f.Load(ctx))
	_, err := f.Select(shipment.ActionInTransit)
	require.NoError(t, err)
	require.NoError(t, f.Submit(ctx, &HandoverForm{}))
	assert.Equal(t, ScreenSuccess, f.Screen())
	assert.True(t, f.AlreadyDelivered())
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Konfirmo Dorëzimin", Label(shipment.ActionDelivered, client.Albanian))
	assert.Equal(t, "Confirm delivery", Label(shipment.ActionDelivered, client.MatchLanguage("en-GB")))
	assert.Equal(t, "TELEPORT", Label("TELEPORT", client.English))
}
