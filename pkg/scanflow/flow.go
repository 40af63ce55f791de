// Package scanflow drives the checkpoint screens a driver, warehouse
// operator or recipient walks through after scanning a unit label.
package scanflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/client"
	"github.com/vectornode/vectornode/pkg/shipment"
	"github.com/vectornode/vectornode/pkg/upload"
)

// Screen is a step of the scan flow.
type Screen string

const (
	ScreenInfo      Screen = "INFO"
	ScreenPickup    Screen = "PICKUP"
	ScreenWarehouse Screen = "WAREHOUSE"
	ScreenHandover  Screen = "HANDOVER"
	ScreenDelivery  Screen = "DELIVERY"
	ScreenDamage    Screen = "DAMAGE"
	ScreenSuccess   Screen = "SUCCESS"
	ScreenError     Screen = "ERROR"
)

var actionScreens = map[shipment.Action]Screen{
	shipment.ActionPickup:       ScreenPickup,
	shipment.ActionWarehouseIn:  ScreenWarehouse,
	shipment.ActionWarehouseOut: ScreenWarehouse,
	shipment.ActionInTransit:    ScreenHandover,
	shipment.ActionDelivered:    ScreenDelivery,
	shipment.ActionDamage:       ScreenDamage,
}

// ScreenFor returns the form screen for an action.
func ScreenFor(a shipment.Action) (Screen, bool) {
	s, ok := actionScreens[a]
	return s, ok
}

var (
	ErrNotLoaded     = errors.New("scanflow: token not loaded")
	ErrNotOffered    = errors.New("scanflow: action not offered for this unit")
	ErrIncomplete    = errors.New("scanflow: form is incomplete")
	ErrWrongScreen   = errors.New("scanflow: form does not match the current screen")
	ErrUploadsFailed = errors.New("scanflow: some uploads failed")
)

// API is the part of *client.Client the flow needs.
type API interface {
	TokenInfo(ctx context.Context, token string) (*checkpoint.TokenInfo, error)
	Actions(ctx context.Context, token string) ([]shipment.Action, error)
	UploadPhotos(ctx context.Context, token string, files []client.File) []upload.Result[*shipment.Photo]
	AttachSignature(ctx context.Context, token, dataURL string) (*shipment.Photo, error)
	Scan(ctx context.Context, req shipment.ScanRequest, idempotencyKey string) (*checkpoint.ScanResult, error)
}

var _ API = (*client.Client)(nil)

// Locator returns the device position. Failures are ignored.
type Locator interface {
	Locate(ctx context.Context) (*shipment.GeoPoint, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (*shipment.GeoPoint, error)

func (f LocatorFunc) Locate(ctx context.Context) (*shipment.GeoPoint, error) { return f(ctx) }

// Option configures a Flow.
type Option func(*Flow)

// WithLanguage sets the display language.
func WithLanguage(tag language.Tag) Option { return func(f *Flow) { f.lang = tag } }

// WithLocator enables best-effort geotagging of scans.
func WithLocator(l Locator) Option { return func(f *Flow) { f.locator = l } }

// WithLocateTimeout bounds how long a submit waits for a position.
func WithLocateTimeout(d time.Duration) Option { return func(f *Flow) { f.locateTimeout = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Flow) { f.logger = l } }

// Choice is a button on the info screen.
type Choice struct {
	Action shipment.Action
	Label  string
}

// Flow is the state of one scanned label. It is not safe for concurrent use.
type Flow struct {
	api           API
	token         string
	lang          language.Tag
	locator       Locator
	locateTimeout time.Duration
	logger        *slog.Logger

	screen    Screen
	info      *checkpoint.TokenInfo
	actions   []shipment.Action
	selected  shipment.Action
	result    *checkpoint.ScanResult
	delivered bool
	message   string
	lastErr   error

	// pendingKey is reused while a submission is retried after a lost
	// response, so the server replays instead of scanning twice.
	pendingKey string
}

// New starts a flow for the scanned token.
func New(api API, token string, opts ...Option) *Flow {
	f := &Flow{
		api:           api,
		token:         token,
		lang:          client.Albanian,
		locateTimeout: 5 * time.Second,
		logger:        slog.Default(),
		screen:        ScreenInfo,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Flow) Screen() Screen                 { return f.screen }
func (f *Flow) Token() string                  { return f.token }
func (f *Flow) Info() *checkpoint.TokenInfo    { return f.info }
func (f *Flow) Result() *checkpoint.ScanResult { return f.result }
func (f *Flow) Actions() []shipment.Action     { return slices.Clone(f.actions) }
func (f *Flow) Selected() shipment.Action      { return f.selected }
func (f *Flow) Err() error                     { return f.lastErr }
func (f *Flow) Language() language.Tag         { return f.lang }
func (f *Flow) AlreadyDelivered() bool         { return f.delivered }
func (f *Flow) Message() string                { return f.message }

// Choices returns the labelled actions for the info screen.
func (f *Flow) Choices() []Choice {
	out := make([]Choice, 0, len(f.actions))
	for _, a := range f.actions {
		out = append(out, Choice{Action: a, Label: Label(a, f.lang)})
	}
	return out
}

// Load fetches the unit behind the token and the caller's allowed actions.
// A delivered unit lands on the success screen, never on an error.
func (f *Flow) Load(ctx context.Context) error {
	f.reset()
	info, err := f.api.TokenInfo(ctx, f.token)
	if err != nil {
		if client.IsCode(err, "QR_EXPIRED") {
			f.delivered = true
			f.screen = ScreenSuccess
			f.message = client.Message("QR_EXPIRED", f.lang)
			return nil
		}
		return f.fail(err)
	}
	f.info = info

	actions, err := f.api.Actions(ctx, f.token)
	switch {
	case client.IsCode(err, "UNAUTHORIZED"):
		// Anonymous viewers see the unit without actions.
		actions = nil
	case err != nil:
		return f.fail(err)
	}
	f.actions = actions
	f.screen = ScreenInfo
	return nil
}

// Select opens the form screen for an offered action.
func (f *Flow) Select(a shipment.Action) (Screen, error) {
	if f.info == nil {
		return f.screen, ErrNotLoaded
	}
	if !slices.Contains(f.actions, a) {
		return f.screen, fmt.Errorf("%w: %s", ErrNotOffered, a)
	}
	s, ok := ScreenFor(a)
	if !ok {
		return f.screen, fmt.Errorf("%w: %s", ErrNotOffered, a)
	}
	if f.selected != a {
		f.pendingKey = ""
	}
	f.selected = a
	f.screen = s
	f.message = ""
	return s, nil
}

// Back returns to the info screen from a form.
func (f *Flow) Back() {
	if f.info != nil && f.screen != ScreenSuccess {
		f.screen = ScreenInfo
		f.message = ""
	}
}

// Submit uploads the form's evidence and records the scan. On failure the
// flow stays on the form with a display message so the user can retry.
func (f *Flow) Submit(ctx context.Context, form Form) error {
	if f.info == nil {
		return ErrNotLoaded
	}
	want, _ := ScreenFor(form.Action())
	if f.screen != want || !slices.Contains(f.actions, form.Action()) {
		return ErrWrongScreen
	}
	if !form.CanSubmit() {
		f.message = form.Hint(f.lang)
		return fmt.Errorf("%w: %s", ErrIncomplete, f.message)
	}
	f.message = ""

	req := form.request()
	req.Token = f.token

	if files := form.photos(); len(files) > 0 {
		results := f.api.UploadPhotos(ctx, f.token, files)
		if err := upload.Err(results); err != nil {
			f.lastErr = err
			f.message = client.ErrorMessage(firstErr(results), f.lang)
			f.logger.WarnContext(ctx, "photo upload failed", "failed", len(upload.Failed(results)), "total", len(files))
			return fmt.Errorf("%w: %w", ErrUploadsFailed, err)
		}
		for _, ph := range upload.Values(results) {
			req.PhotoIDs = append(req.PhotoIDs, ph.ID)
		}
	}
	if sig := form.signature(); sig != "" {
		ph, err := f.api.AttachSignature(ctx, f.token, sig)
		if err != nil {
			return f.formErr(err)
		}
		req.SignatureID = ph.ID
	}
	req.Location = f.locate(ctx)

	if f.pendingKey == "" {
		f.pendingKey = uuid.NewString()
	}
	res, err := f.api.Scan(ctx, req, f.pendingKey)
	if err != nil {
		if !errors.Is(err, client.ErrConnection) {
			f.pendingKey = ""
		}
		if client.IsCode(err, "QR_EXPIRED") {
			f.delivered = true
			f.screen = ScreenSuccess
			f.message = client.Message("QR_EXPIRED", f.lang)
			return nil
		}
		return f.formErr(err)
	}
	f.pendingKey = ""
	f.result = res
	f.delivered = res.Unit != nil && res.Unit.Status == shipment.StatusDelivered
	f.screen = ScreenSuccess
	f.logger.InfoContext(ctx, "scan recorded", "action", req.Action, "scan_id", res.Scan.ID)
	return nil
}

// Continue follows the label that replaced the scanned one and reloads.
func (f *Flow) Continue(ctx context.Context) error {
	if f.result == nil || f.result.NextToken == "" {
		return ErrNotLoaded
	}
	f.token = f.result.NextToken
	return f.Load(ctx)
}

func (f *Flow) reset() {
	f.info, f.actions, f.result = nil, nil, nil
	f.selected, f.message, f.lastErr = "", "", nil
	f.delivered = false
	f.pendingKey = ""
}

// fail moves to the error screen.
func (f *Flow) fail(err error) error {
	f.lastErr = err
	f.screen = ScreenError
	f.message = client.ErrorMessage(err, f.lang)
	return err
}

// formErr keeps the current form open with a message.
func (f *Flow) formErr(err error) error {
	f.lastErr = err
	f.message = client.ErrorMessage(err, f.lang)
	return err
}

func (f *Flow) locate(ctx context.Context) *shipment.GeoPoint {
	if f.locator == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.locateTimeout)
	defer cancel()
	pt, err := f.locator.Locate(ctx)
	if err != nil {
		f.logger.DebugContext(ctx, "location unavailable", "err", err)
		return nil
	}
	return pt
}

func firstErr[T any](results []upload.Result[T]) error {
	if failed := upload.Failed(results); len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}
