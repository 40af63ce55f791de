package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vectornode/vectornode/pkg/config"
	"github.com/vectornode/vectornode/pkg/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func liteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_SECRET", testSecret)
	t.Setenv("QR_SECRET", "cmd-test-labels")
}

func TestRun_Dispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer
	if code := Run([]string{"vectornode"}, &out, &errOut); code != 0 || called != 1 {
		t.Fatalf("default: code=%d called=%d", code, called)
	}
	if code := Run([]string{"vectornode", "serve"}, &out, &errOut); code != 0 || called != 2 {
		t.Fatalf("serve: code=%d called=%d", code, called)
	}

	if code := Run([]string{"vectornode", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("help exit = %d", code)
	}
	if !strings.Contains(out.String(), "verify-chain") {
		t.Errorf("usage missing verify-chain: %s", out.String())
	}

	errOut.Reset()
	if code := Run([]string{"vectornode", "frobnicate"}, &out, &errOut); code != 2 {
		t.Errorf("unknown command exit = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestTokenCmd(t *testing.T) {
	liteEnv(t)
	var out, errOut bytes.Buffer
	code := Run([]string{"vectornode", "token", "--sub", "drv-7", "--role", "driver", "--company", "carrier-co", "--ttl", "1h"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit = %d: %s", code, errOut.String())
	}

	keys, err := identity.NewSeededKeySet([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	claims, err := identity.NewTokenManager(keys).Validate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != "drv-7" || claims.Role != "DRIVER" || claims.CompanyID != "carrier-co" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenCmd_Invalid(t *testing.T) {
	liteEnv(t)
	var out, errOut bytes.Buffer
	if code := Run([]string{"vectornode", "token", "--sub", "x", "--role", "PILOT"}, &out, &errOut); code != 2 {
		t.Errorf("unknown role exit = %d, want 2", code)
	}
	t.Setenv("AUTH_SECRET", "")
	if code := Run([]string{"vectornode", "token", "--sub", "x", "--role", "ADMIN"}, &out, &errOut); code != 2 {
		t.Errorf("missing secret exit = %d, want 2", code)
	}
}

func TestHealthCmd(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer ok.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	var out, errOut bytes.Buffer
	if code := Run([]string{"vectornode", "health", "--url", ok.URL}, &out, &errOut); code != 0 {
		t.Errorf("healthy exit = %d: %s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "OK" {
		t.Errorf("stdout = %q", out.String())
	}
	if code := Run([]string{"vectornode", "health", "--url", down.URL}, &out, &errOut); code != 1 {
		t.Errorf("unhealthy exit = %d, want 1", code)
	}
}

func TestBuild_LiteModeEndToEnd(t *testing.T) {
	liteEnv(t)
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	a, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	var out, errOut bytes.Buffer
	if code := Run([]string{"vectornode", "token", "--sub", "shp-1", "--role", "SHIPPER", "--company", "shipper-co"}, &out, &errOut); code != 0 {
		t.Fatalf("token: %s", errOut.String())
	}
	shipper := strings.TrimSpace(out.String())
	out.Reset()
	if code := Run([]string{"vectornode", "token", "--sub", "drv-1", "--role", "DRIVER"}, &out, &errOut); code != 0 {
		t.Fatalf("token: %s", errOut.String())
	}
	driver := strings.TrimSpace(out.String())

	var sh struct {
		Units []struct {
			ID      string `json:"id"`
			QRToken string `json:"qr_token"`
		} `json:"units"`
	}
	post(t, srv.URL+"/api/shipments", shipper, map[string]any{
		"origin":      "Vlorë",
		"destination": "Skopje",
		"pickup_date": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"units":       []map[string]any{{"description": "crates", "weight_kg": 80}},
	}, &sh)
	if len(sh.Units) != 1 || sh.Units[0].QRToken == "" {
		t.Fatalf("shipment units = %+v", sh.Units)
	}
	post(t, srv.URL+"/api/qr/scan", driver, map[string]any{
		"token": sh.Units[0].QRToken, "action": "PICKUP", "quantity": 1,
	}, nil)

	// lite mode keeps one writer; release it for the CLI
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if code := Run([]string{"vectornode", "verify-chain", "--unit", sh.Units[0].ID, "--json"}, &out, &errOut); code != 0 {
		t.Fatalf("verify-chain exit = %d: %s", code, errOut.String())
	}
	var rep chainReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.Scans != 1 || rep.Status != "PICKED_UP" {
		t.Errorf("report = %+v", rep)
	}

	if code := Run([]string{"vectornode", "verify-chain", "--unit", "missing"}, &out, &errOut); code != 1 {
		t.Errorf("missing unit exit = %d, want 1", code)
	}
}

func post(t *testing.T, url, token string, body, out any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST %s = %d: %s", url, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatal(err)
		}
	}
}
