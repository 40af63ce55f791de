package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/client"
	"github.com/vectornode/vectornode/pkg/config"
	"github.com/vectornode/vectornode/pkg/identity"
	"github.com/vectornode/vectornode/pkg/shipment"
	"github.com/vectornode/vectornode/pkg/store"
)

func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Schema up to date (%s)\n", st.Dialect())
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sub, role, name, company string
		ttl                      time.Duration
	)
	cmd.StringVar(&sub, "sub", "", "User ID (REQUIRED)")
	cmd.StringVar(&role, "role", "", "Role: ADMIN, SHIPPER, CARRIER, DRIVER, WAREHOUSE or CLIENT (REQUIRED)")
	cmd.StringVar(&name, "name", "", "Display name")
	cmd.StringVar(&company, "company", "", "Company ID")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	r, ok := auth.ParseRole(strings.ToUpper(role))
	if sub == "" || !ok {
		fmt.Fprintln(stderr, "Error: --sub and a valid --role are required")
		cmd.Usage()
		return 2
	}
	cfg := config.Load()
	if cfg.AuthSecret == "" {
		fmt.Fprintln(stderr, "Error: AUTH_SECRET must be set so the server accepts the token")
		return 2
	}
	keys, err := identity.NewSeededKeySet([]byte(cfg.AuthSecret))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if name == "" {
		name = sub
	}
	tok, err := identity.NewTokenManager(keys).Issue(context.Background(),
		identity.Subject{ID: sub, Role: string(r), Name: name, CompanyID: company}, ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}

// chainReport is the verify-chain output.
type chainReport struct {
	UnitID string              `json:"unit_id"`
	Status shipment.UnitStatus `json:"status"`
	Scans  int                 `json:"scans"`
	Head   string              `json:"head"`
	Valid  bool                `json:"valid"`
	Error  string              `json:"error,omitempty"`
}

func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		unitID     string
		jsonOutput bool
	)
	cmd.StringVar(&unitID, "unit", "", "Unit ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if unitID == "" {
		fmt.Fprintln(stderr, "Error: --unit is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close() //nolint:errcheck

	u, err := st.GetUnit(ctx, unitID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	scans, err := st.ListScans(ctx, unitID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	rep := chainReport{UnitID: u.ID, Status: u.Status, Scans: len(scans), Head: shipment.Head(scans), Valid: true}
	if err := shipment.VerifyChain(scans); err != nil {
		rep.Valid, rep.Error = false, err.Error()
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if rep.Valid {
		fmt.Fprintf(stdout, "Chain verified: %s\n", rep.UnitID)
		fmt.Fprintf(stdout, "   Status: %s\n", rep.Status)
		fmt.Fprintf(stdout, "   Scans:  %d\n", rep.Scans)
		fmt.Fprintf(stdout, "   Head:   %s\n", rep.Head)
	} else {
		fmt.Fprintf(stderr, "Chain broken for %s: %s\n", rep.UnitID, rep.Error)
	}
	if !rep.Valid {
		return 1
	}
	return 0
}

func runQRCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("qr", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var token, baseURL, lang string
	cmd.StringVar(&token, "token", "", "Label token (REQUIRED)")
	cmd.StringVar(&baseURL, "url", "http://localhost:"+cfg.Port, "API base URL")
	cmd.StringVar(&lang, "lang", "sq", "Message language")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if token == "" {
		fmt.Fprintln(stderr, "Error: --token is required")
		cmd.Usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := client.New(client.WithBaseURL(baseURL), client.WithUploadConcurrency(cfg.UploadConcurrency))
	tag := client.MatchLanguage(lang)
	if _, err := c.CheckServerVersion(ctx, client.SupportedAPI); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	info, err := c.TokenInfo(ctx, token)
	if err != nil {
		fmt.Fprintln(stderr, client.ErrorMessage(err, tag))
		if client.IsCode(err, "QR_EXPIRED") {
			return 0
		}
		return 1
	}

	u := info.Unit
	fmt.Fprintf(stdout, "Unit %s (%d/%d): %s\n", u.ID, u.UnitNumber, u.UnitTotal, u.Status)
	if sh := info.Shipment; sh != nil {
		fmt.Fprintf(stdout, "   Shipment: %s %s -> %s (%s)\n", sh.Reference, sh.Origin, sh.Destination, sh.Status)
	}
	for _, s := range info.History {
		fmt.Fprintf(stdout, "   #%d %s %s by %s (%s)\n", s.Sequence, s.Timestamp.Format(time.RFC3339), s.Action, s.ActorName, s.ActorRole)
	}
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg := config.Load()
	var url string
	cmd.StringVar(&url, "url", "http://localhost:"+cfg.HealthPort+"/health", "Health endpoint")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	hc := &http.Client{Timeout: 5 * time.Second}
	resp, err := hc.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}
