package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"
)

// SupportedAPI is the server API range this client speaks.
const SupportedAPI = "^1.0.0"

// VersionInfo is the server's reported version.
type VersionInfo struct {
	Version string `json:"version"`
	Build   string `json:"build,omitempty"`
}

// ServerVersion fetches /api/version.
func (c *Client) ServerVersion(ctx context.Context) (*VersionInfo, error) {
	var out VersionInfo
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/version", schema: "version"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckServerVersion verifies the server's API version satisfies
// constraint, SupportedAPI when empty.
func (c *Client) CheckServerVersion(ctx context.Context, constraint string) (*semver.Version, error) {
	if constraint == "" {
		constraint = SupportedAPI
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	info, err := c.ServerVersion(ctx)
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("server reported invalid version %q: %w", info.Version, err)
	}
	if ok, errs := cons.Validate(v); !ok {
		return v, fmt.Errorf("server API %s does not satisfy %s: %v", v, constraint, errs)
	}
	return v, nil
}
