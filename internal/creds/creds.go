// Package creds defines the credential-provider contract the execution core
// consumes. Tokens are short-lived, scoped to one portal, and may be stale or
// absent at any point.
package creds

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredential is returned when the full acquisition cascade comes up
// empty. Callers surface this as an auth failure.
var ErrNoCredential = errors.New("no credential available for portal")

// Credential is a bearer token plus the time it was obtained.
type Credential struct {
	Token      string
	AcquiredAt time.Time
}

func (c Credential) Empty() bool { return c.Token == "" }

// Provider supplies portal-scoped tokens. Implementations live outside the
// execution core (browser session bridge, env files, ...).
type Provider interface {
	// GetToken is a non-blocking cache read. An empty credential with a nil
	// error means "nothing cached".
	GetToken(ctx context.Context, portal string) (Credential, error)
	// RefreshToken actively re-acquires a token and may fail.
	RefreshToken(ctx context.Context, portal string) (Credential, error)
	// Rediscover re-enumerates portals/sessions as a last resort.
	Rediscover(ctx context.Context) error
}

// Acquire runs the acquisition cascade: cached token, then refresh, then
// rediscover followed by one more cache read. ErrNoCredential only after all
// three came up empty.
func Acquire(ctx context.Context, p Provider, portal string) (Credential, error) {
	if cred, err := p.GetToken(ctx, portal); err == nil && !cred.Empty() {
		return cred, nil
	}
	if cred, err := p.RefreshToken(ctx, portal); err == nil && !cred.Empty() {
		return cred, nil
	}
	if err := p.Rediscover(ctx); err == nil {
		if cred, err := p.GetToken(ctx, portal); err == nil && !cred.Empty() {
			return cred, nil
		}
	}
	return Credential{}, ErrNoCredential
}
