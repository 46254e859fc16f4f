package creds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	cached      Credential
	refreshed   Credential
	afterRedisc Credential
	rediscovers int
	refreshes   int
}

func (f *fakeProvider) GetToken(context.Context, string) (Credential, error) {
	if f.rediscovers > 0 {
		return f.afterRedisc, nil
	}
	return f.cached, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string) (Credential, error) {
	f.refreshes++
	return f.refreshed, nil
}

func (f *fakeProvider) Rediscover(context.Context) error {
	f.rediscovers++
	return nil
}

func TestAcquireCacheHit(t *testing.T) {
	p := &fakeProvider{cached: Credential{Token: "tok"}}
	cred, err := Acquire(context.Background(), p, "portal")
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Token)
	assert.Zero(t, p.refreshes)
	assert.Zero(t, p.rediscovers)
}

func TestAcquireFallsBackToRefresh(t *testing.T) {
	p := &fakeProvider{refreshed: Credential{Token: "fresh"}}
	cred, err := Acquire(context.Background(), p, "portal")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Token)
	assert.Equal(t, 1, p.refreshes)
	assert.Zero(t, p.rediscovers)
}

func TestAcquireFallsBackToRediscover(t *testing.T) {
	p := &fakeProvider{afterRedisc: Credential{Token: "found"}}
	cred, err := Acquire(context.Background(), p, "portal")
	require.NoError(t, err)
	assert.Equal(t, "found", cred.Token)
	assert.Equal(t, 1, p.rediscovers)
}

func TestAcquireAllEmpty(t *testing.T) {
	p := &fakeProvider{}
	_, err := Acquire(context.Background(), p, "portal")
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("LM_TOKEN_ACME_EXAMPLE_COM", "secret")
	p := &EnvProvider{}
	cred, err := p.GetToken(context.Background(), "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, "secret", cred.Token)

	cred, err = p.GetToken(context.Background(), "other.example.com")
	require.NoError(t, err)
	assert.True(t, cred.Empty())
}
