package creds

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvProvider reads portal tokens from the process environment, optionally
// backed by a .env file. The variable for portal "acme.logicmonitor.com" is
// LM_TOKEN_ACME_LOGICMONITOR_COM.
type EnvProvider struct {
	// EnvFile, when set, is reloaded on RefreshToken/Rediscover so a rotated
	// token on disk becomes visible without restarting.
	EnvFile string
}

func (p *EnvProvider) GetToken(_ context.Context, portal string) (Credential, error) {
	tok := os.Getenv(envKey(portal))
	if tok == "" {
		return Credential{}, nil
	}
	return Credential{Token: tok, AcquiredAt: time.Now()}, nil
}

func (p *EnvProvider) RefreshToken(ctx context.Context, portal string) (Credential, error) {
	if p.EnvFile != "" {
		if err := godotenv.Overload(p.EnvFile); err != nil {
			return Credential{}, err
		}
	}
	return p.GetToken(ctx, portal)
}

func (p *EnvProvider) Rediscover(_ context.Context) error {
	if p.EnvFile == "" {
		return nil
	}
	return godotenv.Overload(p.EnvFile)
}

func envKey(portal string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, portal)
	return "LM_TOKEN_" + mapped
}
