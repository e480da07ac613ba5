package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTokenRejected is returned for refresh tokens that are unknown, expired or already used.
var ErrTokenRejected = errors.New("refresh token rejected")

// Store persists kiosks and their refresh tokens. ConsumeRefreshToken must
// atomically revoke a live token and return its kiosk.
type Store interface {
	UpsertKiosk(ctx context.Context, kioskID string, role Role) error
	SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, token string) (string, error)
}

// Issuer provisions kiosks and rotates refresh tokens.
type Issuer struct {
	store Store
	cfg   Config
}

// NewIssuer creates an issuer.
func NewIssuer(store Store, cfg Config) *Issuer {
	return &Issuer{store: store, cfg: cfg}
}

// Config returns the signing configuration, for the Bearer middleware.
func (i *Issuer) Config() Config { return i.cfg }

// Provision registers kioskID with role and issues its first token pair.
func (i *Issuer) Provision(ctx context.Context, kioskID string, role Role) (TokenPair, error) {
	if kioskID == "" {
		return TokenPair{}, errors.New("kiosk id required")
	}
	if !role.Valid() {
		return TokenPair{}, fmt.Errorf("unknown role %q", role)
	}
	if err := i.store.UpsertKiosk(ctx, kioskID, role); err != nil {
		return TokenPair{}, fmt.Errorf("upsert kiosk: %w", err)
	}
	return i.issue(ctx, kioskID, role)
}

// Refresh exchanges a refresh token for a new pair. Each refresh token works once.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := Parse(refreshToken, KindRefresh, i.cfg)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	kioskID, err := i.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if kioskID != claims.Subject {
		return TokenPair{}, fmt.Errorf("%w: subject mismatch", ErrTokenRejected)
	}
	return i.issue(ctx, kioskID, claims.Role)
}

func (i *Issuer) issue(ctx context.Context, kioskID string, role Role) (TokenPair, error) {
	pair, err := Issue(kioskID, role, i.cfg)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := i.store.SaveRefreshToken(ctx, kioskID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return TokenPair{}, fmt.Errorf("save refresh token: %w", err)
	}
	return pair, nil
}
