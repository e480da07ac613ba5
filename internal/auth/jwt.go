package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is what a token holder may do.
type Role string

const (
	// RoleKiosk may recognize faces and read schedules and attendance.
	RoleKiosk Role = "kiosk"
	// RoleAdmin may additionally enroll faces, manage identities and replace the schedule.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleKiosk || r == RoleAdmin }

// Kind separates access tokens from refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims represents JWT payload.
type Claims struct {
	Role Role `json:"role"`
	Kind Kind `json:"typ"`
	jwt.RegisteredClaims
}

// Config controls token signing.
type Config struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issue signs an access and a refresh token for subject.
func Issue(subject string, role Role, cfg Config) (TokenPair, error) {
	now := time.Now()
	pair := TokenPair{
		AccessExp:  now.Add(cfg.AccessTTL),
		RefreshExp: now.Add(cfg.RefreshTTL),
	}

	var err error
	pair.AccessToken, err = sign(subject, role, KindAccess, now, pair.AccessExp, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	pair.RefreshToken, err = sign(subject, role, KindRefresh, now, pair.RefreshExp, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func sign(subject string, role Role, kind Kind, now, exp time.Time, cfg Config) (string, error) {
	claims := Claims{
		Role: role,
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    cfg.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.SigningKey))
}

// Parse validates a token of the given kind and returns its claims.
func Parse(tokenStr string, kind Kind, cfg Config) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(cfg.SigningKey), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Kind != kind {
		return Claims{}, errors.New("wrong token kind")
	}
	if !claims.Role.Valid() {
		return Claims{}, errors.New("unknown role")
	}
	return *claims, nil
}
