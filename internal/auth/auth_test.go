package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

var testConfig = Config{Issuer: "presensi-test", SigningKey: "k3y", AccessTTL: time.Minute, RefreshTTL: time.Hour}

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("gate-1", RoleKiosk, testConfig)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := Parse(pair.AccessToken, KindAccess, testConfig)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "gate-1" || claims.Role != RoleKiosk || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}

	tests := []struct {
		name  string
		token string
		kind  Kind
		cfg   Config
	}{
		{"refresh used as access", pair.RefreshToken, KindAccess, testConfig},
		{"access used as refresh", pair.AccessToken, KindRefresh, testConfig},
		{"wrong key", pair.AccessToken, KindAccess, Config{Issuer: testConfig.Issuer, SigningKey: "other"}},
		{"wrong issuer", pair.AccessToken, KindAccess, Config{Issuer: "someone-else", SigningKey: testConfig.SigningKey}},
		{"garbage", "abc.def.ghi", KindAccess, testConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.kind, tt.cfg); err == nil {
				t.Error("token accepted")
			}
		})
	}
}

func TestParseExpired(t *testing.T) {
	cfg := testConfig
	cfg.AccessTTL = -time.Minute
	pair, err := Issue("gate-1", RoleKiosk, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, KindAccess, cfg); err == nil {
		t.Error("expired token accepted")
	}
}

type memTokens struct {
	mu     sync.Mutex
	kiosks map[string]Role
	live   map[string]string
}

func newMemTokens() *memTokens {
	return &memTokens{kiosks: map[string]Role{}, live: map[string]string{}}
}

func (m *memTokens) UpsertKiosk(_ context.Context, id string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kiosks[id] = role
	return nil
}

func (m *memTokens) SaveRefreshToken(_ context.Context, id, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[token] = id
	return nil
}

func (m *memTokens) ConsumeRefreshToken(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.live[token]
	if !ok {
		return "", ErrTokenRejected
	}
	delete(m.live, token)
	return id, nil
}

func TestIssuerRotation(t *testing.T) {
	store := newMemTokens()
	iss := NewIssuer(store, testConfig)
	ctx := context.Background()

	if _, err := iss.Provision(ctx, "gate-1", "janitor"); err == nil {
		t.Error("unknown role provisioned")
	}
	if _, err := iss.Provision(ctx, "", RoleKiosk); err == nil {
		t.Error("empty kiosk id provisioned")
	}

	first, err := iss.Provision(ctx, "gate-1", RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	second, err := iss.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := Parse(second.AccessToken, KindAccess, testConfig)
	if err != nil || claims.Role != RoleAdmin {
		t.Fatalf("rotated claims = %+v, %v", claims, err)
	}
	if _, err := iss.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenRejected) {
		t.Errorf("reuse err = %v, want ErrTokenRejected", err)
	}
	if _, err := iss.Refresh(ctx, second.AccessToken); !errors.Is(err, ErrTokenRejected) {
		t.Errorf("access token refresh err = %v, want ErrTokenRejected", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	kiosk, _ := Issue("gate-1", RoleKiosk, testConfig)
	admin, _ := Issue("office", RoleAdmin, testConfig)

	r := gin.New()
	r.GET("/admin", Bearer(testConfig), RequireRole(RoleAdmin), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"refresh token", "Bearer " + admin.RefreshToken, http.StatusUnauthorized},
		{"kiosk role", "Bearer " + kiosk.AccessToken, http.StatusForbidden},
		{"admin role", "Bearer " + admin.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
