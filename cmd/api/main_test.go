package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/config"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

func TestDefaultSchedule(t *testing.T) {
	cfg := config.App{DefaultEntry: "06:45", DefaultLate: "07:15", DefaultExit: "14:00", DefaultTolerance: 10}
	s := defaultSchedule(cfg)
	if s.Entry != schedule.MustClock("06:45") || s.LateThreshold != schedule.MustClock("07:15") ||
		s.Exit != schedule.MustClock("14:00") || s.ToleranceMinutes != 10 {
		t.Errorf("defaultSchedule = %+v", s)
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(securityHeaders())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers = %v", w.Header())
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set outside release mode")
	}
}
