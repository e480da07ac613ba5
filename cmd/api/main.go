package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/checkin"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/cloudinary"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/config"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/faceclient"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/handler"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/httpmiddleware"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/queue"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/store"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/worker"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("store backend: %s", cfg.StoreBackend)

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
	}

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	} else {
		q = queue.NewInMemory(64)
	}

	var limiter httpmiddleware.Limiter
	var buckets *httpmiddleware.TokenBucket
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	} else {
		buckets = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
		limiter = buckets
	}

	loc := cfg.Location()
	registry := schedule.NewRegistry(db, defaultSchedule(cfg))
	if err := registry.Load(ctx); err != nil {
		log.Printf("warning: schedule not loaded: %v", err)
	}
	ledger := attendance.NewLedger(db, registry, loc, cfg.WriteTimeout)
	svc := checkin.NewService(
		recognition.NewGate(int(cfg.MinFaceArea), cfg.MinDetectionScore),
		recognition.NewMatcher(cfg.MatchThreshold, cfg.AmbiguityMargin),
		recognition.NewGallery(db),
		db,
		ledger,
	)
	if err := svc.Reload(ctx); err != nil {
		log.Printf("warning: descriptor gallery not loaded: %v", err)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	// Cloudinary client (nil when not configured)
	var cloud handler.Uploader
	if cfg.CloudinaryEnabled() {
		cloud = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	// An in-memory queue is only visible to this process, so consume it here.
	if cfg.QueueBackend != "redis" {
		go func() {
			if err := worker.New(q, face, svc).Run(ctx); err != nil {
				log.Printf("in-process worker: %v", err)
			}
		}()
	}

	scheduler := gocron.NewScheduler(loc)
	scheduler.SingletonModeAll()
	if _, err := scheduler.Every(cfg.RefreshInterval).WaitForSchedule().Do(func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := svc.Reload(refreshCtx); err != nil {
			log.Printf("gallery refresh failed: %v", err)
		}
		if err := registry.Load(refreshCtx); err != nil {
			log.Printf("schedule refresh failed: %v", err)
		}
		if buckets != nil {
			if n := buckets.Prune(); n > 0 {
				log.Printf("ratelimit: dropped %d idle buckets", n)
			}
		}
	}); err != nil {
		return err
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	checks := map[string]func(context.Context) error{
		"db":   db.Ping,
		"face": face.Health,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Client.Ping(ctx).Err() }
	}

	h := handler.New(handler.Deps{
		Service:           svc,
		Ledger:            ledger,
		Schedules:         registry,
		Issuer:            auth.NewIssuer(db, auth.Config{Issuer: cfg.JWTIssuer, SigningKey: cfg.JWTSigningKey, AccessTTL: cfg.AccessTTL, RefreshTTL: cfg.RefreshTTL}),
		Face:              face,
		Cloud:             cloud,
		Jobs:              q,
		KioskProvisionKey: cfg.KioskProvisionKey,
		AdminProvisionKey: cfg.AdminProvisionKey,
		Checks:            checks,
	})

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", handler.ProvisionKeyHeader},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.RateLimit(limiter))

	h.Routes(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func defaultSchedule(cfg config.App) schedule.Schedule {
	s := schedule.Schedule{Name: "default", ToleranceMinutes: cfg.DefaultTolerance}
	var err error
	if s.Entry, err = schedule.ParseClock(cfg.DefaultEntry); err != nil {
		log.Fatalf("DEFAULT_ENTRY_TIME: %v", err)
	}
	if s.LateThreshold, err = schedule.ParseClock(cfg.DefaultLate); err != nil {
		log.Fatalf("DEFAULT_LATE_TIME: %v", err)
	}
	if s.Exit, err = schedule.ParseClock(cfg.DefaultExit); err != nil {
		log.Fatalf("DEFAULT_EXIT_TIME: %v", err)
	}
	if err := s.Validate(); err != nil {
		log.Fatalf("default schedule: %v", err)
	}
	return s
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
