package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/checkin"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/config"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/faceclient"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/queue"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/store"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/worker"
)

// Worker consumes enrollment jobs, calls the face service, and stores descriptors.
func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != "redis" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis; the in-memory queue is consumed by the api process")
	}
	if cfg.StoreBackend == "memory" {
		log.Fatalf("worker needs a shared store; STORE_BACKEND=memory is process local")
	}

	db, err := store.Open(ctx, cfg.StoreBackend, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)

	// Enrollment never touches the ledger; the schedule is only needed to build it.
	registry := schedule.NewRegistry(db, schedule.Schedule{Name: "unused"})
	svc := checkin.NewService(
		recognition.NewGate(int(cfg.MinFaceArea), cfg.MinDetectionScore),
		recognition.NewMatcher(cfg.MatchThreshold, cfg.AmbiguityMargin),
		recognition.NewGallery(db),
		db,
		attendance.NewLedger(db, registry, cfg.Location(), cfg.WriteTimeout),
	)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	// Check face service health on startup
	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: Face service not available: %v", err)
			log.Println("Worker will retry face processing when jobs arrive")
		} else {
			log.Println("Face service connected")
		}
	}

	if err := worker.New(q, face, svc).Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
