// Package worker processes background enrollment jobs.
package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/checkin"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/queue"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
)

// Detector turns an image into a face detection.
type Detector interface {
	Detect(ctx context.Context, imageURL string) (recognition.Detection, error)
}

// Enroller stores an accepted detection for an identity.
type Enroller interface {
	Enroll(ctx context.Context, identityID string, det recognition.Detection) (checkin.EnrollResult, error)
}

// Worker enrolls uploaded photos.
type Worker struct {
	jobs queue.Queue
	face Detector
	svc  Enroller
}

func New(jobs queue.Queue, face Detector, svc Enroller) *Worker {
	return &Worker{jobs: jobs, face: face, svc: svc}
}

// Run consumes jobs until ctx is done. A failed job is logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	jobs, err := w.jobs.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}

	log.Println("worker started, waiting for jobs...")
	for job := range jobs {
		if job.Kind != queue.KindEnrollPhoto {
			log.Printf("job %s: unknown kind %q, skipping", job.ID, job.Kind)
			continue
		}
		res, err := w.enrollPhoto(ctx, job)
		if err != nil {
			log.Printf("job %s failed: %v", job.ID, err)
			continue
		}
		if !res.Accepted {
			log.Printf("job %s: photo rejected (%s)", job.ID, res.Reason)
			continue
		}
		log.Printf("job %s: enrolled descriptor %s", job.ID, res.Descriptor.ID)
	}
	log.Println("worker stopped")
	return nil
}

func (w *Worker) enrollPhoto(ctx context.Context, job queue.Job) (checkin.EnrollResult, error) {
	var p queue.EnrollPhoto
	if err := job.Decode(&p); err != nil {
		return checkin.EnrollResult{}, err
	}
	log.Printf("processing enrollment of %s from %s", p.IdentityID, p.ImageURL)

	det, err := w.face.Detect(ctx, p.ImageURL)
	if err != nil {
		return checkin.EnrollResult{}, fmt.Errorf("face detect: %w", err)
	}
	log.Printf("job %s: face %dx%d, confidence %.2f", job.ID, det.Box.Width, det.Box.Height, det.Score)

	res, err := w.svc.Enroll(ctx, p.IdentityID, det)
	if err != nil {
		return checkin.EnrollResult{}, fmt.Errorf("enroll %s: %w", p.IdentityID, err)
	}
	return res, nil
}
