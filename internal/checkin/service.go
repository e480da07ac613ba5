// Package checkin runs a detection through the quality gate and the matcher
// and records the resulting arrival in the attendance ledger.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/metrics"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
)

// ErrInvalidIdentity is returned when an identity cannot be saved as given.
var ErrInvalidIdentity = errors.New("invalid identity")

// Status is the outcome reported to the kiosk.
type Status string

const (
	StatusMatched         Status = "matched"
	StatusPresent         Status = "present"
	StatusLate            Status = "late"
	StatusAlreadyRecorded Status = "already_recorded"
	StatusNoMatch         Status = "no_match"
	StatusAmbiguous       Status = "ambiguous"
	StatusRejected        Status = "rejected"
)

// Outcome describes what happened to one detection.
type Outcome struct {
	Status     Status             `json:"status"`
	IdentityID string             `json:"identity_id,omitempty"`
	Name       string             `json:"name,omitempty"`
	Confidence float64            `json:"confidence"`
	Distance   *float64           `json:"distance,omitempty"`
	Reason     recognition.Reason `json:"reason,omitempty"`
	Record     *attendance.Record `json:"record,omitempty"`

	descriptorID string
}

// EnrollResult reports a descriptor enrollment.
type EnrollResult struct {
	Accepted   bool                        `json:"accepted"`
	Reason     recognition.Reason          `json:"reason,omitempty"`
	Descriptor *recognition.FaceDescriptor `json:"descriptor,omitempty"`
}

// Identities is the identity and descriptor storage the service writes to.
type Identities interface {
	Identity(ctx context.Context, id string) (recognition.Identity, error)
	UpsertIdentity(ctx context.Context, ident recognition.Identity) (recognition.Identity, error)
	AddDescriptor(ctx context.Context, identityID string, d recognition.Descriptor) (recognition.FaceDescriptor, error)
}

// Service wires the gate, matcher, gallery and ledger together.
type Service struct {
	gate       recognition.Gate
	matcher    *recognition.Matcher
	gallery    *recognition.Gallery
	identities Identities
	ledger     *attendance.Ledger
}

// NewService builds a Service. The gallery is not loaded; call Reload.
func NewService(gate recognition.Gate, matcher *recognition.Matcher, gallery *recognition.Gallery, identities Identities, ledger *attendance.Ledger) *Service {
	return &Service{gate: gate, matcher: matcher, gallery: gallery, identities: identities, ledger: ledger}
}

// Reload rebuilds the matching gallery from storage.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.gallery.Reload(ctx); err != nil {
		return err
	}
	metrics.GallerySize.Set(float64(s.gallery.Len()))
	return nil
}

// Identity looks up a registered identity.
func (s *Service) Identity(ctx context.Context, id string) (recognition.Identity, error) {
	return s.identities.Identity(ctx, id)
}

// SaveIdentity creates or renames an identity. Enrollment state is kept.
func (s *Service) SaveIdentity(ctx context.Context, ident recognition.Identity) (recognition.Identity, error) {
	ident.ID = strings.TrimSpace(ident.ID)
	ident.Name = strings.TrimSpace(ident.Name)
	if ident.Role == "" {
		ident.Role = recognition.RoleStudent
	}
	switch {
	case ident.ID == "":
		return recognition.Identity{}, fmt.Errorf("%w: id required", ErrInvalidIdentity)
	case ident.Name == "":
		return recognition.Identity{}, fmt.Errorf("%w: name required", ErrInvalidIdentity)
	case !ident.Role.Valid():
		return recognition.Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidIdentity, ident.Role)
	}
	saved, err := s.identities.UpsertIdentity(ctx, ident)
	if err != nil {
		return recognition.Identity{}, fmt.Errorf("save identity: %w", err)
	}
	return saved, nil
}

// Enroll stores the descriptor of an accepted detection for identityID and
// makes it matchable immediately. A rejected detection stores nothing.
func (s *Service) Enroll(ctx context.Context, identityID string, det recognition.Detection) (EnrollResult, error) {
	if v := s.gate.Validate(det); !v.Accept {
		metrics.QualityRejects.WithLabelValues(string(v.Reason)).Inc()
		metrics.Enrollments.WithLabelValues("rejected").Inc()
		return EnrollResult{Reason: v.Reason}, nil
	}
	if err := det.Descriptor.Validate(); err != nil {
		return EnrollResult{}, err
	}
	if _, err := s.identities.Identity(ctx, identityID); err != nil {
		return EnrollResult{}, err
	}

	fd, err := s.identities.AddDescriptor(ctx, identityID, det.Descriptor)
	if err != nil {
		metrics.Enrollments.WithLabelValues("error").Inc()
		return EnrollResult{}, fmt.Errorf("store descriptor: %w", err)
	}
	metrics.Enrollments.WithLabelValues("stored").Inc()
	log.Printf("checkin: enrolled descriptor %s for %s (primary=%v)", fd.ID, identityID, fd.Primary)

	if err := s.Reload(ctx); err != nil {
		// The periodic refresh picks the descriptor up later.
		log.Printf("checkin: gallery reload after enrollment failed: %v", err)
	}
	return EnrollResult{Accepted: true, Descriptor: &fd}, nil
}

// Recognize identifies the person in det without recording anything.
// A malformed descriptor is an error; every other result is an outcome.
func (s *Service) Recognize(ctx context.Context, det recognition.Detection) (Outcome, error) {
	if v := s.gate.Validate(det); !v.Accept {
		metrics.QualityRejects.WithLabelValues(string(v.Reason)).Inc()
		metrics.Recognitions.WithLabelValues(string(StatusRejected)).Inc()
		return Outcome{Status: StatusRejected, Reason: v.Reason}, nil
	}

	res, err := s.matcher.Match(det.Descriptor, s.gallery.Entries())
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: StatusNoMatch}
	if !math.IsInf(res.Distance, 1) {
		d := res.Distance
		out.Distance = &d
		metrics.MatchDistance.Observe(d)
	}
	switch {
	case res.Ambiguous:
		out.Status = StatusAmbiguous
	case res.Accepted:
		ident, err := s.identities.Identity(ctx, res.IdentityID)
		switch {
		case errors.Is(err, recognition.ErrUnknownIdentity):
			log.Printf("checkin: matched descriptor of removed identity %s", res.IdentityID)
		case err != nil:
			return Outcome{}, fmt.Errorf("lookup identity: %w", err)
		default:
			out.Status = StatusMatched
			out.IdentityID = ident.ID
			out.Name = ident.Name
			out.Confidence = res.Confidence
			out.descriptorID = res.DescriptorID
		}
	}
	metrics.Recognitions.WithLabelValues(string(out.Status)).Inc()
	return out, nil
}

// RecognizeAndCheckIn identifies the person in det and records their arrival.
// The outcome status is present or late for a new record, already_recorded
// when the day's record exists, and the recognition outcome otherwise.
func (s *Service) RecognizeAndCheckIn(ctx context.Context, det recognition.Detection, arrival time.Time, kioskID string) (Outcome, error) {
	out, err := s.Recognize(ctx, det)
	if err != nil || out.Status != StatusMatched {
		return out, err
	}

	meta := attendance.Metadata{
		"confidence":    out.Confidence,
		"descriptor_id": out.descriptorID,
	}
	if out.Distance != nil {
		meta["distance"] = *out.Distance
	}
	if kioskID != "" {
		meta["kiosk_id"] = kioskID
	}

	res, err := s.ledger.CheckIn(ctx, out.IdentityID, arrival, meta)
	if err != nil {
		metrics.CheckIns.WithLabelValues("error").Inc()
		return Outcome{}, err
	}
	rec := res.Record
	out.Record = &rec
	if res.Created {
		metrics.CheckIns.WithLabelValues("created").Inc()
		out.Status = Status(rec.Status)
	} else {
		metrics.CheckIns.WithLabelValues(string(StatusAlreadyRecorded)).Inc()
		out.Status = StatusAlreadyRecorded
	}
	return out, nil
}
