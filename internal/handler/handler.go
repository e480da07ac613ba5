package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/checkin"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/cloudinary"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/faceclient"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/queue"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
)

// ProvisionKeyHeader carries the shared secret that lets a device register.
const ProvisionKeyHeader = "X-Provision-Key"

// Detector turns an image into a face detection.
type Detector interface {
	Detect(ctx context.Context, imageURL string) (recognition.Detection, error)
}

// Uploader stores enrollment photos and returns their public URL.
type Uploader interface {
	UploadBase64(ctx context.Context, data, publicID string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error)
}

// Deps is everything the HTTP layer calls into.
type Deps struct {
	Service   *checkin.Service
	Ledger    *attendance.Ledger
	Schedules *schedule.Registry
	Issuer    *auth.Issuer
	Face      Detector
	Cloud     Uploader // nil if Cloudinary is not configured
	Jobs      queue.Queue

	KioskProvisionKey string
	AdminProvisionKey string

	// Checks are reported by /healthz; any failure makes it return 503.
	Checks map[string]func(context.Context) error
	Now    func() time.Time
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	registerValidators()
	return &Handler{Deps: d}
}

var validatorsOnce sync.Once

// registerValidators adds the "clock" rule to gin's validator.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			log.Printf("handler: binding engine is %T, clock rule not registered", binding.Validator.Engine())
			return
		}
		if err := v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
			_, err := schedule.ParseClock(fl.Field().String())
			return err == nil
		}); err != nil {
			panic(fmt.Sprintf("register clock validator: %v", err))
		}
	})
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.POST("/kiosks/register", h.RegisterKiosk)
	v1.POST("/auth/refresh", h.Refresh)

	authed := v1.Group("", auth.Bearer(h.Issuer.Config()))

	kiosk := authed.Group("", auth.RequireRole(auth.RoleKiosk, auth.RoleAdmin))
	kiosk.POST("/recognize", h.Recognize)
	kiosk.POST("/recognize/image", h.RecognizeImage)
	kiosk.GET("/schedule", h.GetSchedule)
	kiosk.GET("/attendance", h.ListAttendance)

	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/enroll", h.Enroll)
	admin.POST("/enroll/photo", h.EnrollPhoto)
	admin.PUT("/schedule", h.ReplaceSchedule)
	admin.PUT("/identities/:id", h.SaveIdentity)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			log.Printf("healthz: %s: %v", name, err)
			checks[name] = false
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = true
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// ---------- Kiosk auth ----------

type registerRequest struct {
	KioskID string    `json:"kiosk_id" binding:"required,max=64"`
	Role    auth.Role `json:"role" binding:"omitempty,oneof=kiosk admin"`
}

func (h *Handler) RegisterKiosk(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleKiosk
	}
	want := h.KioskProvisionKey
	if req.Role == auth.RoleAdmin {
		want = h.AdminProvisionKey
	}
	got := c.GetHeader(ProvisionKeyHeader)
	if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid provision key"})
		return
	}

	pair, err := h.Issuer.Provision(c.Request.Context(), req.KioskID, req.Role)
	if err != nil {
		serverError(c, "kiosk provision", err)
		return
	}
	c.JSON(http.StatusCreated, tokenResponse(pair))
}

func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pair, err := h.Issuer.Refresh(c.Request.Context(), req.RefreshToken)
	if errors.Is(err, auth.ErrTokenRejected) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token rejected"})
		return
	}
	if err != nil {
		serverError(c, "token refresh", err)
		return
	}
	c.JSON(http.StatusOK, tokenResponse(pair))
}

func tokenResponse(p auth.TokenPair) gin.H {
	return gin.H{
		"access_token":  p.AccessToken,
		"refresh_token": p.RefreshToken,
		"expires_at":    p.AccessExp.Unix(),
	}
}

// ---------- Recognition ----------

type detectionRequest struct {
	Descriptor recognition.Descriptor `json:"descriptor" binding:"required"`
	Box        recognition.Box        `json:"box"`
	Score      float64                `json:"score" binding:"gte=0,lte=1"`
}

func (r detectionRequest) detection() recognition.Detection {
	return recognition.Detection{Descriptor: r.Descriptor, Box: r.Box, Score: r.Score}
}

type recognizeRequest struct {
	detectionRequest
	At *time.Time `json:"at"`
}

func (h *Handler) Recognize(c *gin.Context) {
	var req recognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	arrival := h.Now()
	if req.At != nil {
		arrival = *req.At
	}
	h.checkIn(c, req.detection(), arrival)
}

func (h *Handler) RecognizeImage(c *gin.Context) {
	var req struct {
		ImageURL string     `json:"image_url" binding:"required,url"`
		At       *time.Time `json:"at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	det, ok := h.detect(c, req.ImageURL)
	if !ok {
		return
	}
	arrival := h.Now()
	if req.At != nil {
		arrival = *req.At
	}
	h.checkIn(c, det, arrival)
}

func (h *Handler) checkIn(c *gin.Context, det recognition.Detection, arrival time.Time) {
	claims, _ := auth.ClaimsFrom(c)
	out, err := h.Service.RecognizeAndCheckIn(c.Request.Context(), det, arrival, claims.Subject)
	if errors.Is(err, recognition.ErrDimensionMismatch) {
		badRequest(c, err)
		return
	}
	if err != nil {
		serverError(c, "check-in", err)
		return
	}

	switch out.Status {
	case checkin.StatusRejected:
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "face quality too low",
			"reason": out.Reason,
			"status": out.Status,
		})
	case checkin.StatusPresent, checkin.StatusLate:
		c.JSON(http.StatusCreated, out)
	default:
		c.JSON(http.StatusOK, out)
	}
}

// detect writes the error response itself and reports false when no usable
// face came back.
func (h *Handler) detect(c *gin.Context, imageURL string) (recognition.Detection, bool) {
	if h.Face == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "face service not configured"})
		return recognition.Detection{}, false
	}
	det, err := h.Face.Detect(c.Request.Context(), imageURL)
	switch {
	case errors.Is(err, faceclient.ErrNoFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": "no_face"})
		return det, false
	case errors.Is(err, faceclient.ErrMultipleFaces):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": "multiple_faces"})
		return det, false
	case err != nil:
		log.Printf("face detect %s: %v", imageURL, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "face service failed"})
		return det, false
	}
	return det, true
}

// ---------- Enrollment ----------

type enrollRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
	detectionRequest
}

func (h *Handler) Enroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.Service.Enroll(c.Request.Context(), req.IdentityID, req.detection())
	switch {
	case errors.Is(err, recognition.ErrUnknownIdentity):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	case errors.Is(err, recognition.ErrDimensionMismatch):
		badRequest(c, err)
		return
	case err != nil:
		serverError(c, "enroll", err)
		return
	}
	if !res.Accepted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "face quality too low", "reason": res.Reason})
		return
	}
	c.JSON(http.StatusCreated, res)
}

// EnrollPhoto uploads a photo and queues it for the worker. It accepts a
// multipart form (identity_id, photo) or JSON {"identity_id", "data"} with
// a base64 data URL.
func (h *Handler) EnrollPhoto(c *gin.Context) {
	if h.Cloud == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}

	var identityID string
	var upload func(ctx context.Context) (*cloudinary.UploadResult, error)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		identityID = c.PostForm("identity_id")
		file, header, err := c.Request.FormFile("photo")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read photo"})
			return
		}
		upload = func(ctx context.Context) (*cloudinary.UploadResult, error) {
			return h.Cloud.UploadBytes(ctx, data, header.Filename, identityID)
		}
	} else {
		var body struct {
			IdentityID string `json:"identity_id" binding:"required"`
			Data       string `json:"data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
		identityID = body.IdentityID
		upload = func(ctx context.Context) (*cloudinary.UploadResult, error) {
			return h.Cloud.UploadBase64(ctx, body.Data, identityID)
		}
	}
	if identityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity_id is required"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Service.Identity(ctx, identityID); err != nil {
		if errors.Is(err, recognition.ErrUnknownIdentity) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
			return
		}
		serverError(c, "enroll photo", err)
		return
	}

	uploaded, err := upload(ctx)
	if err != nil {
		log.Printf("cloudinary upload failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}

	job, err := queue.NewJob(queue.KindEnrollPhoto, queue.EnrollPhoto{IdentityID: identityID, ImageURL: uploaded.SecureURL})
	if err != nil {
		serverError(c, "enroll photo", err)
		return
	}
	if err := h.Jobs.Publish(ctx, job); err != nil {
		log.Printf("queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enrollment queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "identity_id": identityID, "image_url": uploaded.SecureURL})
}

// ---------- Identities ----------

func (h *Handler) SaveIdentity(c *gin.Context) {
	var req struct {
		Name string           `json:"name" binding:"required,max=200"`
		Role recognition.Role `json:"role" binding:"omitempty,oneof=student teacher"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ident, err := h.Service.SaveIdentity(c.Request.Context(), recognition.Identity{ID: c.Param("id"), Name: req.Name, Role: req.Role})
	if errors.Is(err, checkin.ErrInvalidIdentity) {
		badRequest(c, err)
		return
	}
	if err != nil {
		serverError(c, "save identity", err)
		return
	}
	c.JSON(http.StatusOK, ident)
}

// ---------- Schedule ----------

func (h *Handler) GetSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.Schedules.Active())
}

type scheduleRequest struct {
	Name             string `json:"name" binding:"required,max=100"`
	Entry            string `json:"entry_time" binding:"required,clock"`
	LateThreshold    string `json:"late_threshold_time" binding:"required,clock"`
	Exit             string `json:"exit_time" binding:"required,clock"`
	ToleranceMinutes int    `json:"tolerance_minutes" binding:"gte=0,lte=240"`
}

func (r scheduleRequest) schedule() (schedule.Schedule, error) {
	s := schedule.Schedule{Name: r.Name, ToleranceMinutes: r.ToleranceMinutes}
	var err error
	if s.Entry, err = schedule.ParseClock(r.Entry); err != nil {
		return schedule.Schedule{}, fmt.Errorf("entry_time: %w", err)
	}
	if s.LateThreshold, err = schedule.ParseClock(r.LateThreshold); err != nil {
		return schedule.Schedule{}, fmt.Errorf("late_threshold_time: %w", err)
	}
	if s.Exit, err = schedule.ParseClock(r.Exit); err != nil {
		return schedule.Schedule{}, fmt.Errorf("exit_time: %w", err)
	}
	return s, nil
}

func (h *Handler) ReplaceSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := req.schedule()
	if err != nil {
		badRequest(c, err)
		return
	}
	stored, err := h.Schedules.Replace(c.Request.Context(), s)
	if errors.Is(err, schedule.ErrInvalidSchedule) {
		badRequest(c, err)
		return
	}
	if err != nil {
		serverError(c, "replace schedule", err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// ---------- Attendance ----------

type attendanceQuery struct {
	IdentityID string `form:"identity_id"`
	From       string `form:"from" binding:"omitempty,datetime=2006-01-02"`
	To         string `form:"to" binding:"omitempty,datetime=2006-01-02"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
}

func (h *Handler) ListAttendance(c *gin.Context) {
	var q attendanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	records, err := h.Ledger.List(c.Request.Context(), attendance.Filter{
		IdentityID: q.IdentityID,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		serverError(c, "list attendance", err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ---------- helpers ----------

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func serverError(c *gin.Context, op string, err error) {
	log.Printf("%s failed: %v", op, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
}
