package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/attendance"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/auth"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/checkin"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/cloudinary"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/faceclient"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/queue"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/schedule"
	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/store"
)

var wib = time.FixedZone("WIB", 7*3600)

type fakeDetector map[string]recognition.Detection

func (f fakeDetector) Detect(_ context.Context, url string) (recognition.Detection, error) {
	det, ok := f[url]
	if !ok {
		return recognition.Detection{}, faceclient.ErrNoFace
	}
	return det, nil
}

type fakeUploader struct{ uploads int }

func (f *fakeUploader) UploadBase64(_ context.Context, _, publicID string) (*cloudinary.UploadResult, error) {
	f.uploads++
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://res.example/" + publicID + ".jpg"}, nil
}

func (f *fakeUploader) UploadBytes(_ context.Context, _ []byte, _, publicID string) (*cloudinary.UploadResult, error) {
	return f.UploadBase64(context.Background(), "", publicID)
}

type testServer struct {
	router *gin.Engine
	jobs   *queue.InMemory
	cloud  *fakeUploader
	admin  string
	kiosk  string
}

func vec(axis int, v float32) []float32 {
	d := make([]float32, recognition.DescriptorLength)
	d[axis] = v
	return d
}

func newTestServer(t *testing.T, checks map[string]func(context.Context) error) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	reg := schedule.NewRegistry(mem, schedule.Schedule{
		Name:          "default",
		Entry:         schedule.MustClock("07:00"),
		LateThreshold: schedule.MustClock("07:30"),
		Exit:          schedule.MustClock("15:00"),
	})
	ledger := attendance.NewLedger(mem, reg, wib, time.Second)
	svc := checkin.NewService(recognition.NewGate(0, 0), recognition.NewMatcher(0.6, 0), recognition.NewGallery(mem), mem, ledger)
	issuer := auth.NewIssuer(mem, auth.Config{Issuer: "test", SigningKey: "secret", AccessTTL: time.Minute, RefreshTTL: time.Hour})

	ts := &testServer{jobs: queue.NewInMemory(4), cloud: &fakeUploader{}}
	h := New(Deps{
		Service:   svc,
		Ledger:    ledger,
		Schedules: reg,
		Issuer:    issuer,
		Face: fakeDetector{
			"https://img.example/siti.jpg": {Descriptor: vec(0, 1), Box: recognition.Box{Width: 150, Height: 150}, Score: 0.9},
		},
		Cloud:             ts.cloud,
		Jobs:              ts.jobs,
		KioskProvisionKey: "kiosk-key",
		AdminProvisionKey: "admin-key",
		Checks:            checks,
		Now:               func() time.Time { return time.Date(2026, 10, 14, 7, 10, 0, 0, wib) },
	})
	ts.router = gin.New()
	h.Routes(ts.router)

	ts.admin = ts.register(t, "office", "admin", "admin-key")["access_token"].(string)
	ts.kiosk = ts.register(t, "gate-1", "kiosk", "kiosk-key")["access_token"].(string)
	return ts
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) register(t *testing.T, kioskID, role, key string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]string{"kiosk_id": kioskID, "role": role})
	req := httptest.NewRequest(http.MethodPost, "/v1/kiosks/register", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ProvisionKeyHeader, key)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", kioskID, w.Code, w.Body)
	}
	return decode(t, w)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body, err)
	}
	return out
}

func face(d []float32) map[string]any {
	return map[string]any{"descriptor": d, "box": map[string]int{"width": 120, "height": 120}, "score": 0.92}
}

func (ts *testServer) enrollSiti(t *testing.T) {
	t.Helper()
	if w := ts.do(http.MethodPut, "/v1/identities/S001", ts.admin, map[string]string{"name": "Siti"}); w.Code != http.StatusOK {
		t.Fatalf("save identity: %d %s", w.Code, w.Body)
	}
	body := face(vec(0, 1))
	body["identity_id"] = "S001"
	if w := ts.do(http.MethodPost, "/v1/enroll", ts.admin, body); w.Code != http.StatusCreated {
		t.Fatalf("enroll: %d %s", w.Code, w.Body)
	}
}

func TestRegisterKioskKeys(t *testing.T) {
	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]string{"kiosk_id": "gate-2", "role": "admin"})
	req := httptest.NewRequest(http.MethodPost, "/v1/kiosks/register", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ProvisionKeyHeader, "kiosk-key")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("admin with kiosk key: status %d, want 401", w.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/v1/schedule", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/v1/schedule", "not-a-jwt", http.StatusUnauthorized},
		{"kiosk reads schedule", http.MethodGet, "/v1/schedule", ts.kiosk, http.StatusOK},
		{"kiosk cannot enroll", http.MethodPost, "/v1/enroll", ts.kiosk, http.StatusForbidden},
		{"kiosk cannot replace schedule", http.MethodPut, "/v1/schedule", ts.kiosk, http.StatusForbidden},
		{"admin reads schedule", http.MethodGet, "/v1/schedule", ts.admin, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(tt.method, tt.path, tt.token, map[string]any{}); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRecognizeStatusMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.enrollSiti(t)

	small := face(vec(0, 1))
	small["box"] = map[string]int{"width": 40, "height": 40}
	onTime := face(vec(0, 1))
	onTime["at"] = "2026-10-14T07:24:00+07:00"

	tests := []struct {
		name       string
		body       map[string]any
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{"too small", small, http.StatusUnprocessableEntity, "rejected", "too_small"},
		{"first arrival", onTime, http.StatusCreated, "present", ""},
		{"second arrival", face(vec(0, 1)), http.StatusOK, "already_recorded", ""},
		{"stranger", face(vec(9, 1)), http.StatusOK, "no_match", ""},
		{"short descriptor", face([]float32{0.1, 0.2}), http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/v1/recognize", ts.kiosk, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body)
			}
			out := decode(t, w)
			if tt.wantStatus != "" && out["status"] != tt.wantStatus {
				t.Errorf("status field = %v, want %s", out["status"], tt.wantStatus)
			}
			if tt.wantReason != "" && out["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %s", out["reason"], tt.wantReason)
			}
		})
	}

	w := ts.do(http.MethodGet, "/v1/attendance?identity_id=S001", ts.kiosk, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body)
	}
	records := decode(t, w)["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("records = %v, want 1", records)
	}
	rec := records[0].(map[string]any)
	if rec["date"] != "2026-10-14" || rec["status"] != "present" || rec["method"] != "face_recognition" {
		t.Errorf("record = %v", rec)
	}
}

func TestRecognizeImage(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.enrollSiti(t)

	w := ts.do(http.MethodPost, "/v1/recognize/image", ts.kiosk, map[string]string{"image_url": "https://img.example/siti.jpg"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	if out := decode(t, w); out["identity_id"] != "S001" || out["name"] != "Siti" {
		t.Errorf("outcome = %v", out)
	}

	w = ts.do(http.MethodPost, "/v1/recognize/image", ts.kiosk, map[string]string{"image_url": "https://img.example/empty.jpg"})
	if w.Code != http.StatusUnprocessableEntity || decode(t, w)["reason"] != "no_face" {
		t.Errorf("empty image: %d %s", w.Code, w.Body)
	}
}

func TestEnrollErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	body := face(vec(0, 1))
	body["identity_id"] = "ghost"
	if w := ts.do(http.MethodPost, "/v1/enroll", ts.admin, body); w.Code != http.StatusNotFound {
		t.Errorf("unknown identity: %d, want 404", w.Code)
	}
	if w := ts.do(http.MethodPut, "/v1/identities/S002", ts.admin, map[string]string{"name": "Budi", "role": "janitor"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad role: %d, want 400", w.Code)
	}
}

func TestScheduleReplace(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"late before entry", map[string]any{"name": "bad", "entry_time": "08:00", "late_threshold_time": "07:30", "exit_time": "15:00"}, http.StatusBadRequest},
		{"not a clock", map[string]any{"name": "bad", "entry_time": "7am", "late_threshold_time": "07:30", "exit_time": "15:00"}, http.StatusBadRequest},
		{"negative tolerance", map[string]any{"name": "bad", "entry_time": "07:00", "late_threshold_time": "07:30", "exit_time": "15:00", "tolerance_minutes": -1}, http.StatusBadRequest},
		{"valid", map[string]any{"name": "exam week", "entry_time": "07:00", "late_threshold_time": "07:30", "exit_time": "12:00", "tolerance_minutes": 5}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(http.MethodPut, "/v1/schedule", ts.admin, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}

	out := decode(t, ts.do(http.MethodGet, "/v1/schedule", ts.kiosk, nil))
	if out["name"] != "exam week" || out["exit_time"] != "12:00" || out["tolerance_minutes"] != float64(5) {
		t.Errorf("active schedule = %v", out)
	}
}

func TestScheduleRequestClocks(t *testing.T) {
	registerValidators()
	good := scheduleRequest{Name: "regular", Entry: "07:00", LateThreshold: "07:30", Exit: "15:00"}
	if err := binding.Validator.ValidateStruct(good); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	s, err := good.schedule()
	if err != nil || s.LateThreshold != schedule.MustClock("07:30") {
		t.Fatalf("schedule() = %+v, %v", s, err)
	}

	tests := []struct {
		name  string
		req   scheduleRequest
		field string
	}{
		{"entry", scheduleRequest{Name: "x", Entry: "7am", LateThreshold: "07:30", Exit: "15:00"}, "entry_time"},
		{"late", scheduleRequest{Name: "x", Entry: "07:00", LateThreshold: "half past", Exit: "15:00"}, "late_threshold_time"},
		{"exit", scheduleRequest{Name: "x", Entry: "07:00", LateThreshold: "07:30", Exit: "25:00"}, "exit_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := binding.Validator.ValidateStruct(tt.req); err == nil || !strings.Contains(err.Error(), "clock") {
				t.Errorf("clock rule did not run: %v", err)
			}
			if _, err := tt.req.schedule(); err == nil || !strings.Contains(err.Error(), tt.field) {
				t.Errorf("schedule() err = %v, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestListAttendanceValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, q := range []string{"from=14-10-2026", "to=yesterday", "limit=1000", "offset=-1"} {
		if w := ts.do(http.MethodGet, "/v1/attendance?"+q, ts.kiosk, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, w.Code)
		}
	}
	w := ts.do(http.MethodGet, "/v1/attendance?from=2026-10-01&to=2026-10-31", ts.kiosk, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if recs := decode(t, w)["records"].([]any); len(recs) != 0 {
		t.Errorf("records = %v, want empty", recs)
	}
}

func TestRefreshRotation(t *testing.T) {
	ts := newTestServer(t, nil)
	tokens := ts.register(t, "gate-9", "kiosk", "kiosk-key")
	refresh := tokens["refresh_token"].(string)

	w := ts.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body)
	}
	if decode(t, w)["access_token"] == "" {
		t.Error("no access token")
	}
	if w := ts.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refresh}); w.Code != http.StatusUnauthorized {
		t.Errorf("reused refresh token: %d, want 401", w.Code)
	}
	if w := ts.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": ts.kiosk}); w.Code != http.StatusUnauthorized {
		t.Errorf("access token as refresh: %d, want 401", w.Code)
	}
}

func TestEnrollPhotoQueuesJob(t *testing.T) {
	ts := newTestServer(t, nil)
	if w := ts.do(http.MethodPut, "/v1/identities/S001", ts.admin, map[string]string{"name": "Siti"}); w.Code != http.StatusOK {
		t.Fatal(w.Body)
	}

	w := ts.do(http.MethodPost, "/v1/enroll/photo", ts.admin, map[string]string{"identity_id": "S001", "data": "aGVsbG8="})
	if w.Code != http.StatusAccepted {
		t.Fatalf("json upload: %d %s", w.Code, w.Body)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("identity_id", "S001")
	part, _ := mw.CreateFormFile("photo", "siti.jpg")
	_, _ = part.Write([]byte{0xff, 0xd8, 0xff})
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/enroll/photo", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.admin)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("multipart upload: %d %s", rec.Code, rec.Body)
	}

	if w := ts.do(http.MethodPost, "/v1/enroll/photo", ts.admin, map[string]string{"identity_id": "ghost", "data": "aGVsbG8="}); w.Code != http.StatusNotFound {
		t.Errorf("unknown identity: %d, want 404", w.Code)
	}
	if ts.cloud.uploads != 2 {
		t.Errorf("uploads = %d, want 2", ts.cloud.uploads)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	jobs, _ := ts.jobs.Consume(ctx)
	for i := 0; i < 2; i++ {
		select {
		case job := <-jobs:
			var p queue.EnrollPhoto
			if err := job.Decode(&p); err != nil {
				t.Fatal(err)
			}
			if job.Kind != queue.KindEnrollPhoto || p.IdentityID != "S001" || p.ImageURL != "https://res.example/S001.jpg" {
				t.Errorf("job = %+v payload %+v", job, p)
			}
		case <-ctx.Done():
			t.Fatalf("job %d not queued", i+1)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, map[string]func(context.Context) error{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	})
	w := ts.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	checks := decode(t, w)["checks"].(map[string]any)
	if checks["db"] != true || checks["redis"] != false {
		t.Errorf("checks = %v", checks)
	}
}
