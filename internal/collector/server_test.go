package collector_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openresearch/studykit/internal/collector"
	"github.com/openresearch/studykit/internal/store"
	"github.com/openresearch/studykit/internal/upload"
)

func setupServer(t *testing.T) (*collector.Server, *store.SQLiteStore) {
	t.Helper()

	s, err := store.Open(t.TempDir() + "/collector.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return collector.New(s, collector.Options{APIKeys: []string{"key-1"}}), s
}

func payload(doc string) upload.Payload {
	return upload.Payload{
		APIKey:   "key-1",
		UserKey:  "sleep-ABC",
		Filename: "study-sleep-sleep-ABC.json",
		Document: []byte(doc),
	}
}

func TestUpload_StoresDocument(t *testing.T) {
	srv, s := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := upload.NewClient(ts.URL+"/upload", ts.Client(), nil)
	res, err := client.Upload(context.Background(), payload(`[{"a":1},{"b":2}]`))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if res.Path != "/uploads/sleep-ABC" {
		t.Errorf("expected path /uploads/sleep-ABC, got %s", res.Path)
	}

	u, err := s.GetUpload(context.Background(), "sleep-ABC")
	if err != nil {
		t.Fatalf("failed to get upload: %v", err)
	}
	if u.StudyID != "sleep" {
		t.Errorf("expected study 'sleep', got %q", u.StudyID)
	}
	if u.Records != 2 {
		t.Errorf("expected 2 records, got %d", u.Records)
	}
	if string(u.Document) != `[{"a":1},{"b":2}]` {
		t.Errorf("unexpected document %s", u.Document)
	}
}

func TestUpload_ResendOverwrites(t *testing.T) {
	srv, s := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := upload.NewClient(ts.URL+"/upload", ts.Client(), nil)
	ctx := context.Background()
	if _, err := client.Upload(ctx, payload(`[{"a":1}]`)); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := client.Upload(ctx, payload(`[{"a":1},{"c":3}]`)); err != nil {
		t.Fatalf("second upload: %v", err)
	}

	n, err := s.CountUploads(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 participant, got %d", n)
	}

	u, err := s.GetUpload(ctx, "sleep-ABC")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Records != 2 || u.UploadCount != 2 {
		t.Errorf("expected 2 records from 2 uploads, got %d records from %d", u.Records, u.UploadCount)
	}
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*upload.Payload)
	}{
		{"wrong api key", func(p *upload.Payload) { p.APIKey = "nope" }},
		{"missing user key", func(p *upload.Payload) { p.UserKey = "" }},
		{"not an array", func(p *upload.Payload) { p.Document = []byte(`{"a":1}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, s := setupServer(t)
			ts := httptest.NewServer(srv.Handler())
			defer ts.Close()

			p := payload(`[{"a":1}]`)
			tt.mutate(&p)
			client := upload.NewClient(ts.URL+"/upload", ts.Client(), nil)
			if _, err := client.Upload(context.Background(), p); err == nil {
				t.Fatal("expected upload to fail")
			}

			n, _ := s.CountUploads(context.Background())
			if n != 0 {
				t.Errorf("expected nothing stored, got %d", n)
			}
		})
	}
}

func TestUpload_NoKeysConfigured(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/collector.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	srv := collector.New(s, collector.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	p := payload(`[]`)
	p.APIKey = ""
	_, err = upload.NewClient(ts.URL+"/upload", ts.Client(), nil).Upload(context.Background(), p)
	if err == nil {
		t.Fatal("expected rejection when no api keys are configured")
	}
}

func TestUpload_RejectsGet(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/upload", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestUpload_RejectedEnvelope(t *testing.T) {
	srv, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := upload.NewRequest(context.Background(), ts.URL+"/upload", upload.Payload{
		APIKey: "nope", UserKey: "u", Filename: "f.json", Document: []byte(`[]`),
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", resp.StatusCode)
	}
	var body struct {
		Result struct {
			Success string `json:"success"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result.Success != "false" {
		t.Errorf("expected success 'false', got %q", body.Result.Success)
	}
}

func TestHealth(t *testing.T) {
	srv, s := setupServer(t)
	if err := s.SaveUpload(context.Background(), &store.Upload{
		UserKey: "u1", StudyID: "sleep", Filename: "f.json", Document: []byte(`[]`),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var health collector.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "ok" || health.UploadsCount != 1 {
		t.Errorf("unexpected health %+v", health)
	}
	if health.DBSizeBytes <= 0 {
		t.Errorf("expected database size, got %d", health.DBSizeBytes)
	}
}

func TestUploads_RequireToken(t *testing.T) {
	srv, s := setupServer(t)
	ctx := context.Background()
	if err := s.SaveUpload(ctx, &store.Upload{
		UserKey: "sleep-ABC", StudyID: "sleep", Filename: "study-sleep-sleep-ABC.json", Document: []byte(`[{"a":1}]`), Records: 1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// No credentials
	req := httptest.NewRequest(http.MethodGet, "/uploads/sleep-ABC", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	// Wrong token
	req = httptest.NewRequest(http.MethodGet, "/uploads/sleep-ABC?token=wrong", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for wrong token, got %d", w.Code)
	}

	// Token in query sets the cookie and redirects
	req = httptest.NewRequest(http.MethodGet, "/uploads/sleep-ABC?token="+srv.Token(), nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); strings.Contains(loc, "token=") {
		t.Errorf("redirect should drop the token, got %s", loc)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}

	// Cookie grants access
	req = httptest.NewRequest(http.MethodGet, "/uploads/sleep-ABC", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != `[{"a":1}]` {
		t.Errorf("unexpected body %s", w.Body.String())
	}

	// Unknown participant
	req = httptest.NewRequest(http.MethodGet, "/uploads/nobody", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestUploads_ListAndDashboard(t *testing.T) {
	srv, s := setupServer(t)
	ctx := context.Background()
	for _, key := range []string{"sleep-A", "sleep-B"} {
		if err := s.SaveUpload(ctx, &store.Upload{
			UserKey: key, StudyID: "sleep", Filename: "study-sleep-" + key + ".json", Document: []byte(`[]`),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	cookie := &http.Cookie{Name: "sk_token", Value: srv.Token()}

	req := httptest.NewRequest(http.MethodGet, "/uploads", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var list struct {
		Uploads []struct {
			UserKey string `json:"user_key"`
			Path    string `json:"path"`
		} `json:"uploads"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Uploads) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(list.Uploads))
	}

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sleep-B") {
		t.Error("dashboard should list participants")
	}
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	srv, _ := setupServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Port 0 picks a free port; a cancelled context shuts down immediately
	if err := srv.ListenAndServe(ctx, false); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("unexpected error: %v", err)
	}
}
