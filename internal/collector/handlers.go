package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openresearch/studykit/internal/store"
	"github.com/openresearch/studykit/internal/upload"
)

type HealthResponse struct {
	Status        string `json:"status"`
	UploadsCount  int    `json:"uploads_count"`
	DBSizeBytes   int64  `json:"db_size_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// sizer is implemented by stores that can report their on-disk size.
type sizer interface {
	SizeBytes(ctx context.Context) (int64, error)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	count, err := s.store.CountUploads(ctx)
	if err != nil {
		s.log.Error("health check failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	if sz, ok := s.store.(sizer); ok {
		if n, err := sz.SizeBytes(ctx); err == nil {
			dbSize = n
		}
	}

	response := HealthResponse{
		Status:        "ok",
		UploadsCount:  count,
		DBSizeBytes:   dbSize,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	writeJSON(w, http.StatusOK, response)
}

// uploadResult is the answer envelope studies parse. Success is the string
// "true" on success; clients treat every other value as a rejection.
type uploadResult struct {
	Result struct {
		Success string `json:"success"`
		Path    string `json:"path,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"result"`
}

func writeUploadResult(w http.ResponseWriter, status int, path, errMsg string) {
	var res uploadResult
	if errMsg == "" {
		res.Result.Success = "true"
		res.Result.Path = path
	} else {
		res.Result.Success = "false"
		res.Result.Error = errMsg
	}
	writeJSON(w, status, res)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		writeUploadResult(w, http.StatusBadRequest, "", "invalid multipart body")
		return
	}

	if !s.validAPIKey(r.FormValue(upload.FieldAPIKey)) {
		s.log.Warn("upload with unknown api key", "remote", r.RemoteAddr)
		writeUploadResult(w, http.StatusUnauthorized, "", "invalid api key")
		return
	}

	userKey := r.FormValue(upload.FieldUserKey)
	if userKey == "" {
		writeUploadResult(w, http.StatusBadRequest, "", "missing user_key")
		return
	}

	file, header, err := r.FormFile(upload.FieldFile)
	if err != nil {
		writeUploadResult(w, http.StatusBadRequest, "", "missing file")
		return
	}
	defer file.Close()

	doc, err := io.ReadAll(file)
	if err != nil {
		writeUploadResult(w, http.StatusBadRequest, "", "failed to read file")
		return
	}

	// The document is always the participant's full history as a JSON array
	var records []json.RawMessage
	if err := json.Unmarshal(doc, &records); err != nil {
		writeUploadResult(w, http.StatusBadRequest, "", "file is not a JSON array")
		return
	}

	u := &store.Upload{
		UserKey:    userKey,
		StudyID:    studyFromFilename(header.Filename, userKey),
		Filename:   header.Filename,
		Document:   doc,
		Records:    len(records),
		ReceivedAt: time.Now(),
	}
	if err := s.store.SaveUpload(r.Context(), u); err != nil {
		s.log.Error("failed to store upload", "user_key", userKey, "error", err)
		writeUploadResult(w, http.StatusInternalServerError, "", "failed to store upload")
		return
	}

	s.log.Info("upload stored",
		"user_key", userKey,
		"study", u.StudyID,
		"records", u.Records,
		"bytes", len(doc),
	)
	writeUploadResult(w, http.StatusOK, documentPath(userKey), "")
}

// studyFromFilename extracts the study ID from "study-<id>-<userKey>.json".
func studyFromFilename(filename, userKey string) string {
	name := strings.TrimPrefix(filename, "study-")
	if name == filename {
		return ""
	}
	suffix := "-" + userKey + ".json"
	if !strings.HasSuffix(name, suffix) {
		return ""
	}
	return strings.TrimSuffix(name, suffix)
}

func documentPath(userKey string) string {
	return "/uploads/" + url.PathEscape(userKey)
}

type uploadSummaryJSON struct {
	UserKey     string `json:"user_key"`
	StudyID     string `json:"study_id,omitempty"`
	Records     int    `json:"records"`
	UploadCount int    `json:"upload_count"`
	Bytes       int    `json:"bytes"`
	ReceivedAt  string `json:"received_at"`
	Path        string `json:"path"`
}

func (s *Server) handleUploadList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uploads, err := s.store.ListUploads(r.Context())
	if err != nil {
		http.Error(w, "Failed to load uploads", http.StatusInternalServerError)
		return
	}

	// Return empty array instead of null
	out := make([]uploadSummaryJSON, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, uploadSummaryJSON{
			UserKey:     u.UserKey,
			StudyID:     u.StudyID,
			Records:     u.Records,
			UploadCount: u.UploadCount,
			Bytes:       u.Bytes,
			ReceivedAt:  u.ReceivedAt.UTC().Format(time.RFC3339),
			Path:        documentPath(u.UserKey),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploads": out})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract user key from path: /uploads/<user_key>
	userKey := strings.TrimPrefix(r.URL.Path, "/uploads/")
	if userKey == "" {
		s.handleUploadList(w, r)
		return
	}

	u, err := s.store.GetUpload(r.Context(), userKey)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load upload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": u.Filename}))
	w.Write(u.Document)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
