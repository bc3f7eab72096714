// Package collector is a small collection server for event documents. It
// accepts the multipart uploads sent by studies, keeps the latest document
// per participant and serves stored documents to the study team.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openresearch/studykit/internal/logger"
	"github.com/openresearch/studykit/internal/store"
)

// DefaultMaxUploadBytes bounds one multipart request.
const DefaultMaxUploadBytes = 32 << 20

type Options struct {
	Port           int
	APIKeys        []string // Accepted api_key values; empty rejects every upload
	TokenFile      string   // Where the dashboard token is written for `studykit otp`
	MaxUploadBytes int64
	Logger         *logger.Logger
}

type Server struct {
	store     store.UploadStore
	apiKeys   map[string]struct{}
	port      int
	maxBytes  int64
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
	log       *logger.Logger
}

func New(s store.UploadStore, opts Options) *Server {
	srv := &Server{
		store:     s,
		apiKeys:   make(map[string]struct{}, len(opts.APIKeys)),
		port:      opts.Port,
		maxBytes:  opts.MaxUploadBytes,
		token:     generateToken(),
		tokenFile: opts.TokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
		log:       logger.OrNop(opts.Logger),
	}
	if srv.maxBytes <= 0 {
		srv.maxBytes = DefaultMaxUploadBytes
	}
	for _, k := range opts.APIKeys {
		if k != "" {
			srv.apiKeys[k] = struct{}{}
		}
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/upload", s.handleUpload)

	// Study team endpoints (protected)
	s.router.Handle("/uploads", s.authMiddleware(http.HandlerFunc(s.handleUploadList)))
	s.router.Handle("/uploads/", s.authMiddleware(http.HandlerFunc(s.handleUploadDocument)))
	s.router.Handle("/dashboard", s.authMiddleware(http.HandlerFunc(s.handleDashboard)))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, printMessages bool) error {
	// Write token to file for the otp command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.log.Warn("failed to write token file", "path", s.tokenFile, "error", err)
		}
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if printMessages {
		fmt.Println()
		fmt.Printf("studykit collector running on http://localhost:%d\n", s.port)
		fmt.Printf("Upload endpoint: http://localhost:%d/upload\n", s.port)
		fmt.Printf("Dashboard: http://localhost:%d/dashboard?token=%s\n", s.port, s.token)
		fmt.Println()
		fmt.Println("Press Ctrl+C to stop")
	}
	s.log.Info("collector listening", "port", s.port, "api_keys", len(s.apiKeys))

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("collector shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) validAPIKey(key string) bool {
	_, ok := s.apiKeys[key]
	return ok
}

func generateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
