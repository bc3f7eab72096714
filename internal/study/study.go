// Package study tracks one participant's membership in a research study:
// consent, lifecycle, survey prompts, the local event buffer and its
// periodic upload to the collection server.
//
// A host creates one Study per study identifier and calls into it from its
// own timers and handlers. All methods are safe for concurrent use.
package study

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openresearch/studykit/internal/eventlog"
	"github.com/openresearch/studykit/internal/logger"
	"github.com/openresearch/studykit/internal/upload"
)

type Study struct {
	cfg      Config
	store    Store
	uploader upload.Uploader
	client   *http.Client
	dataDir  string
	log      *logger.Logger
	now      func() time.Time
	newID    func() string

	// Serializes state read-modify-write for this study.
	mu    sync.Mutex
	state State

	bufMu  sync.Mutex
	buffer *eventlog.Buffer

	// Orders event appends against termination.
	termMu sync.Mutex

	// At most one upload in flight per Study. resync asks the running
	// upload to check again when it finishes.
	uploading atomic.Bool
	resync    atomic.Bool
	inflight  sync.WaitGroup
}

// Option customizes a Study.
type Option func(*Study)

// WithUploader replaces the HTTP upload client.
func WithUploader(u upload.Uploader) Option {
	return func(s *Study) { s.uploader = u }
}

// WithHTTPClient uploads through the given client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Study) { s.client = c }
}

// WithDataDir sets where event documents are written. Defaults to ".".
func WithDataDir(dir string) Option {
	return func(s *Study) { s.dataDir = dir }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Study) { s.log = logger.OrNop(l) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Study) { s.now = now }
}

// WithIDGenerator replaces the random part of new participant IDs.
func WithIDGenerator(gen func() string) Option {
	return func(s *Study) { s.newID = gen }
}

// New validates cfg and reads the study's stored state. A missing or
// damaged record starts from defaults; a failed read is returned.
func New(ctx context.Context, cfg Config, store Store, opts ...Option) (*Study, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidConfig)
	}

	s := &Study{
		cfg:     cfg,
		store:   store,
		dataDir: ".",
		log:     logger.Nop(),
		now:     time.Now,
		newID:   func() string { return strings.ToUpper(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("study", cfg.StudyID)
	if s.uploader == nil {
		s.uploader = upload.NewClient(cfg.UploadEndpoint, s.client, s.log)
	}

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.state = st
	return s, nil
}

func (s *Study) Config() Config {
	return s.cfg
}

func (s *Study) ID() string {
	return s.cfg.StudyID
}

// State returns a copy of the current durable record.
func (s *Study) State() State {
	return s.snapshot()
}

// EnsureParticipantID returns the participant's pseudonymous identifier,
// generating and persisting it on first use. Concurrent first calls agree
// on one identifier.
func (s *Study) EnsureParticipantID(ctx context.Context) (string, error) {
	var id string
	err := s.update(ctx, func(st *State) bool {
		if st.ParticipantID != "" {
			id = st.ParticipantID
			return false
		}
		st.ParticipantID = s.cfg.StudyID + "-" + s.newID()
		id = st.ParticipantID
		return true
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// eventBuffer opens the participant's document on first use.
func (s *Study) eventBuffer(ctx context.Context) (*eventlog.Buffer, error) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	if s.buffer != nil {
		return s.buffer, nil
	}
	pid, err := s.EnsureParticipantID(ctx)
	if err != nil {
		return nil, err
	}
	s.buffer = eventlog.Open(s.dataDir, s.cfg.StudyID, pid, s.log)
	return s.buffer, nil
}

// Events returns the full local event document.
func (s *Study) Events(ctx context.Context) (eventlog.Document, error) {
	b, err := s.eventBuffer(ctx)
	if err != nil {
		return nil, err
	}
	return b.Snapshot(), nil
}
