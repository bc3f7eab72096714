package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// DefaultsKey is the top-level key holding every study's field dictionary.
const DefaultsKey = "open_research_kit"

// DamagedKey keeps the last top-level document that failed to decode.
const DamagedKey = DefaultsKey + ".damaged"

// ErrDamaged means the top-level document exists but cannot be decoded.
var ErrDamaged = errors.New("defaults document is damaged")

// Defaults is a namespaced view over a Backend: a single top-level key maps
// study identifiers to that study's serialized fields. Backend errors are
// returned as is; only a document that fails to decode is replaced.
type Defaults struct {
	backend Backend
	key     string

	// Serializes read-modify-write of the shared top-level document.
	mu sync.Mutex
}

func NewDefaults(backend Backend) *Defaults {
	return &Defaults{backend: backend, key: DefaultsKey}
}

// ReadStudy returns the stored fields for a study, or nil if none were
// written yet. A damaged top-level document is reported as ErrDamaged.
func (d *Defaults) ReadStudy(ctx context.Context, studyID string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	return all[studyID], nil
}

// WriteStudy replaces one study's fields, leaving other studies untouched.
func (d *Defaults) WriteStudy(ctx context.Context, studyID string, fields json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load(ctx)
	if errors.Is(err, ErrDamaged) {
		if err := d.quarantine(ctx); err != nil {
			return err
		}
		all = make(map[string]json.RawMessage)
	} else if err != nil {
		return fmt.Errorf("failed to read defaults: %w", err)
	}
	all[studyID] = fields

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := d.backend.Set(ctx, d.key, data); err != nil {
		return fmt.Errorf("failed to write defaults: %w", err)
	}
	return nil
}

// StudyIDs lists every study with stored fields.
func (d *Defaults) StudyIDs(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *Defaults) load(ctx context.Context) (map[string]json.RawMessage, error) {
	data, err := d.backend.Get(ctx, d.key)
	if errors.Is(err, ErrNotFound) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, err
	}

	all := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDamaged, err)
	}
	if all == nil {
		all = make(map[string]json.RawMessage)
	}
	return all, nil
}

// quarantine copies the undecodable document aside before it is replaced.
func (d *Defaults) quarantine(ctx context.Context) error {
	data, err := d.backend.Get(ctx, d.key)
	if err != nil {
		return fmt.Errorf("failed to read damaged defaults: %w", err)
	}
	if err := d.backend.Set(ctx, DamagedKey, data); err != nil {
		return fmt.Errorf("failed to keep damaged defaults: %w", err)
	}
	return nil
}
