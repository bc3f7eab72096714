package study

import (
	"context"
	"time"

	"github.com/openresearch/studykit/internal/eventlog"
	"github.com/openresearch/studykit/internal/upload"
)

// RecordEvent appends records to the participant's event document and then
// checks whether an upload is due. Records are rejected with ErrNotActive
// unless the study is actively running.
func (s *Study) RecordEvent(ctx context.Context, records ...eventlog.Record) error {
	if err := s.appendIfRunning(ctx, records); err != nil {
		return err
	}
	s.SyncIfDue(ctx)
	return nil
}

// appendIfRunning holds termMu so no record lands after the termination
// event.
func (s *Study) appendIfRunning(ctx context.Context, records []eventlog.Record) error {
	s.termMu.Lock()
	defer s.termMu.Unlock()

	if !s.IsActivelyRunning() {
		return ErrNotActive
	}
	b, err := s.eventBuffer(ctx)
	if err != nil {
		return err
	}
	return b.Append(records...)
}

// SyncIfDue starts an upload in the background when one is due and none is
// in flight. It never blocks on the network and reports whether an upload
// was started.
//
// Due means: no upload has succeeded yet and the study is running; or the
// study has ended since the last successful upload; or the upload interval
// has elapsed while running.
func (s *Study) SyncIfDue(ctx context.Context) bool {
	if !s.uploading.CompareAndSwap(false, true) {
		s.log.Debug("sync skipped, upload in flight")
		return false
	}

	reason, due := s.syncDue(s.snapshot(), s.now())
	if !due {
		s.uploading.Store(false)
		return false
	}
	return s.launch(ctx, reason)
}

func (s *Study) syncDue(st State, now time.Time) (string, bool) {
	running := s.running(st, now)

	if st.LastUploadAt == nil {
		return "first-upload", running
	}
	if !running {
		if end, ok := s.endInstant(st); ok && st.LastUploadAt.Before(end) {
			return "final-upload", true
		}
		return "", false
	}
	if now.Sub(*st.LastUploadAt) > s.cfg.uploadInterval() {
		return "interval", true
	}
	return "", false
}

// UploadNow starts an upload regardless of the interval. It returns false
// if an upload is already in flight.
func (s *Study) UploadNow(ctx context.Context) bool {
	return s.startUpload(ctx, "manual")
}

// startUpload skips when an upload is in flight and asks that upload to
// run SyncIfDue once it finishes.
func (s *Study) startUpload(ctx context.Context, reason string) bool {
	if !s.uploading.CompareAndSwap(false, true) {
		s.resync.Store(true)
		s.log.Debug("upload deferred, upload in flight", "reason", reason)
		return false
	}
	return s.launch(ctx, reason)
}

// IsUploading reports whether an upload is in flight.
func (s *Study) IsUploading() bool {
	return s.uploading.Load()
}

// Wait blocks until every upload started so far has finished.
func (s *Study) Wait() {
	s.inflight.Wait()
}

// launch runs one upload in the background. The caller holds the guard;
// it is released when the upload finishes. The watermark is the instant
// the document was read, so records appended while the upload runs are
// still due afterwards.
func (s *Study) launch(ctx context.Context, reason string) bool {
	readAt := s.now()
	b, err := s.eventBuffer(ctx)
	if err != nil {
		s.uploading.Store(false)
		s.log.Warn("upload skipped, no participant id", "error", err)
		return false
	}
	data, n, err := b.Bytes()
	if err != nil || n == 0 {
		s.uploading.Store(false)
		if err != nil {
			s.log.Warn("upload skipped, document unreadable", "error", err)
		} else {
			s.log.Debug("upload skipped, no events yet", "reason", reason)
		}
		return false
	}

	pid := s.snapshot().ParticipantID
	payload := upload.Payload{
		APIKey:   s.cfg.APIKey,
		UserKey:  pid,
		Filename: eventlog.FileName(s.cfg.StudyID, pid),
		Document: data,
	}

	// The upload outlives the caller's request but keeps its values.
	uctx := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		res, err := s.send(uctx, reason, payload, n, readAt)
		if s.cfg.OnUploadFinished != nil {
			s.cfg.OnUploadFinished(res, err)
		}

		s.uploading.Store(false)
		if s.resync.Swap(false) {
			s.SyncIfDue(uctx)
		}
	}()
	return true
}

func (s *Study) send(ctx context.Context, reason string, payload upload.Payload, n int, readAt time.Time) (*upload.Result, error) {
	if s.cfg.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.UploadTimeout)
		defer cancel()
	}

	s.log.Info("uploading event document", "reason", reason, "records", n, "bytes", len(payload.Document))
	res, err := s.uploader.Upload(ctx, payload)
	if err != nil {
		s.log.Warn("upload failed, will retry on next sync", "reason", reason, "error", err)
		return res, err
	}
	return res, s.recordUpload(ctx, res, readAt)
}

// recordUpload advances the watermark through the same serialized update
// path as every other state change.
func (s *Study) recordUpload(ctx context.Context, res *upload.Result, at time.Time) error {
	err := s.update(ctx, func(st *State) bool {
		st.LastUploadAt = &at
		if res != nil && res.Path != "" {
			st.DataURL = res.Path
		}
		return true
	})
	if err != nil {
		s.log.Error("upload confirmed but watermark not saved", "error", err)
	}
	return err
}
