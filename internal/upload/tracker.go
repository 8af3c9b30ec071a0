package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/hdaklue/marg-flows-sub003/internal/models"
)

// SessionTracker keeps per-session chunk-received state and lifecycle status.
// It is an injected store, not a global: tests build isolated trackers with
// no state bleed between cases.
type SessionTracker struct {
	mu         sync.Mutex
	sessions   map[string]*trackedSession
	sessionTTL time.Duration
	now        func() time.Time
}

type trackedSession struct {
	session    *models.UploadSession
	complete   bool
	assembling bool
}

// NewSessionTracker creates an empty tracker. Sessions expire sessionTTL
// after creation unless completed first.
func NewSessionTracker(sessionTTL time.Duration) *SessionTracker {
	return &SessionTracker{
		sessions:   make(map[string]*trackedSession),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// RecordChunkReceived registers one arrived chunk, creating the session on
// first contact. Total chunk count is fixed by the first call; an index
// outside [0, totalChunks) is rejected. Returns current progress.
func (t *SessionTracker) RecordChunkReceived(sessionID, documentID, fileName string, chunkIndex, totalChunks int) (models.Progress, error) {
	if sessionID == "" {
		return models.Progress{}, fmt.Errorf("session id is empty")
	}
	if totalChunks <= 0 {
		return models.Progress{}, fmt.Errorf("total chunks must be positive, got %d", totalChunks)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		tracked = &trackedSession{
			session: &models.UploadSession{
				ID:          sessionID,
				DocumentID:  documentID,
				FileName:    fileName,
				TotalChunks: totalChunks,
				Received:    make(map[int]bool),
				Status:      models.StatusUploading,
				CreatedAt:   t.now(),
				ExpiresAt:   t.now().Add(t.sessionTTL),
			},
		}
		t.sessions[sessionID] = tracked
	}

	sess := tracked.session
	if sess.Status == models.StatusFailed {
		return models.Progress{}, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailReason)
	}
	if t.now().After(sess.ExpiresAt) {
		return models.Progress{}, ErrSessionExpired
	}
	if chunkIndex < 0 || chunkIndex >= sess.TotalChunks {
		return models.Progress{}, &ChunkIndexError{Index: chunkIndex, Total: sess.TotalChunks}
	}

	sess.Received[chunkIndex] = true
	if len(sess.Received) == sess.TotalChunks {
		tracked.complete = true
	}

	return models.Progress{Received: len(sess.Received), Total: sess.TotalChunks}, nil
}

// IsComplete reports whether every index in [0, totalChunks) has been seen.
// It reverts only when DropChunk discards an index whose bytes were lost.
func (t *SessionTracker) IsComplete(sessionID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	return tracked.complete, nil
}

// Get returns a snapshot of the session.
func (t *SessionTracker) Get(sessionID string) (models.UploadSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}

	snapshot := *tracked.session
	snapshot.Received = nil
	return snapshot, nil
}

// Progress returns current chunk counts for the session.
func (t *SessionTracker) Progress(sessionID string) (models.Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return models.Progress{}, ErrSessionNotFound
	}
	return models.Progress{
		Received: len(tracked.session.Received),
		Total:    tracked.session.TotalChunks,
	}, nil
}

// DropChunk forgets a recorded index whose payload failed to persist, so
// completeness never counts bytes that are not actually stored.
func (t *SessionTracker) DropChunk(sessionID string, chunkIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	delete(tracked.session.Received, chunkIndex)
	tracked.complete = len(tracked.session.Received) == tracked.session.TotalChunks
}

// StartProcessing moves the session into the assembly pipeline. The final
// filename fixes the name the assembled asset is stored under. Exactly one
// caller observes started=true; duplicates of the final chunk find the
// session already past uploading and get started=false with no error.
func (t *SessionTracker) StartProcessing(sessionID, finalFilename string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	sess := tracked.session
	if sess.Status == models.StatusFailed {
		return false, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailReason)
	}
	if sess.Status != models.StatusUploading {
		return false, nil
	}
	if finalFilename != "" {
		sess.FileName = finalFilename
	}
	if err := t.transitionLocked(sess, models.StatusAssembling); err != nil {
		return false, err
	}
	return true, nil
}

// SetStatus applies a forward-only lifecycle transition.
func (t *SessionTracker) SetStatus(sessionID string, status models.SessionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	return t.transitionLocked(tracked.session, status)
}

func (t *SessionTracker) transitionLocked(sess *models.UploadSession, next models.SessionStatus) error {
	if sess.Status == models.StatusFailed {
		return fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailReason)
	}
	if sess.Status == next {
		// Retried pipeline steps re-apply their transition; keep that cheap.
		return nil
	}
	if !sess.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition %s -> %s", sess.Status, next)
	}
	sess.Status = next
	return nil
}

// Fail terminates the session. Terminal: every later chunk write is rejected
// with ErrSessionFailed.
func (t *SessionTracker) Fail(sessionID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess := tracked.session
	if sess.Status == models.StatusFailed {
		return nil
	}
	sess.Status = models.StatusFailed
	sess.FailReason = reason
	return nil
}

// ClaimAssembly reserves the exclusive right to assemble the session. At
// most one claim is live at a time: a claim after recorded output returns
// ErrAlreadyAssembled, a claim while another holder is mid-flight returns
// ErrAssemblyInProgress. A failed attempt must call ReleaseAssembly so a
// retry can claim again.
func (t *SessionTracker) ClaimAssembly(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if tracked.session.AssembledTo != "" {
		return ErrAlreadyAssembled
	}
	if tracked.assembling {
		return ErrAssemblyInProgress
	}
	tracked.assembling = true
	return nil
}

// ReleaseAssembly lifts a live claim. A no-op for unknown sessions and for
// claims already resolved by SetAssembled.
func (t *SessionTracker) ReleaseAssembly(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tracked, ok := t.sessions[sessionID]; ok {
		tracked.assembling = false
	}
}

// SetAssembled records where assembly wrote its output, resolving the live
// claim. A retried invocation detects prior success through this record.
func (t *SessionTracker) SetAssembled(sessionID, workingPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	tracked.session.AssembledTo = workingPath
	tracked.assembling = false
	return nil
}

// Remove drops the session from the tracker once its chunks are folded into
// the final asset.
func (t *SessionTracker) Remove(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// SweepExpired removes sessions past their expiry plus retention and returns
// the ids removed so the caller can delete their chunks.
func (t *SessionTracker) SweepExpired(retention time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	now := t.now()
	for id, tracked := range t.sessions {
		cutoff := tracked.session.ExpiresAt.Add(retention)
		if now.After(cutoff) {
			expired = append(expired, id)
			delete(t.sessions, id)
		}
	}
	return expired
}
