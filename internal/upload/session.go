package upload

import (
	"fmt"
	"sync"
	"time"
)

type SessionState string

const (
	SessionOpened         SessionState = "opened"
	SessionChunksComplete SessionState = "chunks_complete"
	SessionReassembling   SessionState = "reassembling"
	SessionCommitted      SessionState = "committed"
	SessionFailed         SessionState = "failed"
)

var timeNowFunc = time.Now

type Session struct {
	FileID         string       `json:"fileId"`
	FileName       string       `json:"fileName"`
	OwnerID        string       `json:"-"`
	TotalChunks    int          `json:"totalChunks"`
	TotalSize      int64        `json:"totalSize,omitempty"`
	ReceivedChunks int          `json:"receivedChunks"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (s *Session) terminal() bool {
	return s.State == SessionCommitted || s.State == SessionFailed
}

// SessionTracker is the in-process record of uploads. Staged chunks remain
// the source of truth for which chunks exist; the tracker guards ownership
// and makes reassembly of one fileId exclusive.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*Session)}
}

// BeginChunk opens or re-opens the session before a chunk is staged.
func (t *SessionTracker) BeginChunk(fileID, fileName, ownerID string, totalChunks int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := timeNowFunc()
	session, exists := t.sessions[fileID]
	if !exists {
		t.sessions[fileID] = &Session{
			FileID:      fileID,
			FileName:    fileName,
			OwnerID:     ownerID,
			TotalChunks: totalChunks,
			State:       SessionOpened,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	}

	if session.OwnerID != ownerID {
		return fmt.Errorf("%w: upload %s belongs to another owner", ErrForbidden, fileID)
	}
	switch session.State {
	case SessionReassembling:
		return fmt.Errorf("%w: %s", ErrUploadInProgress, fileID)
	case SessionCommitted:
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, fileID)
	case SessionFailed:
		session.State = SessionOpened
	}
	session.FileName = fileName
	session.TotalChunks = totalChunks
	session.UpdatedAt = now
	return nil
}

// RecordProgress stores the result of a staging rescan.
func (t *SessionTracker) RecordProgress(fileID string, receivedChunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, exists := t.sessions[fileID]
	if !exists || session.State != SessionOpened && session.State != SessionChunksComplete {
		return
	}
	session.ReceivedChunks = receivedChunks
	if receivedChunks >= session.TotalChunks {
		session.State = SessionChunksComplete
	} else {
		session.State = SessionOpened
	}
	session.UpdatedAt = timeNowFunc()
}

// Acquire moves the session to reassembling. An unknown fileId is accepted so
// uploads staged before a restart can still be completed.
func (t *SessionTracker) Acquire(fileID, fileName, ownerID string, totalChunks int, totalSize int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := timeNowFunc()
	session, exists := t.sessions[fileID]
	if !exists {
		session = &Session{FileID: fileID, OwnerID: ownerID, CreatedAt: now}
		t.sessions[fileID] = session
	} else {
		if session.OwnerID != ownerID {
			return fmt.Errorf("%w: upload %s belongs to another owner", ErrForbidden, fileID)
		}
		switch session.State {
		case SessionReassembling:
			return fmt.Errorf("%w: %s", ErrUploadInProgress, fileID)
		case SessionCommitted:
			return fmt.Errorf("%w: %s", ErrAlreadyCommitted, fileID)
		}
	}

	session.FileName = fileName
	session.TotalChunks = totalChunks
	session.TotalSize = totalSize
	session.State = SessionReassembling
	session.UpdatedAt = now
	return nil
}

// Finish ends a reassembly started by Acquire.
func (t *SessionTracker) Finish(fileID string, committed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, exists := t.sessions[fileID]
	if !exists {
		return
	}
	if committed {
		session.State = SessionCommitted
		session.ReceivedChunks = session.TotalChunks
	} else {
		session.State = SessionFailed
		session.ReceivedChunks = 0
	}
	session.UpdatedAt = timeNowFunc()
}

func (t *SessionTracker) Get(fileID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, exists := t.sessions[fileID]
	if !exists {
		return Session{}, false
	}
	return *session, true
}

// Prune drops sessions idle for longer than ttl. Reassembling sessions are
// kept regardless of age.
func (t *SessionTracker) Prune(ttl time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for fileID, session := range t.sessions {
		if session.State == SessionReassembling {
			continue
		}
		if now.Sub(session.UpdatedAt) > ttl {
			delete(t.sessions, fileID)
			removed++
		}
	}
	return removed
}

// Active counts sessions that have not reached a terminal state.
func (t *SessionTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := 0
	for _, session := range t.sessions {
		if !session.terminal() {
			active++
		}
	}
	return active
}
