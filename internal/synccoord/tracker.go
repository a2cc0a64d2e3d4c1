// Package synccoord tracks requests a client submitted until they reach a
// terminal state and folds them with the upload queue into one sync status.
package synccoord

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"stockline/internal/domain"
)

// Tracked is one outstanding request reference.
type Tracked struct {
	RequestID    string `json:"request_id"`
	AccountID    string `json:"account_id"`
	Type         string `json:"type,omitempty"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	TrackedAt    string `json:"tracked_at"`
	CheckedAt    string `json:"checked_at,omitempty"`
}

// Tracker is the persisted set of tracked requests.
type Tracker struct {
	mu    sync.Mutex
	path  string
	items map[string]Tracked
	now   func() time.Time
}

// OpenTracker loads the tracker file; a missing file starts empty. An empty
// path keeps the tracker in memory only.
func OpenTracker(path string) (*Tracker, error) {
	t := &Tracker{path: path, items: map[string]Tracked{}, now: time.Now}
	if err := t.Restore(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = map[string]Tracked{}
	if strings.TrimSpace(t.path) == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var list []Tracked
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse tracker %s: %w", t.path, err)
	}
	for _, tr := range list {
		t.items[tr.RequestID] = tr
	}
	return nil
}

func (t *Tracker) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistLocked()
}

func (t *Tracker) persistLocked() error {
	if strings.TrimSpace(t.path) == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.listLocked(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

// Track starts following a request. Tracking a request twice keeps the
// first entry.
func (t *Tracker) Track(req domain.Request) error {
	if req.ID == "" {
		return errors.New("request id required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[req.ID]; ok {
		return nil
	}
	status := req.Status
	if status == "" {
		status = domain.RequestPending
	}
	t.items[req.ID] = Tracked{
		RequestID: req.ID,
		AccountID: req.AccountID,
		Type:      req.Type,
		Status:    status,
		TrackedAt: t.now().UTC().Format(time.RFC3339Nano),
	}
	return t.persistLocked()
}

// Dismiss stops tracking a request. It reports whether it was tracked.
func (t *Tracker) Dismiss(requestID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[requestID]; !ok {
		return false, nil
	}
	delete(t.items, requestID)
	return true, t.persistLocked()
}

// List returns tracked requests oldest first.
func (t *Tracker) List() []Tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked()
}

func (t *Tracker) listLocked() []Tracked {
	out := make([]Tracked, 0, len(t.items))
	for _, tr := range t.items {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TrackedAt != out[j].TrackedAt {
			return out[i].TrackedAt < out[j].TrackedAt
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// update applies fresh statuses in one write. Applied requests are dropped.
func (t *Tracker) update(fresh []domain.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now().UTC().Format(time.RFC3339Nano)
	for _, req := range fresh {
		tr, ok := t.items[req.ID]
		if !ok {
			continue
		}
		if req.Status == domain.RequestApplied {
			delete(t.items, req.ID)
			continue
		}
		tr.Status = req.Status
		tr.ErrorCode = deref(req.ErrorCode)
		tr.ErrorMessage = deref(req.ErrorMessage)
		tr.CheckedAt = now
		t.items[req.ID] = tr
	}
	return t.persistLocked()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
