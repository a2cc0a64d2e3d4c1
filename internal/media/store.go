// Package media keeps captured attachments available offline and moves them
// to remote storage through a serial upload queue.
//
// Records and jobs live in an in-memory arena keyed by id. The arena is
// written to a JSON state file after every mutation and read back by Restore.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockline/internal/domain"
)

// Scheme prefixes references to content held only by this store.
const Scheme = "stockline-media://"

var (
	ErrNotFound    = errors.New("attachment not found")
	ErrNotLocalRef = errors.New("not a local attachment reference")
)

// Ref returns the local reference for a media id.
func Ref(mediaID string) string { return Scheme + mediaID }

// ParseRef extracts the media id from a local reference.
func ParseRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, Scheme) {
		return "", false
	}
	id := strings.TrimPrefix(ref, Scheme)
	return id, id != ""
}

// IsLocalRef reports whether ref points into the store rather than at a
// remote location.
func IsLocalRef(ref string) bool {
	_, ok := ParseRef(ref)
	return ok
}

type snapshot struct {
	Records map[string]domain.Attachment `json:"records"`
	Jobs    map[string]domain.UploadJob  `json:"jobs"`
	NextSeq int64                        `json:"next_seq"`
}

// StateFile persists the arena as one JSON document, replaced atomically.
type StateFile struct {
	Path string
}

func (f StateFile) load() (*snapshot, error) {
	if strings.TrimSpace(f.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse media state %s: %w", f.Path, err)
	}
	return &snap, nil
}

func (f StateFile) save(snap *snapshot) error {
	if strings.TrimSpace(f.Path) == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

type Options struct {
	// CacheDir receives private copies of saved content.
	CacheDir string
	// StateFile is where the arena is persisted; empty keeps it in memory.
	StateFile string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Store is the attachment record arena.
type Store struct {
	mu       sync.Mutex
	cacheDir string
	state    StateFile
	records  map[string]domain.Attachment
	jobs     map[string]domain.UploadJob
	nextSeq  int64
	logger   *zap.Logger
	now      func() time.Time
}

// Open creates a store and restores its persisted state.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.CacheDir) == "" {
		return nil, errors.New("media cache dir required")
	}
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache: %w", err)
	}
	s := &Store{
		cacheDir: opts.CacheDir,
		state:    StateFile{Path: opts.StateFile},
		records:  map[string]domain.Attachment{},
		jobs:     map[string]domain.UploadJob{},
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.Restore(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Restore replaces the arena with the persisted state. A missing state file
// yields an empty store.
func (s *Store) Restore() error {
	snap, err := s.state.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]domain.Attachment{}
	s.jobs = map[string]domain.UploadJob{}
	s.nextSeq = 0
	if snap == nil {
		return nil
	}
	for id, rec := range snap.Records {
		s.records[id] = rec
	}
	for id, job := range snap.Jobs {
		// an upload cut short by a restart is retried
		if job.Status == domain.JobUploading {
			job.Status = domain.JobQueued
		}
		s.jobs[id] = job
		if job.Seq > s.nextSeq {
			s.nextSeq = job.Seq
		}
	}
	for id, rec := range s.records {
		if rec.Status == domain.AttachmentUploading {
			rec.Status = domain.AttachmentLocalOnly
			s.records[id] = rec
		}
	}
	if snap.NextSeq > s.nextSeq {
		s.nextSeq = snap.NextSeq
	}
	return nil
}

// Persist writes the arena to the state file.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	snap := &snapshot{
		Records: make(map[string]domain.Attachment, len(s.records)),
		Jobs:    make(map[string]domain.UploadJob, len(s.jobs)),
		NextSeq: s.nextSeq,
	}
	for id, rec := range s.records {
		snap.Records[id] = rec
	}
	for id, job := range s.jobs {
		snap.Jobs[id] = job
	}
	if err := s.state.save(snap); err != nil {
		return fmt.Errorf("persist media state: %w", err)
	}
	return nil
}

// SaveInput describes captured content. Exactly one of Path and Reader is set.
type SaveInput struct {
	Path       string
	Reader     io.Reader
	MimeType   string
	OwnerScope string
	// KeepOriginal records Path as the local location instead of copying
	// the content into the cache.
	KeepOriginal bool
}

// Saved is the result of Save.
type Saved struct {
	MediaID string `json:"media_id"`
	Ref     string `json:"ref"`
}

// Save records new local content and returns its reference.
func (s *Store) Save(in SaveInput) (Saved, error) {
	if (in.Path == "") == (in.Reader == nil) {
		return Saved{}, errors.New("exactly one of path or reader is required")
	}
	if in.KeepOriginal && in.Path == "" {
		return Saved{}, errors.New("keep original requires a path")
	}
	mimeType := in.MimeType
	if mimeType == "" && in.Path != "" {
		mimeType = mime.TypeByExtension(filepath.Ext(in.Path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	id := uuid.NewString()
	var localPath string
	var size int64
	cached := false
	if in.KeepOriginal {
		info, err := os.Stat(in.Path)
		if err != nil {
			return Saved{}, err
		}
		abs, err := filepath.Abs(in.Path)
		if err != nil {
			return Saved{}, err
		}
		localPath, size = abs, info.Size()
	} else {
		src := in.Reader
		if in.Path != "" {
			f, err := os.Open(in.Path)
			if err != nil {
				return Saved{}, err
			}
			defer f.Close()
			src = f
		}
		var err error
		localPath, size, err = s.copyIn(id, extensionFor(in.Path, mimeType), src)
		if err != nil {
			return Saved{}, err
		}
		cached = true
	}
	now := s.timestamp()
	rec := domain.Attachment{
		ID:         id,
		LocalURI:   localPath,
		Status:     domain.AttachmentLocalOnly,
		OwnerScope: in.OwnerScope,
		MimeType:   mimeType,
		SizeBytes:  size,
		Cached:     cached,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	s.records[id] = rec
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return Saved{}, err
	}
	s.logger.Debug("attachment saved", zap.String("media_id", id), zap.Int64("size_bytes", size))
	return Saved{MediaID: id, Ref: Ref(id)}, nil
}

func (s *Store) copyIn(id, ext string, src io.Reader) (string, int64, error) {
	dst := filepath.Join(s.cacheDir, id+ext)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return "", 0, fmt.Errorf("cache attachment: %w", err)
	}
	return dst, n, nil
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/heic":      ".heic",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

func extensionFor(path, mimeType string) string {
	if ext := filepath.Ext(path); ext != "" {
		return strings.ToLower(ext)
	}
	if ext, ok := preferredExt[mimeType]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Get returns the record for a media id.
func (s *Store) Get(mediaID string) (domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[mediaID]
	if !ok {
		return domain.Attachment{}, ErrNotFound
	}
	return rec, nil
}

// List returns all records oldest first.
func (s *Store) List() []domain.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Attachment, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResolveURI returns something a reader can open. Remote references come
// back unchanged. A local reference resolves to its cached file, or to the
// remote copy once uploaded; ok is false when neither is available.
func (s *Store) ResolveURI(ref string) (string, bool) {
	id, local := ParseRef(ref)
	if !local {
		return ref, ref != ""
	}
	s.mu.Lock()
	rec, found := s.records[id]
	s.mu.Unlock()
	if !found {
		return "", false
	}
	if rec.LocalURI != "" {
		if _, err := os.Stat(rec.LocalURI); err == nil {
			return rec.LocalURI, true
		}
	}
	if rec.RemoteURL != "" {
		return rec.RemoteURL, true
	}
	return "", false
}

// RefState describes what a reference currently points at.
type RefState struct {
	Ref       string `json:"ref"`
	Local     bool   `json:"local"`
	MediaID   string `json:"media_id,omitempty"`
	Status    string `json:"status,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Available bool   `json:"available"`
}

func (s *Store) ResolveState(ref string) RefState {
	id, local := ParseRef(ref)
	if !local {
		return RefState{Ref: ref, RemoteURL: ref, Status: domain.AttachmentUploaded, Available: ref != ""}
	}
	st := RefState{Ref: ref, Local: true, MediaID: id}
	s.mu.Lock()
	rec, found := s.records[id]
	s.mu.Unlock()
	if !found {
		return st
	}
	st.Status = rec.Status
	st.RemoteURL = rec.RemoteURL
	if rec.LocalURI != "" {
		if _, err := os.Stat(rec.LocalURI); err == nil {
			st.LocalPath = rec.LocalURI
		}
	}
	st.Available = st.LocalPath != "" || st.RemoteURL != ""
	return st
}

// Evict drops the cached copy of an uploaded attachment, keeping the record.
func (s *Store) Evict(mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[mediaID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != domain.AttachmentUploaded {
		return fmt.Errorf("attachment %s is %s; only uploaded content can be evicted", mediaID, rec.Status)
	}
	if rec.Cached {
		if err := os.Remove(rec.LocalURI); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	rec.LocalURI = ""
	rec.Cached = false
	rec.UpdatedAt = s.timestamp()
	s.records[mediaID] = rec
	return s.persistLocked()
}

// Delete removes the record behind a local reference, its cached file and
// every upload job for it.
func (s *Store) Delete(ref string) error {
	id, ok := ParseRef(ref)
	if !ok {
		return ErrNotLocalRef
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.records[id]; !found {
		return ErrNotFound
	}
	s.removeLocked(id)
	return s.persistLocked()
}

func (s *Store) removeLocked(id string) {
	if rec, ok := s.records[id]; ok && rec.Cached {
		if err := os.Remove(rec.LocalURI); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cached attachment not removed", zap.String("media_id", id), zap.Error(err))
		}
	}
	delete(s.records, id)
	for jobID, job := range s.jobs {
		if job.MediaID == id {
			delete(s.jobs, jobID)
		}
	}
}

// SweepResult counts what SweepOrphans removed.
type SweepResult struct {
	Records int `json:"records"`
	Jobs    int `json:"jobs"`
}

// SweepOrphans removes every record whose id is not in live, and every job
// left without a record. live holds media ids or local references.
func (s *Store) SweepOrphans(live []string) (SweepResult, error) {
	keep := make(map[string]bool, len(live))
	for _, v := range live {
		if id, ok := ParseRef(v); ok {
			keep[id] = true
		} else {
			keep[v] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res SweepResult
	for id := range s.records {
		if keep[id] {
			continue
		}
		for _, job := range s.jobs {
			if job.MediaID == id {
				res.Jobs++
			}
		}
		s.removeLocked(id)
		res.Records++
	}
	for jobID, job := range s.jobs {
		if _, ok := s.records[job.MediaID]; !ok {
			delete(s.jobs, jobID)
			res.Jobs++
		}
	}
	if res.Records == 0 && res.Jobs == 0 {
		return res, nil
	}
	s.logger.Info("orphaned attachments swept", zap.Int("records", res.Records), zap.Int("jobs", res.Jobs))
	return res, s.persistLocked()
}
