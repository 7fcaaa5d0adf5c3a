// Package artifacts implements the filesystem-backed artifact store (C1): a
// process-and-host-local tree rooted at a configured data directory, with one
// locked append log per commis invocation.
package artifacts

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/apperror"
)

// Metadata is the contents of a commis directory's metadata.json.
type Metadata struct {
	CommisID    string         `json:"commis_id"`
	Task        string         `json:"task"`
	Config      map[string]any `json:"config"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
	SummaryMeta map[string]any `json:"summary_meta,omitempty"`
}

// indexEntry is one row of the root-level index.json.
type indexEntry struct {
	CommisID   string     `json:"commis_id"`
	Task       string     `json:"task"`
	Status     string     `json:"status"`
	OwnerID    string     `json:"owner_id"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Store implements the C1 artifact store operations against a filesystem tree.
type Store struct {
	root string

	// indexMu serializes read-modify-write access to index.json. An
	// OS-level advisory lock would additionally protect cross-process
	// writers; within this process a mutex is sufficient since the
	// dispatcher is the sole writer.
	indexMu sync.Mutex
}

// NewStore creates a Store rooted at cfg's configured artifacts directory,
// creating it if absent.
func NewStore(cfg *config.Config) (*Store, error) {
	root := cfg.Artifacts.DataDir
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Store{root: root}, nil
}

// slugify lowercases s, replaces non-alphanumeric runs with '-', and trims to
// at most 30 characters.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugNonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	if s == "" {
		s = "task"
	}
	return s
}

func randomHex6() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Create allocates a new commis directory and writes its initial metadata.json.
// It returns the commis_id (the directory name), which is the filesystem key
// into the store.
func (s *Store) Create(task string, cfg map[string]any) (string, error) {
	commisID := fmt.Sprintf("%s_%s_%s", time.Now().UTC().Format("20060102T150405Z"), slugify(task), randomHex6())
	dir := filepath.Join(s.root, commisID)
	if err := os.MkdirAll(filepath.Join(dir, "tool_calls"), 0o755); err != nil {
		return "", fmt.Errorf("create commis dir: %w", err)
	}

	meta := Metadata{
		CommisID:  commisID,
		Task:      task,
		Config:    cfg,
		Status:    "queued",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeMetadata(commisID, &meta); err != nil {
		return "", err
	}

	ownerID, _ := cfg["owner_id"].(string)
	if err := s.appendIndex(indexEntry{CommisID: commisID, Task: task, Status: meta.Status, OwnerID: ownerID, CreatedAt: meta.CreatedAt}); err != nil {
		return "", err
	}
	return commisID, nil
}

func (s *Store) commisDir(commisID string) string {
	return filepath.Join(s.root, commisID)
}

func (s *Store) metadataPath(commisID string) string {
	return filepath.Join(s.commisDir(commisID), "metadata.json")
}

func (s *Store) readMetadata(commisID string) (*Metadata, error) {
	b, err := os.ReadFile(s.metadataPath(commisID))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) writeMetadata(commisID string, m *Metadata) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.metadataPath(commisID), b, 0o644)
}

// Start marks a commis as started, updating metadata.json's status and
// started_at.
func (s *Store) Start(commisID string) error {
	m, err := s.readMetadata(commisID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.Status = "running"
	m.StartedAt = &now
	return s.writeMetadata(commisID, m)
}

// SaveMessage appends one JSON line to thread.jsonl.
func (s *Store) SaveMessage(commisID string, message any) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.commisDir(commisID), "thread.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// SaveToolOutput writes the Nth executed tool's output to
// tool_calls/NNN_{tool}.txt, numbered in call order.
func (s *Store) SaveToolOutput(commisID string, n int, toolName, output string) error {
	name := fmt.Sprintf("%03d_%s.txt", n, slugify(toolName))
	return os.WriteFile(filepath.Join(s.commisDir(commisID), "tool_calls", name), []byte(output), 0o644)
}

// SaveResult writes the canonical final result. result.txt is never deleted
// or truncated once written.
func (s *Store) SaveResult(commisID, result string) error {
	return os.WriteFile(filepath.Join(s.commisDir(commisID), "result.txt"), []byte(result), 0o644)
}

// SaveArtifact writes an arbitrary named artifact (e.g. diff.patch) into the
// commis directory.
func (s *Store) SaveArtifact(commisID, name string, data []byte) error {
	if err := validateRelPath(name); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.commisDir(commisID), name), data, 0o644)
}

// Complete finalizes a commis's metadata and index entry with its terminal
// status and optional error.
func (s *Store) Complete(commisID, status string, errMsg *string) error {
	m, err := s.readMetadata(commisID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.Status = status
	m.FinishedAt = &now
	m.Error = errMsg
	if m.StartedAt != nil {
		ms := now.Sub(*m.StartedAt).Milliseconds()
		m.DurationMs = &ms
	}
	if err := s.writeMetadata(commisID, m); err != nil {
		return err
	}
	return s.updateIndexStatus(commisID, status, &now)
}

// UpdateSummary attaches a derived summary to metadata.json without touching
// result.txt. Summaries are always recomputable.
func (s *Store) UpdateSummary(commisID, summary string, meta map[string]any) error {
	m, err := s.readMetadata(commisID)
	if err != nil {
		return err
	}
	m.Summary = &summary
	m.SummaryMeta = meta
	return s.writeMetadata(commisID, m)
}

// GetMetadata returns a commis's metadata, enforcing ownership by comparing
// metadata.config.owner_id when ownerID is non-empty.
func (s *Store) GetMetadata(commisID, ownerID string) (*Metadata, error) {
	m, err := s.readMetadata(commisID)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	if ownerID != "" {
		if owner, _ := m.Config["owner_id"].(string); owner != ownerID {
			return nil, apperror.ErrNotFound
		}
	}
	return m, nil
}

// GetResult returns the contents of result.txt.
func (s *Store) GetResult(commisID string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.commisDir(commisID), "result.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "", apperror.ErrNotFound
	}
	if err != nil {
		return "", apperror.ErrInternal.WithInternal(err)
	}
	return string(b), nil
}

// validateRelPath rejects ".." segments, matching ReadFile's security rule.
func validateRelPath(relPath string) error {
	if relPath == "" || filepath.IsAbs(relPath) {
		return apperror.NewBadRequest("invalid path")
	}
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if part == ".." {
			return apperror.NewBadRequest("path escapes commis directory")
		}
	}
	return nil
}

// ReadFile returns the contents of relPath within commisID's directory.
// It rejects ".." segments and any resolved path that escapes the commis
// directory, never reading such a path.
func (s *Store) ReadFile(commisID, relPath string) ([]byte, error) {
	if err := validateRelPath(relPath); err != nil {
		return nil, err
	}

	dir := s.commisDir(commisID)
	full := filepath.Join(dir, relPath)

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	if !strings.HasPrefix(absFull, absDir+string(filepath.Separator)) && absFull != absDir {
		return nil, apperror.NewBadRequest("path escapes commis directory")
	}

	b, err := os.ReadFile(absFull)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return b, nil
}
