// Package workspace runs workspace-mode commis jobs: a git checkout in a
// per-job temp directory, driven by the external hatch binary, with the
// working-tree diff and agent session shipped back as artifacts.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ficheops/control-plane/domain/courses"
	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/logger"
)

const (
	maxCloneRetries   = 3
	initialRetryDelay = 2 * time.Second
)

// ArtifactSink is where the executor drops captured artifacts. Satisfied by
// *artifacts.Store.
type ArtifactSink interface {
	SaveArtifact(commisID, name string, data []byte) error
}

// Executor runs one workspace-mode commis job at a time per call. Each call
// owns its working directory; no state is shared between jobs.
type Executor struct {
	cfg     *config.Config
	shipper SessionShipper
	log     *slog.Logger
}

// NewExecutor creates a workspace Executor.
func NewExecutor(cfg *config.Config, shipper SessionShipper, log *slog.Logger) *Executor {
	return &Executor{cfg: cfg, shipper: shipper, log: log.With(logger.Scope("workspace"))}
}

// Run executes a workspace-mode job: clone, optional session restore, hatch
// subprocess, diff capture, session ship-back. Preparation, diff, and
// shipping failures are logged but never fail a job that produced output.
func (e *Executor) Run(ctx context.Context, job *courses.CommisJob, commisID string, sink ArtifactSink) (string, error) {
	workdir := filepath.Join(e.cfg.Dispatcher.WorkspaceRoot, job.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	defer os.RemoveAll(workdir)

	gitRepo, _ := job.Config["git_repo"].(string)
	if gitRepo != "" {
		if err := e.cloneRepository(ctx, gitRepo, workdir); err != nil {
			return "", fmt.Errorf("clone repository: %w", err)
		}
	}

	if sid, _ := job.Config["resume_session_id"].(string); sid != "" {
		e.prepareResumeSession(ctx, sid, workdir)
	}

	stdout, stderr, err := e.runHatch(ctx, job, workdir)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("hatch: %w: %s", err, tail(stderr, 2000))
	}

	if gitRepo != "" {
		e.captureDiff(ctx, workdir, commisID, sink)
	}

	e.shipSession(ctx, job, workdir)

	return stdout, nil
}

// cloneRepository shallow-clones repo into workdir with bounded retries.
func (e *Executor) cloneRepository(ctx context.Context, repo, workdir string) error {
	var lastErr error
	for attempt := 0; attempt < maxCloneRetries; attempt++ {
		if attempt > 0 {
			delay := initialRetryDelay * time.Duration(1<<(attempt-1))
			e.log.Info("retrying clone", slog.Int("attempt", attempt+1), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repo, workdir)
		out, err := cmd.CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("git clone failed: %s", sanitizeGitOutput(string(out)))
	}
	e.log.Error("all clone retries exhausted", logger.Error(lastErr))
	return lastErr
}

// prepareResumeSession fetches a prior session log and writes it to the
// encoded-cwd path the hatch binary resolves sessions from. Best-effort.
func (e *Executor) prepareResumeSession(ctx context.Context, sessionID, workdir string) {
	data, err := e.shipper.Fetch(ctx, sessionID)
	if err != nil {
		e.log.Warn("fetch resume session failed", slog.String("session_id", sessionID), logger.Error(err))
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		e.log.Warn("resolve home dir failed", logger.Error(err))
		return
	}
	path := SessionPath(home, workdir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.log.Warn("create session dir failed", logger.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.Warn("write resume session failed", logger.Error(err))
	}
}

// runHatch invokes the external agent binary on the task, capturing output.
func (e *Executor) runHatch(ctx context.Context, job *courses.CommisJob, workdir string) (string, string, error) {
	args := []string{"-p", job.Task}
	if sid, _ := job.Config["resume_session_id"].(string); sid != "" {
		args = append(args, "--resume", sid)
	}
	if job.Model != "" {
		args = append(args, "--model", job.Model)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Dispatcher.HatchBinary, args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// captureDiff saves the working-tree diff as diff.patch. Best-effort.
func (e *Executor) captureDiff(ctx context.Context, workdir, commisID string, sink ArtifactSink) {
	cmd := exec.CommandContext(ctx, "git", "diff")
	cmd.Dir = workdir
	out, err := cmd.Output()
	if err != nil {
		e.log.Warn("capture diff failed", logger.Error(err))
		return
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return
	}
	if err := sink.SaveArtifact(commisID, "diff.patch", out); err != nil {
		e.log.Warn("save diff artifact failed", logger.Error(err))
	}
}

// shipSession finds the job's session log and ships it back to storage,
// spooling locally when the shipper stays unavailable. Best-effort.
func (e *Executor) shipSession(ctx context.Context, job *courses.CommisJob, workdir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	dir := SessionDir(home, workdir)
	sessionID, data, err := newestSession(dir)
	if err != nil {
		e.log.Debug("no session to ship", slog.String("job_id", job.ID))
		return
	}

	if err := shipWithRetry(ctx, e.shipper, sessionID, data, defaultShipAttempts); err != nil {
		e.log.Warn("ship session failed, spooling", slog.String("session_id", sessionID), logger.Error(err))
		e.spool(sessionID, data)
	}
}

func (e *Executor) spool(sessionID string, data []byte) {
	dir := filepath.Join(e.cfg.Dispatcher.WorkspaceRoot, "spool")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), data, 0o644)
}

// newestSession returns the most recently modified session log in dir.
func newestSession(dir string) (string, []byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, err
	}

	var newest os.DirEntry
	var newestMod time.Time
	for _, en := range entries {
		if en.IsDir() || !strings.HasSuffix(en.Name(), ".jsonl") {
			continue
		}
		info, err := en.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newestMod) {
			newest = en
			newestMod = info.ModTime()
		}
	}
	if newest == nil {
		return "", nil, os.ErrNotExist
	}

	data, err := os.ReadFile(filepath.Join(dir, newest.Name()))
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(newest.Name(), ".jsonl"), data, nil
}

// SessionDir is where the hatch binary keeps session logs for a working
// directory: ~/.hatch/sessions/{encoded-cwd}/.
func SessionDir(home, workdir string) string {
	return filepath.Join(home, ".hatch", "sessions", EncodeCwd(workdir))
}

// SessionPath is the full path of one session log.
func SessionPath(home, workdir, sessionID string) string {
	return filepath.Join(SessionDir(home, workdir), sessionID+".jsonl")
}

// EncodeCwd flattens an absolute working directory into the single path
// segment the hatch binary uses to key its session storage.
func EncodeCwd(workdir string) string {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		abs = workdir
	}
	return strings.ReplaceAll(strings.TrimPrefix(abs, string(filepath.Separator)), string(filepath.Separator), "-")
}

var credentialURL = regexp.MustCompile(`https://[^@\s]+@`)

// sanitizeGitOutput strips embedded credentials from git's output before it
// reaches logs or error messages.
func sanitizeGitOutput(out string) string {
	return credentialURL.ReplaceAllString(out, "https://***@")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
