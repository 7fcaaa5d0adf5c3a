package runnerhosts

import (
	"context"
	"log/slog"
	"time"

	"github.com/ficheops/control-plane/internal/config"
	"github.com/ficheops/control-plane/pkg/apperror"
	"github.com/ficheops/control-plane/pkg/logger"
)

// Service implements enrollment, registration, and rotation on top of the
// repository.
type Service struct {
	repo *Repository
	cfg  *config.Config
	log  *slog.Logger
}

// NewService creates a runnerhosts Service.
func NewService(repo *Repository, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{repo: repo, cfg: cfg, log: log.With(logger.Scope("runnerhosts"))}
}

// MintedToken is the response to POST /api/runners/enroll-token. The token
// itself appears only here; the store keeps a salted hash.
type MintedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintToken creates a single-use enrollment token with the configured TTL.
func (s *Service) MintToken(ctx context.Context) (*MintedToken, error) {
	secret := newSecret("")
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	tok, err := s.repo.CreateToken(ctx, hash, time.Now().Add(s.cfg.Runners.EnrollTokenTTL))
	if err != nil {
		return nil, err
	}
	return &MintedToken{
		Token:     FormatEnrollToken(tok.ID, secret),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// RegisterRequest is the body of POST /api/runners/register.
type RegisterRequest struct {
	EnrollToken string            `json:"enroll_token"`
	Name        string            `json:"name,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Registered is the one-time response carrying the runner's plaintext secret.
type Registered struct {
	Runner       *RunnerHost `json:"runner"`
	RunnerSecret string      `json:"runner_secret"`
}

// Register consumes an enrollment token and creates the runner host. Exactly
// one concurrent caller per token succeeds.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registered, error) {
	tokenID, secret, err := ParseEnrollToken(req.EnrollToken)
	if err != nil {
		return nil, errInvalidToken
	}

	name := req.Name
	if name == "" {
		name = "runner-" + tokenID[:8]
	}

	runnerSecret := NewRunnerSecret()
	secretHash, err := HashSecret(runnerSecret)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	labels := req.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	host := &RunnerHost{
		Name:       name,
		Labels:     labels,
		Metadata:   metadata,
		SecretHash: secretHash,
		Status:     StatusOffline,
	}

	created, err := s.repo.Register(ctx, tokenID, secret, host)
	if err != nil {
		return nil, err
	}
	return &Registered{Runner: created, RunnerSecret: runnerSecret}, nil
}

// Rotated is the one-time response carrying the new plaintext secret.
type Rotated struct {
	Runner       *RunnerHost `json:"runner"`
	RunnerSecret string      `json:"runner_secret"`
}

// RotateSecret replaces a runner's secret. Revoked runners cannot rotate.
func (s *Service) RotateSecret(ctx context.Context, id string) (*Rotated, error) {
	host, err := s.repo.GetRunnerHost(ctx, id)
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, apperror.NewNotFound("runner", id)
	}
	if host.Status == StatusRevoked {
		return nil, apperror.NewBadRequest("runner is revoked")
	}

	runnerSecret := NewRunnerSecret()
	hash, err := HashSecret(runnerSecret)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	if err := s.repo.RotateSecret(ctx, id, hash); err != nil {
		return nil, err
	}

	host.SecretHash = hash
	host.Status = StatusOffline
	return &Rotated{Runner: host, RunnerSecret: runnerSecret}, nil
}
