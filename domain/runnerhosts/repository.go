package runnerhosts

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/ficheops/control-plane/internal/database"
	"github.com/ficheops/control-plane/pkg/apperror"
)

// Registration errors surfaced to the HTTP edge.
var (
	errInvalidToken  = apperror.NewBadRequest("Invalid or expired enrollment token")
	errDuplicateName = apperror.ErrConflict.WithMessage("a runner with that name already exists")
)

// Repository persists runner hosts and enrollment tokens.
type Repository struct {
	db bun.IDB
}

// NewRepository creates a runnerhosts Repository.
func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

// CreateToken inserts a new enrollment token row holding only the secret's
// salted hash.
func (r *Repository) CreateToken(ctx context.Context, secretHash string, expiresAt time.Time) (*EnrollmentToken, error) {
	tok := &EnrollmentToken{SecretHash: secretHash, ExpiresAt: expiresAt}
	if _, err := r.db.NewInsert().Model(tok).Returning("*").Exec(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return tok, nil
}

// Register atomically consumes an enrollment token and creates the runner
// host, all inside one transaction. For any set of concurrent calls with the
// same token, exactly one commits the used_at update and the host row; every
// other caller observes a consumed token and gets the invalid-token error.
func (r *Repository) Register(ctx context.Context, tokenID, secret string, host *RunnerHost) (*RunnerHost, error) {
	tx, err := database.BeginSafeTx(ctx, r.db)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer tx.Rollback()

	tok := new(EnrollmentToken)
	err = tx.NewSelect().Model(tok).Where("id = ?", tokenID).For("UPDATE").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errInvalidToken
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if tok.UsedAt != nil || time.Now().After(tok.ExpiresAt) {
		return nil, errInvalidToken
	}
	if !VerifySecret(tok.SecretHash, secret) {
		return nil, errInvalidToken
	}

	if _, err := tx.NewInsert().Model(host).Returning("*").Exec(ctx); err != nil {
		if strings.Contains(err.Error(), "runner_hosts_name_key") || strings.Contains(err.Error(), "duplicate key") {
			return nil, errDuplicateName
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	res, err := tx.NewUpdate().Model((*EnrollmentToken)(nil)).
		Set("used_at = now()").
		Set("used_by_runner_host_id = ?", host.ID).
		Where("id = ? AND used_at IS NULL", tokenID).
		Exec(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, errInvalidToken
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return host, nil
}

// GetRunnerHost returns a runner host by id, or nil.
func (r *Repository) GetRunnerHost(ctx context.Context, id string) (*RunnerHost, error) {
	h := new(RunnerHost)
	err := r.db.NewSelect().Model(h).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return h, nil
}

// ListRunnerHosts returns all runner hosts, newest first.
func (r *Repository) ListRunnerHosts(ctx context.Context) ([]*RunnerHost, error) {
	var hs []*RunnerHost
	err := r.db.NewSelect().Model(&hs).Order("created_at DESC").Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return hs, nil
}

// RotateSecret replaces a host's secret hash and forces it offline until it
// reconnects with the new credential.
func (r *Repository) RotateSecret(ctx context.Context, id, secretHash string) error {
	_, err := r.db.NewUpdate().Model((*RunnerHost)(nil)).
		Set("secret_hash = ?", secretHash).
		Set("status = ?", StatusOffline).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// DeleteExpiredTokens removes unused tokens past their expiry, for the
// scheduler's cleanup sweep. Used tokens are kept as an audit trail.
func (r *Repository) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	res, err := r.db.NewDelete().Model((*EnrollmentToken)(nil)).
		Where("used_at IS NULL AND expires_at < now()").
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
