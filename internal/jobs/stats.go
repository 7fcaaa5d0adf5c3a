package jobs

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Stats is a point-in-time breakdown of one job table by status.
type Stats struct {
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Timeout   int64 `json:"timeout"`
}

// CommisJobStats returns the commis queue breakdown.
func CommisJobStats(ctx context.Context, db bun.IDB) (*Stats, error) {
	return tableStats(ctx, db, "core.commis_jobs", "'success'", "'failed'", "'timeout'")
}

// RunnerJobStats returns the external runner queue breakdown.
func RunnerJobStats(ctx context.Context, db bun.IDB) (*Stats, error) {
	return tableStats(ctx, db, "core.runner_jobs", "'completed'", "'failed', 'cancelled'", "''")
}

func tableStats(ctx context.Context, db bun.IDB, table, successSet, failedSet, timeoutSet string) (*Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status IN (%s)) AS succeeded,
			COUNT(*) FILTER (WHERE status IN (%s)) AS failed,
			COUNT(*) FILTER (WHERE status IN (%s)) AS timeout
		FROM %s`, successSet, failedSet, timeoutSet, table)

	stats := &Stats{}
	err := db.QueryRowContext(ctx, query).Scan(&stats.Queued, &stats.Running, &stats.Succeeded, &stats.Failed, &stats.Timeout)
	if err != nil {
		return nil, fmt.Errorf("job stats for %s: %w", table, err)
	}
	return stats, nil
}
