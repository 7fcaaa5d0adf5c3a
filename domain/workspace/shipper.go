package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SessionShipper is the narrow interface to the session storage collaborator:
// it fetches prior session logs for resumption and receives finished ones.
// The concrete transport (the shipper service) lives outside the core.
type SessionShipper interface {
	Fetch(ctx context.Context, sessionID string) ([]byte, error)
	Ship(ctx context.Context, sessionID string, data []byte) error
}

// RateLimitedError signals a 429 from the shipper. RetryAfter is zero when
// the response carried no Retry-After header.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

const (
	defaultShipAttempts = 5
	baseShipBackoff     = 1 * time.Second
	maxShipBackoff      = 30 * time.Second
)

// shipBackoff picks the delay before retry number attempt (1-based). A
// Retry-After from the shipper is honoured verbatim (capped), otherwise the
// delay doubles per attempt up to the cap.
func shipBackoff(attempt int, retryAfter, maxBackoff time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > maxBackoff {
			return maxBackoff
		}
		return retryAfter
	}
	d := baseShipBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// shipWithRetry delivers a session log, retrying transient failures. The
// caller spools the data locally when every attempt fails.
func shipWithRetry(ctx context.Context, shipper SessionShipper, sessionID string, data []byte, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := shipper.Ship(ctx, sessionID, data)
		if err == nil {
			return nil
		}
		lastErr = err

		var rl *RateLimitedError
		var retryAfter time.Duration
		if errors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shipBackoff(attempt, retryAfter, maxShipBackoff)):
		}
	}
	return lastErr
}

// NopShipper is the default shipper when no session storage is wired: fetch
// misses and ship drops, so workspace jobs still run and spool locally.
type NopShipper struct{}

func (NopShipper) Fetch(ctx context.Context, sessionID string) ([]byte, error) {
	return nil, errors.New("no session storage configured")
}

func (NopShipper) Ship(ctx context.Context, sessionID string, data []byte) error {
	return errors.New("no session storage configured")
}
