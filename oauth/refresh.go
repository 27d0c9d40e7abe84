// Package oauth provides generic token refresh scheduling for providers whose
// tokens are persisted in the oauth_tokens table. It performs jittered checks
// and refreshes when expiry falls within a configured window, so connectors
// restarted after a crash always find a working credential.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/neustream/chat-engine/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, conn *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			row := conn.QueryRowContext(ctx, `SELECT access_token, refresh_token, token_version, expires_at, scope FROM oauth_tokens WHERE provider=$1 LIMIT 1`, provider)
			var at, rt, scope string
			var version int
			var exp time.Time
			if err := row.Scan(&at, &rt, &version, &exp, &scope); err != nil {
				continue
			}
			rt, err := db.DecryptToken(rt, version)
			if err != nil {
				slog.Warn("stored refresh token unreadable", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if rt == "" {
				continue
			}
			// If still outside window skip quickly
			if time.Until(exp) > window {
				continue
			}
			// Small pre-refresh jitter to avoid stampedes when many pods see same expiry
			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if newRT == "" {
				newRT = rt
			}
			if newScope == "" {
				newScope = scope
			}
			storedAT, v1, err := db.EncryptToken(newAT)
			if err != nil {
				slog.Warn("token encrypt failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			storedRT, _, err := db.EncryptToken(newRT)
			if err != nil {
				slog.Warn("token encrypt failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			_, err = conn.ExecContext(ctx, `UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, token_version=$3, expires_at=$4, scope=$5, updated_at=NOW() WHERE provider=$6`,
				storedAT, storedRT, v1, newExp, strings.TrimSpace(newScope), provider)
			if err != nil {
				slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			slog.Info("token refreshed", slog.String("provider", provider))
		}
	}()
}
