package correlation

import (
	"context"
	"log/slog"
	"time"
)

// Sweep calls PurgeExpired every interval until ctx ends. SQL backends
// have no native record expiry; reads already ignore expired records, so
// sweeping only reclaims space.
func Sweep(ctx context.Context, s Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := s.PurgeExpired(ctx, now)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("ttl sweep failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Debug("ttl sweep", slog.Int("removed", removed))
			}
		}
	}
}
