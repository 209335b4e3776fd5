package maintenance

import (
	"context"
	"time"

	"github.com/VitoHuang720618/bojiu/internal/observability"
	"github.com/VitoHuang720618/bojiu/internal/ratelimit"
)

const DefaultJanitorInterval = 5 * time.Minute

// RunJanitor sweeps expired limiter entries every interval until ctx ends.
// Long-running servers use it; serverless deployments rely on the cron
// endpoint instead.
func RunJanitor(ctx context.Context, limiter ratelimit.Limiter, logger *observability.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := limiter.Cleanup(ctx)
			if err != nil {
				logger.Warn("rate_limit_cleanup_failed", map[string]any{"error": err.Error()})
				continue
			}
			if removed > 0 {
				logger.Info("rate_limit_cleanup", map[string]any{"removed": removed})
			}
		}
	}
}
