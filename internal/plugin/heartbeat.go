package plugin

import (
	"context"
	"time"

	"geyserfeed/internal/bus"
	"geyserfeed/internal/config"
	"geyserfeed/internal/model"
)

// heartbeat publishes a Ping immediately and then every interval until ctx
// is done. Nobody listening is fine.
func heartbeat(ctx context.Context, b *bus.Bus, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultHeartbeat
	}
	b.Publish(model.Update{Ping: &model.Ping{}})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(model.Update{Ping: &model.Ping{}})
		}
	}
}
