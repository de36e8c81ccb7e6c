package jobs

import (
	"context"
	"log"
	"time"

	"github.com/thefirebuilds/authentik/internal/config"
)

type DeviceStore interface {
	DeleteDevicesNotVerifiedSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartDeviceCleanupJob prunes endpoint devices whose last verification is
// older than the retention window. Devices come back on their next verified
// attestation, so pruning is safe.
func StartDeviceCleanupJob(ctx context.Context, cfg config.Config, store DeviceStore) {
	if !cfg.DeviceCleanupEnabled {
		return
	}
	interval := cfg.DeviceCleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := cfg.DeviceCleanupRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				removed, err := store.DeleteDevicesNotVerifiedSince(tickCtx, cutoff)
				cancel()
				if err != nil {
					log.Printf("device cleanup job error: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("device cleanup job removed %d stale devices", removed)
				}
			}
		}
	}()
}
