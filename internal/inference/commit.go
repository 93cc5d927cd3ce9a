package inference

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/persist"
)

// ScanPublisher fans scan events out to a message bus. Optional.
type ScanPublisher interface {
	PublishScans(ctx context.Context, scans []persist.ScanEvent)
}

// Committer executes the persistence effects produced under the store lock.
// Write failures are logged, never propagated: the in-memory store already
// holds the truth and the next write-through converges the database.
type Committer struct {
	DB        persist.Adapter
	Publisher ScanPublisher
	Logger    *zap.Logger
}

func (c *Committer) Commit(ctx context.Context, eff Effects) {
	if eff.Tracker != nil {
		if err := c.DB.SaveTracker(ctx, *eff.Tracker); err != nil {
			c.Logger.Warn("tracker write-through failed", zap.Error(err))
		}
	}
	if eff.Scanner != nil {
		if err := c.DB.SaveScanner(ctx, *eff.Scanner); err != nil {
			c.Logger.Warn("scanner write-through failed", zap.Error(err))
		}
	}
	for _, b := range eff.Beacons {
		if err := c.DB.SaveBeaconState(ctx, b); err != nil {
			c.Logger.Warn("beacon write-through failed", zap.String("mac", b.MAC), zap.Error(err))
		}
	}
	if len(eff.Scans) > 0 {
		if err := c.DB.SaveScans(ctx, eff.Scans); err != nil {
			c.Logger.Warn("scan log failed", zap.Error(err))
		}
		if c.Publisher != nil {
			c.Publisher.PublishScans(ctx, eff.Scans)
		}
	}
}
