package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/aide/internal/store"
)

// Cleaner prunes outcomes past the retention window on a cron
// schedule.
type Cleaner struct {
	Store     *store.Store
	CronSpec  string
	Retention time.Duration
	Logger    *log.Logger
	Stop      chan struct{}
}

func (cl *Cleaner) Start() {
	go cl.loop()
}

func (cl *Cleaner) loop() {
	for {
		wait, err := cl.untilNext(time.Now())
		if err != nil {
			cl.Logger.Printf("invalid cron spec %q, cleaner disabled: %v", cl.CronSpec, err)
			return
		}
		select {
		case <-cl.Stop:
			return
		case <-time.After(wait):
			cl.runOnce(context.Background())
		}
	}
}

func (cl *Cleaner) untilNext(now time.Time) (time.Duration, error) {
	expr, err := cronexpr.Parse(cl.CronSpec)
	if err != nil {
		return 0, err
	}
	return expr.Next(now).Sub(now), nil
}

func (cl *Cleaner) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-cl.Retention)
	pruned, err := cl.Store.PruneOutcomesBefore(ctx, cutoff)
	if err != nil {
		cl.Logger.Printf("pruning outcomes: %v", err)
		return
	}
	cl.Logger.Printf("pruned %d outcomes older than %s", pruned, cutoff.Format(time.RFC3339))
}
