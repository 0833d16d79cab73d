package processor

import (
	"context"
	"time"
)

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepStuck(ctx)
		}
	}
}

// SweepStuck returns jobs stuck in running longer than the stuck timeout to
// the queue and re-dispatches them. Runs in every replica; the claim
// transition keeps double sweeps harmless.
func (p *Processor) SweepStuck(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.cfg.StuckTimeout)
	ids, err := p.store.RequeueStuck(cutoff)
	if err != nil {
		p.logger.Error("stuck sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		job, ok, err := p.store.GetJob(id)
		if err != nil || !ok {
			continue
		}
		if err := p.dispatcher.Enqueue(ctx, id, job.Priority); err != nil {
			p.logger.Error("re-enqueue failed", "job_id", id, "error", err)
			continue
		}
		p.logger.Warn("stuck job re-queued", "job_id", id, "attempts", job.Attempts)
	}
}
