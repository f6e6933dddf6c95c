package operator

import (
	"context"
	"time"

	"github.com/qiniu/zcp/internal/verify"
	"github.com/rs/zerolog/log"
)

// VerifyAll diagnoses every runtime service of the stored topology in
// hostname order. Managed services are skipped.
func (o *Operator) VerifyAll(ctx context.Context) ([]*verify.Diagnosis, error) {
	topo, err := o.Topology()
	if err != nil {
		return nil, err
	}
	out := []*verify.Diagnosis{}
	for _, h := range topo.Hostnames() {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		svc := topo.Services[h]
		if svc.Role.Managed() {
			continue
		}
		o.mu.Lock()
		d := o.engine.Verify(ctx, *svc)
		o.mu.Unlock()
		out = append(out, d)
	}
	return out, nil
}

// StartVerifyScheduler runs VerifyAll every interval until ctx is done.
func StartVerifyScheduler(ctx context.Context, o *Operator, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log.Info().Dur("interval", interval).Msg("verification scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ds, err := o.VerifyAll(ctx)
			if err != nil {
				log.Error().Err(err).Msg("scheduled verification failed")
				continue
			}
			unhealthy := 0
			for _, d := range ds {
				if d.Kind != verify.KindHealthy {
					unhealthy++
				}
			}
			log.Info().Int("services", len(ds)).Int("unhealthy", unhealthy).Msg("scheduled verification finished")
		}
	}
}
