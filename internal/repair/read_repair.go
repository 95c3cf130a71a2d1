package repair

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"phonon/internal/logging"
	"phonon/internal/node"
)

var repairCounter, _ = otel.Meter("phonon/repair").Int64Counter(
	"phonon.read_repairs",
	metric.WithDescription("Stale node writes issued by read repair."),
)

// ReadRepairer performs asynchronous read repair to converge stale nodes.
type ReadRepairer struct {
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewReadRepairer creates a new read repairer. Repaired values are written
// with ttl; timeout bounds each repair round.
func NewReadRepairer(timeout, ttl time.Duration, logger *zap.Logger) *ReadRepairer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ReadRepairer{
		timeout: timeout,
		ttl:     ttl,
		logger:  logging.OrNop(logger).Named("repair"),
	}
}

// Repair writes winner to every stale node in the background. An absent
// winner deletes the key instead. Errors are logged, never retried.
func (r *ReadRepairer) Repair(key string, winner Vote, stale []node.Node) {
	if len(stale) == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		repaired := 0
		for _, n := range stale {
			if err := r.repairNode(ctx, n, key, winner); err != nil {
				r.logger.Warn("read repair failed",
					zap.String("key", key), zap.String("node", n.ID()), zap.Error(err))
				continue
			}
			repaired++
		}

		repairCounter.Add(ctx, int64(repaired), metric.WithAttributes(attribute.Bool("found", winner.Found)))
		r.logger.Debug("read repair completed",
			zap.String("key", key), zap.Int("repaired", repaired), zap.Int("stale", len(stale)))
	}()
}

// Wait blocks until all in-flight repairs have finished.
func (r *ReadRepairer) Wait() {
	r.wg.Wait()
}

func (r *ReadRepairer) repairNode(ctx context.Context, n node.Node, key string, winner Vote) error {
	if !winner.Found {
		return n.Delete(ctx, key)
	}
	return n.Set(ctx, key, winner.Value, r.ttl)
}
