package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"consentry/internal/audit"
	"consentry/internal/consent/store"
	id "consentry/pkg/domain"
	dErrors "consentry/pkg/domain-errors"
	platformsync "consentry/pkg/platform/sync"
)

// Shard contention metrics for monitoring lock behavior
var (
	shardLockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consentry_shard_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a subject shard lock",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	shardLockAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consentry_shard_lock_acquisitions_total",
		Help: "Total number of subject shard lock acquisitions",
	})
)

// Tx is the atomic boundary for a consent mutation and its audit append.
// Either both the record write and the audit entry commit, or neither does.
// Implementations may wrap a database transaction or, in-memory, a
// subject-sharded lock.
type Tx interface {
	RunInTx(ctx context.Context, subject id.SubjectID, fn func(records store.Store, trail audit.Store) error) error
}

// defaultTxTimeout is the maximum duration for a consent transaction.
const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	mu      *platformsync.ShardedMutex
	records store.Store
	trail   audit.Store
	timeout time.Duration
}

// NewShardedTx builds the in-memory transaction boundary: a subject-sharded
// mutex over the given stores. Writes for the same subject serialize; writes
// for different subjects proceed in parallel across shards.
func NewShardedTx(records store.Store, trail audit.Store) Tx {
	return &shardedTx{
		mu:      platformsync.NewShardedMutex(),
		records: records,
		trail:   trail,
		timeout: defaultTxTimeout,
	}
}

func (t *shardedTx) RunInTx(ctx context.Context, subject id.SubjectID, fn func(records store.Store, trail audit.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lockStart := time.Now()
	t.mu.Lock(subject.String())
	shardLockWaitDuration.Observe(time.Since(lockStart).Seconds())
	shardLockAcquisitions.Inc()
	defer t.mu.Unlock(subject.String())

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	return fn(t.records, t.trail)
}
