// Package idempotency wraps mutating operations so that retries carrying the
// same (tenant, client key) and body take effect once per TTL window.
//
// A record is claimed under a row lock, the lock is released, and only then is
// the operation invoked. The operation is therefore free to open its own
// transactions and take its own row locks without nesting behind ours. The
// price is a narrow window: two requests that both claim the record before
// either stores its response will both execute.
package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/clock"
	"github.com/richardliu001/order-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TTL is how long a cached response stays authoritative for its key.
const TTL = time.Hour

// Result is the serialized outcome of an operation.
type Result struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Cacheable reports whether the result is a success worth replaying.
func (r Result) Cacheable() bool {
	return r.Status >= 200 && r.Status < 300
}

// Operation is the mutating work guarded by the coordinator.
type Operation func(ctx context.Context) (Result, error)

// Coordinator implements the idempotency-key protocol on top of the
// idempotency_records table. It is the only component touching that table.
type Coordinator struct {
	repo  repo.RepositoryInterface
	clock clock.Clock
	log   *zap.SugaredLogger
	ttl   time.Duration
}

// NewCoordinator returns a Coordinator using the fixed one hour TTL. clk
// should be the clock the wrapped operations stamp their rows with.
func NewCoordinator(r repo.RepositoryInterface, clk clock.Clock, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{repo: r, clock: clk, log: logger, ttl: TTL}
}

// Execute runs op at most once per (tenant, key, body) within the TTL and
// replays the stored result for duplicates. Reusing a live key with a
// different body fails with apperr.ErrConflict.
func (c *Coordinator) Execute(ctx context.Context, tenantID, key string, body []byte, op Operation) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, apperr.ErrMissingIdempotencyKey
	}
	if tenantID == "" {
		return Result{}, apperr.ErrMissingTenant
	}
	if body == nil {
		body = []byte{}
	}

	var replay *Result
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		now := c.clock.Now()
		rec, created, err := c.repo.LockIdempotencyRecord(ctx, tx, tenantID, key, body, now)
		if err != nil {
			return err
		}
		if created {
			return nil
		}
		if rec.Expired(now, c.ttl) {
			c.log.Debugf("idempotency key %s/%s expired, resetting", tenantID, key)
			return c.repo.ResetIdempotencyRecord(ctx, tx, rec, body, now)
		}
		if rec.HasResponse() {
			if !bytes.Equal(rec.RequestBody, body) {
				return fmt.Errorf("%w: Idempotency-Key reused with a different request body", apperr.ErrConflict)
			}
			replay = &Result{
				Status:   rec.ResponseStatus,
				Body:     []byte(rec.ResponseBody),
				Replayed: true,
			}
			return nil
		}
		return c.repo.SetIdempotencyRequest(ctx, tx, rec, body)
	})
	if err != nil {
		return Result{}, err
	}
	if replay != nil {
		return *replay, nil
	}

	res, err := op(ctx)
	if err != nil {
		return Result{}, err
	}
	if res.Cacheable() && len(res.Body) > 0 {
		c.store(ctx, tenantID, key, res)
	}
	return res, nil
}

// store persists a completed result. Failures are logged only: the
// operation already happened and its result must reach the caller.
func (c *Coordinator) store(ctx context.Context, tenantID, key string, res Result) {
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return c.repo.SaveIdempotencyResponse(ctx, tx, tenantID, key, res.Status, res.Body)
	})
	if err != nil {
		c.log.Warnf("store idempotent response %s/%s: %v", tenantID, key, err)
	}
}
