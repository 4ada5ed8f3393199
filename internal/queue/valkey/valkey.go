// Package valkey implements a Valkey/Redis-backed queue driver: a list for
// ready jobs, a sorted set for delayed jobs (score = availability time) and
// a list for the failed-job ledger. This mirrors the layout the hosted
// platform's previous job runner used, so existing tooling can inspect it.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/corvidmail/provisiond/internal/queue"
)

func init() {
	queue.Register("valkey", func(cfg *queue.DriverConfig) (queue.Driver, error) {
		return New(cfg.Valkey)
	})
}

// pollInterval is how often a blocked Dequeue re-checks for work. Delayed
// promotion happens on the same cadence.
const pollInterval = 250 * time.Millisecond

// promoteBatch bounds how many due delayed jobs are promoted per poll.
const promoteBatch = 100

// Driver is the valkey-backed queue driver.
type Driver struct {
	client valkey.Client
	prefix string
}

// New connects to the configured valkey server.
func New(cfg queue.ValkeyConfig) (*Driver, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("valkey queue driver requires an address")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "provisiond"
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		// The poll loop issues tiny commands; server-assisted client-side
		// caching buys nothing here.
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	return &Driver{client: client, prefix: prefix}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return "valkey" }

func (d *Driver) pendingKey() string { return d.prefix + ":pending" }
func (d *Driver) delayedKey() string { return d.prefix + ":delayed" }
func (d *Driver) failedKey() string  { return d.prefix + ":failed" }

// Enqueue stores the envelope: the delayed set when AvailableAt is in the
// future, the ready list otherwise.
func (d *Driver) Enqueue(ctx context.Context, env *queue.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if delay := time.Until(env.AvailableAt); delay > 0 {
		score := float64(env.AvailableAt.UnixMilli())
		cmd := d.client.B().Zadd().Key(d.delayedKey()).
			ScoreMember().ScoreMember(score, string(raw)).Build()
		if err := d.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("zadd delayed: %w", err)
		}
		return nil
	}

	cmd := d.client.B().Lpush().Key(d.pendingKey()).Element(string(raw)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("lpush pending: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed jobs, then pops from the ready list,
// polling until work arrives or ctx is done.
func (d *Driver) Dequeue(ctx context.Context) (*queue.Envelope, error) {
	for {
		if err := d.promoteDue(ctx); err != nil {
			return nil, err
		}

		resp := d.client.Do(ctx, d.client.B().Rpop().Key(d.pendingKey()).Build())
		raw, err := resp.ToString()
		switch {
		case err == nil:
			var env queue.Envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return nil, fmt.Errorf("unmarshal envelope: %w", err)
			}
			return &env, nil
		case valkey.IsValkeyNil(err):
			// empty, fall through to poll
		default:
			return nil, fmt.Errorf("rpop pending: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// promoteDue moves delayed jobs whose time has come onto the ready list.
// ZREM before LPUSH keeps concurrent workers from promoting the same member
// twice: only the worker whose ZREM removed the member pushes it.
func (d *Driver) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	cmd := d.client.B().Zrangebyscore().Key(d.delayedKey()).
		Min("-inf").Max(now).Limit(0, promoteBatch).Build()
	due, err := d.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return fmt.Errorf("zrangebyscore delayed: %w", err)
	}

	for _, member := range due {
		removed, err := d.client.Do(ctx,
			d.client.B().Zrem().Key(d.delayedKey()).Member(member).Build()).AsInt64()
		if err != nil {
			return fmt.Errorf("zrem delayed: %w", err)
		}
		if removed == 0 {
			continue // another worker won the race
		}
		if err := d.client.Do(ctx,
			d.client.B().Lpush().Key(d.pendingKey()).Element(member).Build()).Error(); err != nil {
			return fmt.Errorf("lpush promoted: %w", err)
		}
	}
	return nil
}

// RecordFailure appends to the failed-job ledger list.
func (d *Driver) RecordFailure(ctx context.Context, env *queue.Envelope, cause string) error {
	record := queue.FailureRecord{
		Envelope: *env,
		Cause:    cause,
		FailedAt: time.Now(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}

	cmd := d.client.B().Lpush().Key(d.failedKey()).Element(string(raw)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("lpush failed ledger: %w", err)
	}
	return nil
}

// Depth reports queue depths from the three keys.
func (d *Driver) Depth(ctx context.Context) (queue.Depth, error) {
	var depth queue.Depth

	pending, err := d.client.Do(ctx, d.client.B().Llen().Key(d.pendingKey()).Build()).AsInt64()
	if err != nil {
		return depth, fmt.Errorf("llen pending: %w", err)
	}
	delayed, err := d.client.Do(ctx, d.client.B().Zcard().Key(d.delayedKey()).Build()).AsInt64()
	if err != nil {
		return depth, fmt.Errorf("zcard delayed: %w", err)
	}
	failed, err := d.client.Do(ctx, d.client.B().Llen().Key(d.failedKey()).Build()).AsInt64()
	if err != nil {
		return depth, fmt.Errorf("llen failed: %w", err)
	}

	depth.Pending = pending
	depth.Delayed = delayed
	depth.Failed = failed
	return depth, nil
}

// Close releases the client.
func (d *Driver) Close() error {
	d.client.Close()
	return nil
}
