package lock

import (
	"context"
	"hash/fnv"
	"slices"
	"time"

	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
)

// numShards spreads accounts over a fixed set of mutexes. Two accounts that
// hash to one shard share it; the shard is taken once.
const numShards = 128

const defaultAcquireTimeout = 5 * time.Second

// Sharded is an in-process Locker. Each shard is a one-slot channel so
// acquisition can give up when the context ends.
type Sharded struct {
	shards  [numShards]chan struct{}
	timeout time.Duration
}

// NewSharded builds a Sharded locker. A zero timeout applies the default when
// the caller's context carries no deadline.
func NewSharded(timeout time.Duration) *Sharded {
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	s := &Sharded{timeout: timeout}
	for i := range s.shards {
		s.shards[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Sharded) Acquire(ctx context.Context, accounts ...id.AccountID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "write intent aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shards := s.shardsFor(accounts)
	held := make([]int, 0, len(shards))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-s.shards[held[i]]
		}
	}
	for _, shard := range shards {
		select {
		case s.shards[shard] <- struct{}{}:
			held = append(held, shard)
		case <-ctx.Done():
			release()
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "timed out waiting for write intent")
		}
	}
	return release, nil
}

// shardsFor maps accounts to distinct shards in ascending shard order. Taking
// shards in a global order keeps acquisition deadlock free even when two ids
// share a shard.
func (s *Sharded) shardsFor(accounts []id.AccountID) []int {
	out := make([]int, 0, len(accounts))
	for _, acc := range ordered(accounts) {
		out = append(out, int(hashAccount(acc)%numShards))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// hashAccount is FNV-1a over the id bytes.
func hashAccount(acc id.AccountID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(acc[:])
	return h.Sum32()
}
