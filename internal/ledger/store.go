package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/x402lab/facilitator/internal/voucher"
)

// Redis key templates. Vouchers are namespaced per network.
const (
	voucherKeyFmt   = "voucher:%s:%s" // network, voucher id (hex)
	voucherIndexFmt = "voucher:index:%s"
	idLockFmt       = "voucher:lock:%s:%s"
)

// ErrLockBusy is returned when another submit/claim holds the per-id lock.
var ErrLockBusy = errors.New("voucher locked by concurrent operation")

// unlockScript releases the lock only if we still own it. A holder whose TTL
// already expired must not delete a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Store persists vouchers in Redis, one JSON blob per voucher id plus a
// per-network index set. All mutation goes through withIDLock so that for a
// fixed id at most one read-check-write is in flight at a time.
type Store struct {
	rdb     *redis.Client
	network string
}

func NewStore(rdb *redis.Client, network string) *Store {
	return &Store{rdb: rdb, network: network}
}

func (s *Store) key(id common.Hash) string {
	return fmt.Sprintf(voucherKeyFmt, s.network, id.Hex())
}

// Get loads a voucher by id; (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, id common.Hash) (*voucher.Voucher, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voucher: %w", err)
	}
	var v voucher.Voucher
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal voucher %s: %w", id.Hex(), err)
	}
	return &v, nil
}

// Put writes a voucher and registers it in the network index.
func (s *Store) Put(ctx context.Context, v *voucher.Voucher) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal voucher: %w", err)
	}
	indexKey := fmt.Sprintf(voucherIndexFmt, s.network)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(v.ID), string(raw), 0)
		pipe.SAdd(ctx, indexKey, v.ID.Hex())
		return nil
	})
	if err != nil {
		return fmt.Errorf("put voucher: %w", err)
	}
	return nil
}

// List returns all vouchers on this network, ordered by id for stable
// iteration.
func (s *Store) List(ctx context.Context) ([]*voucher.Voucher, error) {
	indexKey := fmt.Sprintf(voucherIndexFmt, s.network)
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list voucher index: %w", err)
	}
	sort.Strings(ids)

	vouchers := make([]*voucher.Voucher, 0, len(ids))
	for _, idHex := range ids {
		v, err := s.Get(ctx, common.HexToHash(idHex))
		if err != nil {
			return nil, err
		}
		if v != nil {
			vouchers = append(vouchers, v)
		}
	}
	return vouchers, nil
}

// withIDLock runs fn while holding the per-id lock, the single mandatory
// serialization point: concurrent submits or claims for the same id must
// not interleave their read-check-write.
func (s *Store) withIDLock(ctx context.Context, id common.Hash, ttl time.Duration, fn func() error) error {
	lockKey := fmt.Sprintf(idLockFmt, s.network, id.Hex())
	token := uuid.NewString()

	var acquired bool
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.rdb.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire voucher lock: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !acquired {
		return ErrLockBusy
	}
	defer unlockScript.Run(context.WithoutCancel(ctx), s.rdb, []string{lockKey}, token) //nolint:errcheck

	return fn()
}
