package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/x402lab/facilitator/internal/voucher"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, "testnet"), mr
}

func storedVoucher(id byte) *voucher.Voucher {
	return &voucher.Voucher{
		ID:             common.Hash{id},
		Buyer:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Seller:         testSeller,
		Asset:          testAsset,
		Escrow:         testNet.Escrow,
		ChainID:        testNet.ChainID,
		Nonce:          big.NewInt(1),
		ValueAggregate: big.NewInt(100),
		Timestamp:      1_700_000_000,
		Signature:      make([]byte, 65),
	}
}

func TestStore_GetAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	v, err := s.Get(context.Background(), common.Hash{0xff})
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatal("absent voucher must be (nil, nil)")
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	want := storedVoucher(0x01)
	if err := s.Put(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, want.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Nonce.Cmp(want.Nonce) != 0 || got.ValueAggregate.Cmp(want.ValueAggregate) != 0 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestStore_ListIsNetworkScoped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewStore(rdb, "alpha")
	b := NewStore(rdb, "beta")
	ctx := context.Background()

	if err := a.Put(ctx, storedVoucher(0x01)); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(ctx, storedVoucher(0x02)); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, storedVoucher(0x03)); err != nil {
		t.Fatal(err)
	}

	fromA, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fromA) != 2 {
		t.Errorf("alpha has %d vouchers, want 2", len(fromA))
	}
	fromB, err := b.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fromB) != 1 {
		t.Errorf("beta has %d vouchers, want 1", len(fromB))
	}
}

func TestWithIDLock_MutualExclusion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := common.Hash{0x01}

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.withIDLock(ctx, id, time.Minute, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	// Contender exhausts its attempts while the lock is held
	err := s.withIDLock(ctx, id, time.Minute, func() error {
		t.Error("critical section entered while lock held")
		return nil
	})
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("got %v, want ErrLockBusy", err)
	}
	close(release)
}

func TestWithIDLock_ReleasedAfterUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := common.Hash{0x01}

	if err := s.withIDLock(ctx, id, time.Minute, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	// Lock is free again even though the TTL has not expired
	if err := s.withIDLock(ctx, id, time.Minute, func() error { return nil }); err != nil {
		t.Fatalf("second acquisition failed: %v", err)
	}
}

func TestWithIDLock_ReleasedOnCallbackError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := common.Hash{0x01}
	boom := errors.New("boom")

	if err := s.withIDLock(ctx, id, time.Minute, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("callback error not propagated: %v", err)
	}
	if err := s.withIDLock(ctx, id, time.Minute, func() error { return nil }); err != nil {
		t.Fatalf("lock leaked after callback error: %v", err)
	}
}

// A holder whose TTL expired mid-flight must not release the lock a
// successor now owns.
func TestWithIDLock_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	id := common.Hash{0x01}

	firstHeld := make(chan struct{})
	firstRelease := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = s.withIDLock(ctx, id, time.Second, func() error {
			close(firstHeld)
			<-firstRelease
			return nil
		})
	}()
	<-firstHeld

	// The first holder's TTL expires while its critical section is still
	// running; a second holder acquires the lock.
	mr.FastForward(2 * time.Second)

	secondHeld := make(chan struct{})
	secondRelease := make(chan struct{})
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_ = s.withIDLock(ctx, id, time.Minute, func() error {
			close(secondHeld)
			<-secondRelease
			return nil
		})
	}()
	<-secondHeld

	// First holder finishes; its release must be a no-op on the second
	// holder's lock.
	close(firstRelease)
	<-firstDone

	err := s.withIDLock(ctx, id, time.Minute, func() error {
		t.Error("lock acquired while the second holder still owns it")
		return nil
	})
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("got %v, want ErrLockBusy", err)
	}

	close(secondRelease)
	<-secondDone
}

func TestWithIDLock_IndependentIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.withIDLock(ctx, common.Hash{0x01}, time.Minute, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	// A different id is not serialized behind it
	if err := s.withIDLock(ctx, common.Hash{0x02}, time.Minute, func() error { return nil }); err != nil {
		t.Fatalf("independent id blocked: %v", err)
	}
}
