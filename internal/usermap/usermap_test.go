package usermap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/soundsonacid/keepyrs/internal/protocol"
	"github.com/soundsonacid/keepyrs/internal/state"
)

var testClearingHouse = common.HexToAddress("0x00000000000000000000000000000000000000ee")

func userLog(authority common.Address, sub uint16, block uint64) types.Log {
	data := make([]byte, 32)
	new(big.Int).SetUint64(uint64(sub)).FillBytes(data)
	return types.Log{
		Address:     testClearingHouse,
		Topics:      []common.Hash{protocol.UserInitializedTopic, common.BytesToHash(authority.Bytes())},
		Data:        data,
		BlockNumber: block,
	}
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

type fakeSource struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	rangeLimit uint64
	queries    [][2]uint64
	live       chan types.Log
	subErr     error
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.rangeLimit > 0 && to-from+1 > f.rangeLimit {
		return nil, fmt.Errorf("query returned more than 10000 results; eth_getLogs is limited to a %d block range", f.rangeLimit)
	}
	f.queries = append(f.queries, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeFilterLogs(ctx context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub := &fakeSub{errCh: make(chan error, 1)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l := <-f.live:
				select {
				case ch <- l:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

type fakeReader struct {
	mu    sync.Mutex
	users map[protocol.Key]protocol.UserAccount
	fail  error
	reads int
	// onRead runs once, outside the lock, before the first read returns.
	onRead func()
}

func (f *fakeReader) UserStatus(_ context.Context, authority common.Address, sub uint16) (protocol.UserAccount, error) {
	f.mu.Lock()
	hook := f.onRead
	f.onRead = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.fail != nil {
		return protocol.UserAccount{}, f.fail
	}
	return f.users[protocol.Key{Authority: authority, SubAccountID: sub}], nil
}

func (f *fakeReader) set(u protocol.UserAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Key()] = u
}

func account(authority common.Address, sub uint16) protocol.UserAccount {
	return protocol.UserAccount{Authority: authority, SubAccountID: sub, Exists: true}
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newFixture() (*fakeSource, *fakeReader) {
	src := &fakeSource{
		head: 100,
		logs: []types.Log{userLog(bob, 0, 10), userLog(alice, 1, 55), userLog(alice, 0, 90)},
		live: make(chan types.Log, 4),
	}
	reader := &fakeReader{users: map[protocol.Key]protocol.UserAccount{}}
	for _, u := range []protocol.UserAccount{account(bob, 0), account(alice, 1), account(alice, 0)} {
		reader.users[u.Key()] = u
	}
	return src, reader
}

func TestSync_DiscoversAllUsers(t *testing.T) {
	src, reader := newFixture()
	m, err := New(src, reader, Options{ClearingHouse: testClearingHouse})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if m.Size() != 3 {
		t.Fatalf("size=%d want 3", m.Size())
	}
	vals := m.Values()
	want := []protocol.Key{{Authority: alice, SubAccountID: 0}, {Authority: alice, SubAccountID: 1}, {Authority: bob, SubAccountID: 0}}
	for i, k := range want {
		if vals[i].Key() != k {
			t.Fatalf("values[%d]=%s want %s", i, vals[i].Key(), k)
		}
	}
	if m.LastSynced().IsZero() {
		t.Fatalf("LastSynced not set")
	}
}

func TestSync_FailureKeepsPreviousMirror(t *testing.T) {
	src, reader := newFixture()
	m, err := New(src, reader, Options{ClearingHouse: testClearingHouse})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	reader.set(protocol.UserAccount{Authority: bob, SubAccountID: 0, Exists: true, Bankrupt: true})
	reader.mu.Lock()
	reader.fail = errors.New("node down")
	reader.mu.Unlock()

	if err := m.Sync(context.Background()); err == nil {
		t.Fatalf("expected sync error")
	}
	u, ok := m.Get(protocol.Key{Authority: bob})
	if !ok || u.Bankrupt {
		t.Fatalf("partial update leaked into mirror: %#v", u)
	}
	if m.Size() != 3 {
		t.Fatalf("size=%d want 3", m.Size())
	}

	reader.mu.Lock()
	reader.fail = nil
	reader.mu.Unlock()
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if u, _ := m.Get(protocol.Key{Authority: bob}); !u.Bankrupt {
		t.Fatalf("resync did not pick up change")
	}
}

func TestSync_DropsClosedUsers(t *testing.T) {
	src, reader := newFixture()
	m, _ := New(src, reader, Options{ClearingHouse: testClearingHouse})
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	reader.set(protocol.UserAccount{Authority: alice, SubAccountID: 1})
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := m.Get(protocol.Key{Authority: alice, SubAccountID: 1}); ok {
		t.Fatalf("closed user still mirrored")
	}
	if m.Size() != 2 {
		t.Fatalf("size=%d want 2", m.Size())
	}
}

func TestDiscover_ShrinksToRangeLimit(t *testing.T) {
	src, reader := newFixture()
	src.rangeLimit = 25
	m, _ := New(src, reader, Options{ClearingHouse: testClearingHouse, MaxChunk: 1000})
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if m.Size() != 3 {
		t.Fatalf("size=%d want 3", m.Size())
	}
	for _, q := range src.queries {
		if q[1]-q[0]+1 > 25 {
			t.Fatalf("query %v exceeds limit", q)
		}
	}
}

func TestSync_UsesCheckpoint(t *testing.T) {
	src, reader := newFixture()
	path := filepath.Join(t.TempDir(), "usermap.json")
	opts := Options{ChainID: 31337, ClearingHouse: testClearingHouse, CheckpointPath: path}

	m, _ := New(src, reader, opts)
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	ckpt, ok, err := state.LoadCheckpoint(path)
	if err != nil || !ok {
		t.Fatalf("checkpoint: ok=%v err=%v", ok, err)
	}
	if ckpt.LastSyncedBlock != 100 || len(ckpt.Users) != 3 {
		t.Fatalf("checkpoint: %+v", ckpt)
	}

	src.mu.Lock()
	src.head = 120
	src.queries = nil
	src.mu.Unlock()

	restarted, err := New(src, reader, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restarted.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if restarted.Size() != 3 {
		t.Fatalf("known users not restored: size=%d", restarted.Size())
	}
	if len(src.queries) != 1 || src.queries[0] != [2]uint64{101, 120} {
		t.Fatalf("discovery should resume after checkpoint: %v", src.queries)
	}

	// A checkpoint from another deployment is ignored.
	other, _ := New(src, reader, Options{ChainID: 1, ClearingHouse: testClearingHouse, CheckpointPath: path})
	if other.nextBlock != 0 {
		t.Fatalf("incompatible checkpoint applied: next=%d", other.nextBlock)
	}
}

func TestSync_KeepsPushUpdatesAppliedDuringPass(t *testing.T) {
	src, reader := newFixture()
	m, _ := New(src, reader, Options{ClearingHouse: testClearingHouse})
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	carol := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	liquidating := protocol.UserAccount{Authority: alice, SubAccountID: 0, Exists: true, BeingLiquidated: true}
	reader.mu.Lock()
	reader.onRead = func() {
		m.apply(protocol.Key{Authority: carol, SubAccountID: 2}, account(carol, 2))
		m.apply(liquidating.Key(), liquidating)
		m.apply(protocol.Key{Authority: bob}, protocol.UserAccount{Authority: bob})
	}
	reader.mu.Unlock()

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, ok := m.Get(protocol.Key{Authority: carol, SubAccountID: 2}); !ok {
		t.Fatalf("user applied during sync was dropped")
	}
	if u, _ := m.Get(liquidating.Key()); !u.BeingLiquidated {
		t.Fatalf("older read overwrote pushed record: %#v", u)
	}
	if _, ok := m.Get(protocol.Key{Authority: bob}); ok {
		t.Fatalf("user closed during sync came back")
	}
	if m.Size() != 3 {
		t.Fatalf("size=%d want 3", m.Size())
	}

	// Outside a pass, apply no longer shadows the next full read.
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if u, _ := m.Get(liquidating.Key()); u.BeingLiquidated {
		t.Fatalf("stale push record survived a clean resync")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSubscribe_AppliesPushUpdates(t *testing.T) {
	src, reader := newFixture()
	hints := make(chan Hint, 1)
	m, _ := New(src, reader, Options{ClearingHouse: testClearingHouse, Hints: hints})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	carol := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	reader.set(account(carol, 2))
	src.live <- userLog(carol, 2, 101)
	waitFor(t, func() bool {
		_, ok := m.Get(protocol.Key{Authority: carol, SubAccountID: 2})
		return ok
	})

	reader.set(protocol.UserAccount{Authority: alice, SubAccountID: 0, Exists: true, BeingLiquidated: true})
	hints <- protocol.Key{Authority: alice, SubAccountID: 0}
	waitFor(t, func() bool {
		u, _ := m.Get(protocol.Key{Authority: alice, SubAccountID: 0})
		return u.BeingLiquidated
	})

	cancel()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("watch loop did not exit")
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey(protocol.Key{Authority: alice, SubAccountID: 7}.String())
	if err != nil || k.Authority != alice || k.SubAccountID != 7 {
		t.Fatalf("round trip: %v %v", k, err)
	}
	for _, bad := range []string{"", "0xabc", "nothex/1", alice.Hex() + "/70000", alice.Hex() + "/x"} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseGetLogsRangeLimit(t *testing.T) {
	if n, ok := parseGetLogsRangeLimit(errors.New("eth_getLogs is limited to a 500 block range")); !ok || n != 500 {
		t.Fatalf("got %d %v", n, ok)
	}
	if _, ok := parseGetLogsRangeLimit(errors.New("boom")); ok {
		t.Fatalf("unexpected match")
	}
}
