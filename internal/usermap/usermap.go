// Package usermap keeps a local mirror of every clearing-house user record.
//
// The mirror has a single writer (Sync and the push-update loop) and any
// number of readers. Sync is a full resync: it either replaces the whole
// mirror or leaves the previous one in place.
package usermap

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/soundsonacid/keepyrs/internal/protocol"
	"github.com/soundsonacid/keepyrs/internal/state"
)

const defaultMaxChunk uint64 = 2000

// LogSource is the slice of an ethclient the map needs.
type LogSource interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// AccountReader reads one user record from chain.
type AccountReader interface {
	UserStatus(ctx context.Context, authority common.Address, sub uint16) (protocol.UserAccount, error)
}

type Options struct {
	ChainID       int64
	ClearingHouse common.Address

	// StartBlock is where discovery begins when no checkpoint exists.
	StartBlock uint64
	// CheckpointPath persists the discovery cursor; empty disables it.
	CheckpointPath string
	// MaxChunk caps the eth_getLogs block range.
	MaxChunk uint64

	// Hints is an optional push feed of changed users.
	Hints <-chan Hint

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Hint names one user whose record should be re-read.
type Hint = protocol.Key

func (o Options) withDefaults() Options {
	if o.MaxChunk == 0 {
		o.MaxChunk = defaultMaxChunk
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = o.ReconnectMin
	}
	return o
}

type UserMap struct {
	src    LogSource
	reader AccountReader
	opts   Options

	syncMu sync.Mutex

	mu         sync.RWMutex
	users      map[protocol.Key]protocol.UserAccount
	known      map[protocol.Key]struct{}
	// pushed collects keys applied while a Sync pass is reading; nil
	// outside a pass.
	pushed     map[protocol.Key]struct{}
	nextBlock  uint64
	lastSynced time.Time

	subOnce sync.Once
	done    chan struct{}
}

// New builds an empty map, seeding the discovery cursor and known users from
// a compatible checkpoint.
func New(src LogSource, reader AccountReader, opts Options) (*UserMap, error) {
	if src == nil || reader == nil {
		return nil, fmt.Errorf("usermap: log source and account reader required")
	}
	if (opts.ClearingHouse == common.Address{}) {
		return nil, fmt.Errorf("usermap: clearing house address required")
	}
	opts = opts.withDefaults()

	m := &UserMap{
		src:       src,
		reader:    reader,
		opts:      opts,
		users:     make(map[protocol.Key]protocol.UserAccount),
		known:     make(map[protocol.Key]struct{}),
		nextBlock: opts.StartBlock,
		done:      make(chan struct{}),
	}

	ckpt, ok, err := state.LoadCheckpoint(opts.CheckpointPath)
	if err != nil {
		return nil, err
	}
	if ok {
		if !ckpt.Compatible(opts.ChainID, opts.ClearingHouse) {
			log.Printf("[warn] usermap checkpoint %s is for chain=%d clearing_house=%s; ignoring", opts.CheckpointPath, ckpt.ChainID, ckpt.ClearingHouse)
		} else {
			for _, raw := range ckpt.Users {
				key, err := ParseKey(raw)
				if err != nil {
					log.Printf("[warn] usermap checkpoint: skipping %q: %v", raw, err)
					continue
				}
				m.known[key] = struct{}{}
			}
			if ckpt.LastSyncedBlock+1 > m.nextBlock {
				m.nextBlock = ckpt.LastSyncedBlock + 1
			}
		}
	}
	return m, nil
}

// Get returns the mirrored record for key.
func (m *UserMap) Get(key protocol.Key) (protocol.UserAccount, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[key]
	return u, ok
}

// Values returns a snapshot of all mirrored users ordered by key.
func (m *UserMap) Values() []protocol.UserAccount {
	m.mu.RLock()
	out := make([]protocol.UserAccount, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].Key(), out[j].Key())
	})
	return out
}

func (m *UserMap) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func (m *UserMap) LastSynced() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSynced
}

// Sync discovers new users up to the current head, re-reads every known user
// and swaps the mirror in one step. On any error the previous mirror stays.
func (m *UserMap) Sync(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	head, err := m.src.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("usermap sync: head: %w", err)
	}

	m.mu.Lock()
	from := m.nextBlock
	keys := make(map[protocol.Key]struct{}, len(m.known))
	for k := range m.known {
		keys[k] = struct{}{}
	}
	m.pushed = make(map[protocol.Key]struct{})
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pushed = nil
		m.mu.Unlock()
	}()

	if from <= head {
		found, err := m.discover(ctx, from, head)
		if err != nil {
			return fmt.Errorf("usermap sync: discover [%d..%d]: %w", from, head, err)
		}
		for _, k := range found {
			keys[k] = struct{}{}
		}
	}

	fresh := make(map[protocol.Key]protocol.UserAccount, len(keys))
	for k := range keys {
		u, err := m.reader.UserStatus(ctx, k.Authority, k.SubAccountID)
		if err != nil {
			return fmt.Errorf("usermap sync: read %s: %w", k, err)
		}
		if !u.Exists {
			continue
		}
		fresh[k] = u
	}

	next := from
	if head+1 > next {
		next = head + 1
	}

	m.mu.Lock()
	// Keep users a push update discovered while this pass was running.
	for k := range m.known {
		keys[k] = struct{}{}
	}
	// Push updates applied during the pass are newer than what it read.
	for k := range m.pushed {
		if u, ok := m.users[k]; ok {
			fresh[k] = u
		} else {
			delete(fresh, k)
		}
	}
	m.users = fresh
	m.known = keys
	m.nextBlock = next
	m.lastSynced = time.Now()
	m.mu.Unlock()

	m.saveCheckpoint(head, keys)
	return nil
}

func (m *UserMap) saveCheckpoint(head uint64, keys map[protocol.Key]struct{}) {
	if m.opts.CheckpointPath == "" {
		return
	}
	ckpt := state.Checkpoint{
		ChainID:         m.opts.ChainID,
		ClearingHouse:   m.opts.ClearingHouse.Hex(),
		LastSyncedBlock: head,
	}
	raw := make([]string, 0, len(keys))
	for k := range keys {
		raw = append(raw, k.String())
	}
	ckpt.SetUsers(raw)
	if err := state.SaveCheckpoint(m.opts.CheckpointPath, ckpt); err != nil {
		log.Printf("[warn] usermap checkpoint save failed: %v", err)
	}
}

func (m *UserMap) userQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{m.opts.ClearingHouse},
		Topics:    [][]common.Hash{{protocol.UserInitializedTopic, protocol.UserUpdatedTopic}},
	}
}

// discover scans [from..to] for user events in chunks, shrinking the chunk
// when the node rejects the range.
func (m *UserMap) discover(ctx context.Context, from, to uint64) ([]protocol.Key, error) {
	chunk := to - from + 1
	if chunk > m.opts.MaxChunk {
		chunk = m.opts.MaxChunk
	}

	var out []protocol.Key
	base := m.userQuery()
	for start := from; start <= to; {
		end := start + chunk - 1
		if end > to {
			end = to
		}

		query := base
		query.FromBlock = new(big.Int).SetUint64(start)
		query.ToBlock = new(big.Int).SetUint64(end)

		logs, err := m.src.FilterLogs(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if limit, ok := parseGetLogsRangeLimit(err); ok && limit > 0 && limit < chunk {
				chunk = limit
				log.Printf("[warn] eth_getLogs range limit detected, retrying with chunk=%d blocks", chunk)
				continue
			}
			if chunk > 1 {
				chunk /= 2
				log.Printf("[warn] discovery query failed, retrying with chunk=%d blocks: %v", chunk, err)
				continue
			}
			return nil, err
		}

		for _, vLog := range logs {
			key, err := protocol.DecodeUserLog(vLog)
			if err != nil {
				log.Printf("[warn] discovery decode failed: %v", err)
				continue
			}
			out = append(out, key)
		}

		start = end + 1
	}
	return out, nil
}

// Subscribe runs the first full Sync and then keeps the mirror fresh from
// log subscriptions and the optional hint feed until ctx is done.
func (m *UserMap) Subscribe(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil {
		return err
	}
	m.subOnce.Do(func() {
		go m.watch(ctx)
	})
	return nil
}

// Done is closed once the push-update loop has exited.
func (m *UserMap) Done() <-chan struct{} { return m.done }

func (m *UserMap) watch(ctx context.Context) {
	defer close(m.done)

	delay := m.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		sessionCtx, cancel := context.WithCancel(ctx)
		logsCh := make(chan types.Log, 256)
		sub, err := m.src.SubscribeFilterLogs(sessionCtx, m.userQuery(), logsCh)
		if err != nil {
			cancel()
			wait := jitterDuration(delay)
			log.Printf("[warn] usermap log subscription failed, retrying in %s: %v", wait, err)
			if !m.waitWithHints(ctx, wait) {
				return
			}
			delay *= 2
			if delay > m.opts.ReconnectMax {
				delay = m.opts.ReconnectMax
			}
			continue
		}
		delay = m.opts.ReconnectMin

		reconnect := false
		for !reconnect {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				cancel()
				return
			case err := <-sub.Err():
				if err != nil {
					log.Printf("[warn] usermap log subscription error: %v", err)
				} else {
					log.Printf("[warn] usermap log subscription ended")
				}
				reconnect = true
			case vLog := <-logsCh:
				if vLog.Removed {
					continue
				}
				key, err := protocol.DecodeUserLog(vLog)
				if err != nil {
					log.Printf("[warn] usermap decode failed: %v", err)
					continue
				}
				m.refresh(ctx, key)
			case h, ok := <-m.opts.Hints:
				if !ok {
					m.opts.Hints = nil
					continue
				}
				m.refresh(ctx, h)
			}
		}
		sub.Unsubscribe()
		cancel()
	}
}

// waitWithHints sleeps for d while still applying feed hints. It returns
// false when ctx is done.
func (m *UserMap) waitWithHints(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case h, ok := <-m.opts.Hints:
			if !ok {
				m.opts.Hints = nil
				continue
			}
			m.refresh(ctx, h)
		}
	}
}

// refresh re-reads one user and applies it to the mirror. Failures are
// logged; the next Sync repairs them.
func (m *UserMap) refresh(ctx context.Context, key protocol.Key) {
	u, err := m.reader.UserStatus(ctx, key.Authority, key.SubAccountID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[warn] usermap refresh %s: %v", key, err)
		}
		return
	}
	m.apply(key, u)
}

func (m *UserMap) apply(key protocol.Key, u protocol.UserAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[key] = struct{}{}
	if m.pushed != nil {
		m.pushed[key] = struct{}{}
	}
	if !u.Exists {
		delete(m.users, key)
		return
	}
	m.users[key] = u
}

// ParseKey parses "<authority>/<subAccountId>".
func ParseKey(s string) (protocol.Key, error) {
	addr, sub, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return protocol.Key{}, fmt.Errorf("missing '/'")
	}
	if !common.IsHexAddress(addr) {
		return protocol.Key{}, fmt.Errorf("invalid authority %q", addr)
	}
	n, err := strconv.ParseUint(sub, 10, 16)
	if err != nil {
		return protocol.Key{}, fmt.Errorf("invalid sub account %q: %w", sub, err)
	}
	return protocol.Key{Authority: common.HexToAddress(addr), SubAccountID: uint16(n)}, nil
}

func keyLess(a, b protocol.Key) bool {
	if c := strings.Compare(a.Authority.Hex(), b.Authority.Hex()); c != 0 {
		return c < 0
	}
	return a.SubAccountID < b.SubAccountID
}

func parseGetLogsRangeLimit(err error) (uint64, bool) {
	if err == nil {
		return 0, false
	}
	const marker = "limited to a "
	s := err.Error()
	idx := strings.Index(s, marker)
	if idx < 0 {
		return 0, false
	}
	rest := s[idx+len(marker):]
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j == 0 {
		return 0, false
	}
	limit, parseErr := strconv.ParseUint(rest[:j], 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return limit, true
}
