package userfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const DefaultPingInterval = 5 * time.Second

// DefaultTopic is the indexer topic carrying user-record change hints.
const DefaultTopic = "users"

type Subscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`

	// Filters is an optional JSON string (not an object).
	Filters string `json:"filters,omitempty"`
}

type subscribeRequest struct {
	Action        string         `json:"action"`
	Subscriptions []Subscription `json:"subscriptions"`
}

// Message is the indexer envelope. Payload is decoded by Hint.
type Message struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hint names a user sub-account whose record changed. The feed is advisory;
// the user map always re-reads the record from chain.
type Hint struct {
	Authority    common.Address `json:"authority"`
	SubAccountID uint16         `json:"subAccountId"`
}

// Hint decodes the payload of a user update message.
func (m Message) Hint() (Hint, error) {
	if len(m.Payload) == 0 {
		return Hint{}, fmt.Errorf("userfeed: empty payload")
	}
	var raw struct {
		Authority    string  `json:"authority"`
		SubAccountID *uint16 `json:"subAccountId"`
	}
	if err := json.Unmarshal(m.Payload, &raw); err != nil {
		return Hint{}, fmt.Errorf("userfeed payload: %w", err)
	}
	if !common.IsHexAddress(strings.TrimSpace(raw.Authority)) {
		return Hint{}, fmt.Errorf("userfeed payload: invalid authority %q", raw.Authority)
	}
	if raw.SubAccountID == nil {
		return Hint{}, fmt.Errorf("userfeed payload: missing subAccountId")
	}
	return Hint{
		Authority:    common.HexToAddress(strings.TrimSpace(raw.Authority)),
		SubAccountID: *raw.SubAccountID,
	}, nil
}

type Options struct {
	PingInterval time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	return o
}

// UserSubscription builds the subscription for one clearing house.
func UserSubscription(clearingHouse common.Address) Subscription {
	return Subscription{
		Topic:   DefaultTopic,
		Type:    "update",
		Filters: fmt.Sprintf("[%q]", strings.ToLower(clearingHouse.Hex())),
	}
}

// Start connects to the indexer websocket and emits user hints until ctx is
// done. Dial and read failures reconnect with jittered exponential backoff.
func Start(ctx context.Context, url string, subs []Subscription, opts Options) (<-chan Hint, <-chan error) {
	opts = opts.withDefaults()

	out := make(chan Hint, opts.OutBuffer)
	errs := make(chan error, 16)

	if strings.TrimSpace(url) == "" {
		close(out)
		errs <- fmt.Errorf("userfeed: url required")
		close(errs)
		return out, errs
	}

	go func() {
		defer close(out)
		defer close(errs)

		backoff := opts.BackoffMin
		for {
			if ctx.Err() != nil {
				return
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				emitErrNonBlocking(errs, fmt.Errorf("userfeed dial: %w", err))
				sleepWithJitter(ctx, backoff)
				backoff = nextBackoff(backoff, opts.BackoffMax)
				continue
			}

			backoff = opts.BackoffMin

			if err := runSession(ctx, conn, subs, opts.PingInterval, out, errs); err != nil && ctx.Err() == nil {
				emitErrNonBlocking(errs, err)
			}

			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, opts.BackoffMax)
		}
	}()

	return out, errs
}

func runSession(
	ctx context.Context,
	conn *websocket.Conn,
	subs []Subscription,
	pingInterval time.Duration,
	out chan<- Hint,
	errs chan<- error,
) error {
	if conn == nil {
		return fmt.Errorf("userfeed session: nil conn")
	}

	reqBytes, err := json.Marshal(subscribeRequest{Action: "subscribe", Subscriptions: subs})
	if err != nil {
		return fmt.Errorf("userfeed subscribe marshal: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reqBytes); err != nil {
		return fmt.Errorf("userfeed subscribe write: %w", err)
	}

	var writeMu sync.Mutex
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				writeMu.Unlock()
				if werr != nil {
					emitErrNonBlocking(errs, fmt.Errorf("userfeed ping: %w", werr))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("userfeed read: %w", err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		hint, ok, err := decodeFrame(msg)
		if err != nil {
			emitErrNonBlocking(errs, err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- hint:
		default:
			// A dropped hint is recovered by the next full resync.
		}
	}
}

// decodeFrame returns ok=false for keepalives and non-user topics.
func decodeFrame(msg []byte) (Hint, bool, error) {
	s := strings.TrimSpace(string(msg))
	if s == "" || s == "ping" || s == "pong" {
		return Hint{}, false, nil
	}
	var m Message
	if err := json.Unmarshal(msg, &m); err != nil {
		return Hint{}, false, fmt.Errorf("userfeed json decode: %w", err)
	}
	if m.Topic != DefaultTopic {
		return Hint{}, false, nil
	}
	h, err := m.Hint()
	if err != nil {
		return Hint{}, false, err
	}
	return h, true, nil
}

func emitErrNonBlocking(ch chan<- error, err error) {
	if err == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int63n(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
