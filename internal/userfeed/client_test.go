package userfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

func TestSubscribeRequest_JSONShape(t *testing.T) {
	ch := common.HexToAddress("0x00000000000000000000000000000000000000EE")
	b, err := json.Marshal(subscribeRequest{Action: "subscribe", Subscriptions: []Subscription{UserSubscription(ch)}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, ok := m["action"].(string); !ok || got != "subscribe" {
		t.Fatalf("action mismatch: %#v", m["action"])
	}
	subs, ok := m["subscriptions"].([]any)
	if !ok || len(subs) != 1 {
		t.Fatalf("subscriptions mismatch: %#v", m["subscriptions"])
	}
	sub0 := subs[0].(map[string]any)
	if sub0["topic"] != DefaultTopic {
		t.Fatalf("topic mismatch: %#v", sub0["topic"])
	}
	want := `["0x00000000000000000000000000000000000000ee"]`
	if got := sub0["filters"]; got != want {
		t.Fatalf("filters mismatch: got=%#v want=%q", got, want)
	}
}

func TestOptions_WithDefaults(t *testing.T) {
	o := (Options{}).withDefaults()
	if o.PingInterval != DefaultPingInterval {
		t.Fatalf("PingInterval: got=%s want=%s", o.PingInterval, DefaultPingInterval)
	}
	if o.BackoffMin <= 0 || o.BackoffMax <= 0 {
		t.Fatalf("backoff defaults missing: %#v", o)
	}
	if o.OutBuffer <= 0 {
		t.Fatalf("OutBuffer default missing: %#v", o)
	}
}

func TestNextBackoff_CapsAtMax(t *testing.T) {
	if got := nextBackoff(2*time.Second, 3*time.Second); got != 3*time.Second {
		t.Fatalf("got=%s want=%s", got, 3*time.Second)
	}
	if got := nextBackoff(250*time.Millisecond, 3*time.Second); got != 500*time.Millisecond {
		t.Fatalf("got=%s want=%s", got, 500*time.Millisecond)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantOK  bool
		wantErr bool
	}{
		{name: "pong", frame: "pong"},
		{name: "other topic", frame: `{"topic":"markets","type":"update","payload":{}}`},
		{name: "bad json", frame: `{`, wantErr: true},
		{name: "bad authority", frame: `{"topic":"users","payload":{"authority":"nope","subAccountId":0}}`, wantErr: true},
		{name: "missing sub", frame: `{"topic":"users","payload":{"authority":"0x00000000000000000000000000000000000000aa"}}`, wantErr: true},
		{name: "ok", frame: `{"topic":"users","type":"update","payload":{"authority":"0x00000000000000000000000000000000000000aa","subAccountId":2}}`, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok, err := decodeFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok=%v want %v", ok, tt.wantOK)
			}
			if ok && (h.SubAccountID != 2 || h.Authority != common.HexToAddress("0xaa")) {
				t.Fatalf("hint: %+v", h)
			}
		})
	}
}

func TestStart_DeliversHints(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSub := make(chan subscribeRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		gotSub <- req
		_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"users","type":"update","payload":{"authority":"0x00000000000000000000000000000000000000bb","subAccountId":1}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hints, _ := Start(ctx, url, []Subscription{UserSubscription(common.HexToAddress("0xee"))}, Options{PingInterval: time.Hour})

	select {
	case req := <-gotSub:
		if req.Action != "subscribe" || len(req.Subscriptions) != 1 {
			t.Fatalf("subscribe request: %+v", req)
		}
	case <-ctx.Done():
		t.Fatalf("server never saw subscribe")
	}

	select {
	case h := <-hints:
		if h.Authority != common.HexToAddress("0xbb") || h.SubAccountID != 1 {
			t.Fatalf("hint: %+v", h)
		}
	case <-ctx.Done():
		t.Fatalf("no hint delivered")
	}

	cancel()
	for range hints {
	}
}

func TestStart_RequiresURL(t *testing.T) {
	hints, errs := Start(context.Background(), " ", nil, Options{})
	if _, ok := <-hints; ok {
		t.Fatalf("expected closed hints channel")
	}
	if err := <-errs; err == nil {
		t.Fatalf("expected url error")
	}
}
