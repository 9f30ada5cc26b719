package realtime

import (
	"encoding/json"
	"testing"

	"qline/internal/live"
)

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
		scope string
	}{
		{"shop scope", `{"action":"subscribe","scope":"shop","shop_id":"s1"}`, true, live.ScopeShop},
		{"scope is case insensitive", `{"action":"subscribe","scope":" User "}`, true, live.ScopeUser},
		{"shop scope needs id", `{"action":"subscribe","scope":"shop"}`, false, ""},
		{"unknown scope", `{"action":"subscribe","scope":"tenant"}`, false, ""},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, ""},
		{"unknown action", `{"action":"ping"}`, false, ""},
		{"garbage", `not json`, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.input))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && msg.Scope != tc.scope {
				t.Fatalf("expected scope %q, got %q", tc.scope, msg.Scope)
			}
		})
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := NewHub()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	h.Register(client)
	if h.Len() != 1 {
		t.Fatalf("expected 1 client, got %d", h.Len())
	}
	h.Unregister(client)
	h.Unregister(client)
	if h.Len() != 0 {
		t.Fatalf("expected 0 clients, got %d", h.Len())
	}
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected closed send channel")
	}
}

func TestSnapshotMessage(t *testing.T) {
	view := live.ShopView{Counts: live.Counts{Waiting: 2}}
	msg := snapshotMessage(live.Snapshot{Scope: live.ScopeShop, Version: 3, Stale: true, Shop: &view})
	if msg.Type != TypeShopView || msg.Version != 3 || !msg.Stale {
		t.Fatalf("unexpected message %+v", msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Data struct {
			Counts live.Counts `json:"counts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Data.Counts.Waiting != 2 {
		t.Fatalf("expected waiting 2, got %d", decoded.Data.Counts.Waiting)
	}

	if got := snapshotMessage(live.Snapshot{Scope: live.ScopeUser}); got.Type != TypeUserView {
		t.Fatalf("expected user view type, got %q", got.Type)
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.qline.test", " http://localhost:5173 "}
	if !originAllowed(allowed, "https://app.qline.test") {
		t.Fatalf("expected listed origin to pass")
	}
	if !originAllowed(allowed, "http://localhost:5173") {
		t.Fatalf("expected trimmed origin to pass")
	}
	if originAllowed(allowed, "https://evil.test") {
		t.Fatalf("expected unknown origin to fail")
	}
	if !originAllowed([]string{"*"}, "https://anything.test") {
		t.Fatalf("expected wildcard to pass")
	}
	if checkOrigin(nil) != nil {
		t.Fatalf("expected default same-origin check")
	}
}
