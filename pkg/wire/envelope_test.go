package wire_test

import (
	"strings"
	"testing"

	"github.com/agentfabric/fabric/pkg/wire"
)

func TestNew_setsDefaults(t *testing.T) {
	env := wire.New("ping", nil)

	if env.V != wire.ProtocolVersion {
		t.Errorf("version: got %d, want %d", env.V, wire.ProtocolVersion)
	}
	if env.ID == "" {
		t.Error("expected generated id")
	}
	if env.Ts == "" {
		t.Error("expected generated ts")
	}
	if env.Payload == nil {
		t.Error("expected non-nil payload")
	}
}

func TestEncode_roundTrip(t *testing.T) {
	env := wire.New("list", map[string]any{
		"onlineOnly":          true,
		"requireCapabilities": []any{"llm.chat"},
		"page":                float64(2),
	})
	env.FromNode = "node-a"

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "\n") {
		t.Error("encoded frame must be a single line")
	}

	got, err := wire.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "list" {
		t.Errorf("type: got %q, want %q", got.Type, "list")
	}
	if got.ID != env.ID {
		t.Errorf("id: got %q, want %q", got.ID, env.ID)
	}
	if got.FromNode != "node-a" {
		t.Errorf("fromNode: got %q, want %q", got.FromNode, "node-a")
	}
	if !got.Bool("onlineOnly", false) {
		t.Error("onlineOnly: got false, want true")
	}
	if got.Int("page", 0) != 2 {
		t.Errorf("page: got %d, want 2", got.Int("page", 0))
	}
	caps := got.StrSlice("requireCapabilities")
	if len(caps) != 1 || caps[0] != "llm.chat" {
		t.Errorf("requireCapabilities: got %v", caps)
	}
}

func TestEncode_asciiSafe(t *testing.T) {
	env := wire.New("task_run", map[string]any{
		"kind":   "llm.chat",
		"prompt": "héllo 世界 \U0001F600",
	})

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range data {
		if b >= 0x80 {
			t.Fatalf("non-ASCII byte 0x%02x at offset %d in frame: %s", b, i, data)
		}
	}
	// BMP runes escape to single units, astral-plane runes to surrogate
	// pairs; check the hex digits of each expected escape.
	for _, esc := range []string{"u4e16", "u754c", "ud83d", "ude00"} {
		if !strings.Contains(string(data), esc) {
			t.Errorf("missing escape %s in frame: %s", esc, data)
		}
	}

	got, err := wire.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Str("prompt") != "héllo 世界 \U0001F600" {
		t.Errorf("prompt: got %q", got.Str("prompt"))
	}
}

func TestDecode_generatesMissingFields(t *testing.T) {
	env, err := wire.Decode([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.ID == "" {
		t.Error("expected generated id")
	}
	if env.Ts == "" {
		t.Error("expected generated ts")
	}
	if env.V != wire.ProtocolVersion {
		t.Errorf("version: got %d, want %d", env.V, wire.ProtocolVersion)
	}
}

func TestDecode_rejectsMissingType(t *testing.T) {
	if _, err := wire.Decode([]byte(`{"id":"x"}`)); err == nil {
		t.Error("expected error for envelope without type")
	}
}

func TestDecode_rejectsBadJSON(t *testing.T) {
	if _, err := wire.Decode([]byte(`{"type":`)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestDecode_ignoresUnknownFields(t *testing.T) {
	env, err := wire.Decode([]byte(`{"type":"ping","future":"field","payload":{"alsoFuture":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != "ping" {
		t.Errorf("type: got %q, want %q", env.Type, "ping")
	}
}

func TestReply_preservesID(t *testing.T) {
	req := wire.New("reserve", nil)
	resp := wire.Reply(req, "reserve_ok", map[string]any{"reservationId": "r1"})
	if resp.ID != req.ID {
		t.Errorf("reply id: got %q, want %q", resp.ID, req.ID)
	}
	if resp.Type != "reserve_ok" {
		t.Errorf("reply type: got %q", resp.Type)
	}
}

func TestError_carriesMessage(t *testing.T) {
	req := wire.New("commit", nil)
	resp := wire.Error(req, "reservation not found")
	if resp.Type != "error" {
		t.Errorf("type: got %q, want error", resp.Type)
	}
	if resp.ID != req.ID {
		t.Errorf("id: got %q, want %q", resp.ID, req.ID)
	}
	if resp.Str("message") != "reservation not found" {
		t.Errorf("message: got %q", resp.Str("message"))
	}
}

func TestStrHelpers_tolerateWrongTypes(t *testing.T) {
	env := wire.New("x", map[string]any{
		"n":    float64(7),
		"s":    "str",
		"list": []any{"a", float64(1), "b"},
	})
	if env.Str("n") != "" {
		t.Error("Str on number should be empty")
	}
	if env.Int("s", -1) != -1 {
		t.Error("Int on string should return default")
	}
	got := env.StrSlice("list")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("StrSlice: got %v, want [a b]", got)
	}
}
