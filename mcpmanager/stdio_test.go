package mcpmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// TestStdioManagerRoundTrip exercises the full transport wiring against
// `cat`, which echoes every line written to its stdin back on stdout.
// Since the echoed line carries the same id the request was sent with,
// it round-trips through readLoop exactly as a real server's response
// would, proving Send/readLoop correlate by id correctly without
// depending on an actual MCP server binary being present.
func TestStdioManagerRoundTrip(t *testing.T) {
	m := NewStdioManager([]ServerConfig{{ID: "echo", Command: "cat"}}, nil)
	ctx := context.Background()

	if err := m.Start(ctx, "echo"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.IsRunning("echo") {
		t.Fatal("expected running after Start")
	}

	resp, err := m.Send(ctx, "echo", Request{Method: "ping"}, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.ID == nil {
		t.Fatal("expected echoed response to carry an id")
	}

	_ = m.Stop("echo")
}

func TestStdioManagerUnknownServer(t *testing.T) {
	m := NewStdioManager(nil, nil)
	err := m.Start(context.Background(), "nope")
	if _, ok := err.(ErrServerNotFound); !ok {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func TestStdioManagerSendBeforeStartFails(t *testing.T) {
	m := NewStdioManager([]ServerConfig{{ID: "echo", Command: "cat"}}, nil)
	_, err := m.Send(context.Background(), "echo", Request{Method: "ping"}, time.Second)
	if _, ok := err.(ErrServerNotRunning); !ok {
		t.Fatalf("expected ErrServerNotRunning, got %v", err)
	}
}

func TestNotificationEncodesWithoutID(t *testing.T) {
	// A notification has no "id" field; decoding it with the same probe
	// shape readLoop uses yields a nil id, which is how readLoop tells a
	// notification from a pending response.
	var n Notification
	n.JSONRPC = "2.0"
	n.Method = "notifications/tools/list_changed"
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		t.Fatal(err)
	}
	if probe.ID != nil {
		t.Fatal("expected notification to have a nil id")
	}
}
