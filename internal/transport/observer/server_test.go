package observer_test

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gridworld.ai/internal/observerproto"
	"gridworld.ai/internal/sim/hospital"
	"gridworld.ai/internal/transport/observer"
)

const levelText = `#domain
hospital
#levelname
schema test
#colors
blue: 0, A
#initial
+++++
+0A +
+++++
#goal
+++++
+  A+
+++++
#end
`

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

func validateSchema(t *testing.T, s *jsonschema.Schema, raw []byte) {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBootstrapHandler_MatchesSchema(t *testing.T) {
	seq, err := hospital.LoadLevel(strings.NewReader(levelText))
	if err != nil {
		t.Fatalf("load level: %v", err)
	}
	srv := observer.NewServer(seq, log.New(io.Discard, "", 0))

	req := httptest.NewRequest("GET", "/v1/observer/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	validateSchema(t, compileSchema(t, "bootstrap.schema.json"), rec.Body.Bytes())

	var resp observerproto.BootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal bootstrap: %v", err)
	}
	if resp.LevelName != "schema test" {
		t.Errorf("level_name = %q, want %q", resp.LevelName, "schema test")
	}
	if resp.NumStates != 1 {
		t.Errorf("num_states = %d, want 1", resp.NumStates)
	}
	if len(resp.Level.Walls) != 3 || resp.Level.Walls[0] != "+++++" {
		t.Errorf("unexpected walls: %v", resp.Level.Walls)
	}
	if len(resp.Level.BoxGoals) != 1 || resp.Level.BoxGoals[0].Col != 3 {
		t.Errorf("unexpected box goals: %v", resp.Level.BoxGoals)
	}
}

func TestBootstrapHandler_RejectsNonLoopback(t *testing.T) {
	seq, err := hospital.LoadLevel(strings.NewReader(levelText))
	if err != nil {
		t.Fatalf("load level: %v", err)
	}
	srv := observer.NewServer(seq, log.New(io.Discard, "", 0))

	req := httptest.NewRequest("GET", "/v1/observer/bootstrap", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestStateMsg_MatchesSchema(t *testing.T) {
	msg := observerproto.StateMsg{
		Type:            "STATE",
		ProtocolVersion: observerproto.Version,
		Index:           2,
		TimeNS:          1500000,
		Agents: []observerproto.Entity{
			{Symbol: "0", Color: "blue", Row: 1, Col: 1},
		},
		Boxes: []observerproto.Entity{
			{Symbol: "A", Color: "blue", Row: 1, Col: 3},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	validateSchema(t, compileSchema(t, "state.schema.json"), raw)
}
