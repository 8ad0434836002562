package connmgr

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  string
	}{
		{"opening", Opening, "Opening"},
		{"established", Established, "Established"},
		{"closing", Closing, "Closing"},
		{"closed", Closed, "Closed"},
		{"unknown", State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestParamsLookup(t *testing.T) {
	p := Params{"hostname": "127.0.0.1", "port": uint16(1883)}

	if v, ok := p["hostname"].(string); !ok || v != "127.0.0.1" {
		t.Errorf("hostname = %v, ok=%v", v, ok)
	}
	if v, ok := p["port"].(uint16); !ok || v != 1883 {
		t.Errorf("port = %v, ok=%v", v, ok)
	}
	if _, ok := p["missing"]; ok {
		t.Error("expected missing key to be absent")
	}
}

func TestCallbackSignature(t *testing.T) {
	var called bool
	var cb Callback = func(cm any, connectionID uintptr, application any, context *any, state State, params Params, payload []byte) {
		called = true
		if state != Established {
			t.Errorf("state = %v, want Established", state)
		}
	}

	ctx := any(nil)
	cb(nil, 1, nil, &ctx, Established, Params{}, nil)
	if !called {
		t.Error("callback was not invoked")
	}
}
