package state

import (
	"encoding/json"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Resource(ResourceActive), "ResourceState.ACTIVE"},
		{Interface(InterfaceError), "InterfaceState.ERROR"},
		{Custom(map[string]interface{}{"phase": "drain"}), `{"phase":"drain"}`},
		{Custom(nil), `{}`},
		{State{}, "<invalid>"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}

func TestStateJSON(t *testing.T) {
	for _, s := range allStates() {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %s: %v", s, err)
		}
		var back State
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !back.Equal(s) {
			t.Errorf("expected %s, got %s", s, back)
		}
	}

	var bad State
	if err := json.Unmarshal([]byte(`{"kind":"ResourceState","value":"SLEEPING"}`), &bad); err == nil {
		t.Error("expected error for unknown enum value")
	}
	if _, err := json.Marshal(State{}); err == nil {
		t.Error("expected error marshalling zero state")
	}
}

func TestCustomEqualityIgnoresNumericType(t *testing.T) {
	a := Custom(map[string]interface{}{"n": 1, "list": []interface{}{}})
	b := Custom(map[string]interface{}{"n": float64(1), "list": []interface{}{}})
	if !a.Equal(b) {
		t.Error("expected custom states to compare equal")
	}
	if a.Equal(Resource(ResourceActive)) {
		t.Error("custom state must not equal an enum state")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"ResourceState.FAILED", Resource(ResourceFailed), false},
		{"InterfaceState.ACTIVE", Interface(InterfaceActive), false},
		{"ACTIVE", Resource(ResourceActive), false},
		{"VALIDATING", Interface(InterfaceValidating), false},
		{"ResourceState.VALIDATING", State{}, true},
		{"nonsense", State{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := &Entry{
		State:    Custom(map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}),
		Metadata: map[string]interface{}{"tags": []interface{}{"a"}},
	}
	c := e.Clone()
	c.State.CustomData()["nested"].(map[string]interface{})["k"] = "changed"
	c.Metadata["tags"].([]interface{})[0] = "b"

	if e.State.CustomData()["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("clone shares custom state")
	}
	if e.Metadata["tags"].([]interface{})[0] != "a" {
		t.Error("clone shares metadata")
	}
}
