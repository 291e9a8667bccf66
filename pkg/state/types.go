package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// ResourceState is the lifecycle state of a managed resource.
type ResourceState string

const (
	ResourceActive     ResourceState = "ACTIVE"
	ResourcePaused     ResourceState = "PAUSED"
	ResourceFailed     ResourceState = "FAILED"
	ResourceRecovered  ResourceState = "RECOVERED"
	ResourceTerminated ResourceState = "TERMINATED"
)

// InterfaceState is the lifecycle state of an interface between components.
type InterfaceState string

const (
	InterfaceInitialized InterfaceState = "INITIALIZED"
	InterfaceActive      InterfaceState = "ACTIVE"
	InterfaceDisabled    InterfaceState = "DISABLED"
	InterfaceError       InterfaceState = "ERROR"
	InterfaceValidating  InterfaceState = "VALIDATING"
	InterfacePropagating InterfaceState = "PROPAGATING"
)

// Kind discriminates the variants of State.
type Kind string

const (
	KindResource  Kind = "ResourceState"
	KindInterface Kind = "InterfaceState"
	KindCustom    Kind = "custom"
)

// ResourceType labels what a resource is. Unknown names are kept verbatim.
type ResourceType string

const (
	TypeState          ResourceType = "STATE"
	TypeCircuitBreaker ResourceType = "CIRCUIT_BREAKER"
	TypeAgent          ResourceType = "AGENT"
	TypeMonitor        ResourceType = "MONITOR"
	TypeCache          ResourceType = "CACHE"
	TypeCompute        ResourceType = "COMPUTE"
	TypeEvent          ResourceType = "EVENT"
)

// State is a tagged union over the two enum kinds and a free-form custom
// payload. The zero value is invalid; build states with Resource, Interface
// or Custom.
type State struct {
	kind   Kind
	name   string
	custom map[string]interface{}
}

// Resource wraps a ResourceState.
func Resource(s ResourceState) State {
	return State{kind: KindResource, name: string(s)}
}

// Interface wraps an InterfaceState.
func Interface(s InterfaceState) State {
	return State{kind: KindInterface, name: string(s)}
}

// Custom wraps an arbitrary key-value payload. A nil map becomes empty.
func Custom(m map[string]interface{}) State {
	if m == nil {
		m = map[string]interface{}{}
	}
	return State{kind: KindCustom, custom: m}
}

// Kind returns the variant.
func (s State) Kind() Kind { return s.kind }

// IsZero reports whether s was never initialised.
func (s State) IsZero() bool { return s.kind == "" }

// IsCustom reports whether s carries a custom payload.
func (s State) IsCustom() bool { return s.kind == KindCustom }

// Name returns the enum name, or empty for custom states.
func (s State) Name() string { return s.name }

// ResourceState returns the resource enum value if s holds one.
func (s State) ResourceState() (ResourceState, bool) {
	if s.kind != KindResource {
		return "", false
	}
	return ResourceState(s.name), true
}

// InterfaceState returns the interface enum value if s holds one.
func (s State) InterfaceState() (InterfaceState, bool) {
	if s.kind != KindInterface {
		return "", false
	}
	return InterfaceState(s.name), true
}

// CustomData returns the custom payload, or nil for enum states.
func (s State) CustomData() map[string]interface{} {
	return s.custom
}

// Equal reports whether both states hold the same variant and value.
func (s State) Equal(other State) bool {
	if s.kind != other.kind {
		return false
	}
	if s.kind == KindCustom {
		return reflect.DeepEqual(normalize(s.custom), normalize(other.custom))
	}
	return s.name == other.name
}

// String renders "ResourceState.ACTIVE" for enums and JSON for custom states.
func (s State) String() string {
	switch s.kind {
	case KindResource, KindInterface:
		return string(s.kind) + "." + s.name
	case KindCustom:
		data, err := json.Marshal(s.custom)
		if err != nil {
			return fmt.Sprintf("%v", s.custom)
		}
		return string(data)
	default:
		return "<invalid>"
	}
}

type stateJSON struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	if s.kind == "" {
		return nil, fmt.Errorf("cannot marshal uninitialised state")
	}
	var value []byte
	var err error
	if s.kind == KindCustom {
		value, err = json.Marshal(s.custom)
	} else {
		value, err = json.Marshal(s.name)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(stateJSON{Kind: s.kind, Value: value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromParts(string(raw.Kind), raw.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FromParts rebuilds a state from its kind and encoded value. Enum values
// may be given either as a JSON string or as the bare name.
func FromParts(kind string, value []byte) (State, error) {
	switch Kind(kind) {
	case KindResource, KindInterface:
		name := string(value)
		var quoted string
		if err := json.Unmarshal(value, &quoted); err == nil {
			name = quoted
		}
		if !knownName(Kind(kind), name) {
			return State{}, fmt.Errorf("unknown %s %q", kind, name)
		}
		return State{kind: Kind(kind), name: name}, nil
	case KindCustom:
		m := map[string]interface{}{}
		if len(value) > 0 && !bytes.Equal(value, []byte("null")) {
			if err := json.Unmarshal(value, &m); err != nil {
				return State{}, fmt.Errorf("invalid custom state: %w", err)
			}
		}
		return Custom(m), nil
	default:
		return State{}, fmt.Errorf("unknown state kind %q", kind)
	}
}

// Parse resolves "ResourceState.ACTIVE" style names, or bare names which
// are tried as a ResourceState first.
func Parse(text string) (State, error) {
	for _, kind := range []Kind{KindResource, KindInterface} {
		prefix := string(kind) + "."
		if len(text) > len(prefix) && text[:len(prefix)] == prefix {
			return FromParts(string(kind), []byte(text[len(prefix):]))
		}
	}
	if knownName(KindResource, text) {
		return Resource(ResourceState(text)), nil
	}
	if knownName(KindInterface, text) {
		return Interface(InterfaceState(text)), nil
	}
	return State{}, fmt.Errorf("unknown state %q", text)
}

func knownName(kind Kind, name string) bool {
	switch kind {
	case KindResource:
		_, ok := resourceTransitions[ResourceState(name)]
		return ok
	case KindInterface:
		_, ok := interfaceTransitions[InterfaceState(name)]
		return ok
	}
	return false
}

// normalize round-trips a payload through JSON so numeric types compare equal.
func normalize(m map[string]interface{}) interface{} {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

// Entry is one record in a resource's append-only state history.
type Entry struct {
	// State is the state the resource moved into.
	State State `json:"state"`

	// ResourceType labels the resource.
	ResourceType ResourceType `json:"resource_type"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries caller-supplied context.
	Metadata map[string]interface{} `json:"metadata"`

	// Version is the entry schema version and is always 1.
	Version int `json:"version"`

	// PreviousState is the string form of the state before the transition.
	PreviousState *string `json:"previous_state,omitempty"`

	// TransitionReason explains the transition.
	TransitionReason *string `json:"transition_reason,omitempty"`

	// FailureInfo describes the failure for FAILED transitions.
	FailureInfo map[string]interface{} `json:"failure_info"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.State = e.State.clone()
	out.Metadata = cloneMap(e.Metadata)
	out.FailureInfo = cloneMap(e.FailureInfo)
	if e.PreviousState != nil {
		v := *e.PreviousState
		out.PreviousState = &v
	}
	if e.TransitionReason != nil {
		v := *e.TransitionReason
		out.TransitionReason = &v
	}
	return &out
}

// Snapshot is a checkpoint of a resource's state used for rollback.
type Snapshot struct {
	// State is the captured state.
	State State `json:"state"`

	// StateMetadata is the metadata of the captured entry.
	StateMetadata map[string]interface{} `json:"state_metadata"`

	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Metadata describes the snapshot itself, e.g. snapshot_reason.
	Metadata map[string]interface{} `json:"metadata"`

	// ResourceType labels the resource.
	ResourceType ResourceType `json:"resource_type"`

	// Version is the snapshot schema version.
	Version int `json:"version"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.State = s.State.clone()
	out.StateMetadata = cloneMap(s.StateMetadata)
	out.Metadata = cloneMap(s.Metadata)
	return &out
}

func (s State) clone() State {
	if s.kind == KindCustom {
		s.custom = cloneMap(s.custom)
	}
	return s
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
