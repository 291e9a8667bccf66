package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/resilience/pkg/state"
)

// StatePersister stores circuit records as resource state. *state.Manager
// implements it.
type StatePersister interface {
	SetState(ctx context.Context, resourceID string, st state.State, resourceType state.ResourceType, opts ...state.SetOption) (*state.Entry, error)
	GetState(ctx context.Context, resourceID string, opts ...state.GetOption) (*state.Entry, error)
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
}

var _ StatePersister = (*state.Manager)(nil)

// record is the persisted form of one circuit.
type record struct {
	State        State
	FailureCount int
	LastFailure  time.Time
	Children     []string
	Parents      []string

	Registered time.Time
	TripCount  int
	LastTrip   time.Time
	LastReset  time.Time
}

func (rec record) stateData() map[string]interface{} {
	return map[string]interface{}{
		"state":             string(rec.State),
		"failure_count":     rec.FailureCount,
		"last_failure_time": formatTime(rec.LastFailure),
		"children":          stringsToList(rec.Children),
		"parents":           stringsToList(rec.Parents),
	}
}

func (rec record) metadata(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"registered_time": formatTime(rec.Registered),
		"trip_count":      rec.TripCount,
		"last_trip":       formatTime(rec.LastTrip),
		"last_reset":      formatTime(rec.LastReset),
		"last_saved":      formatTime(now),
	}
}

func decodeRecord(entry *state.Entry) (record, error) {
	if entry == nil || !entry.State.IsCustom() {
		return record{}, fmt.Errorf("not a circuit record")
	}
	data := entry.State.CustomData()
	name, _ := data["state"].(string)
	st := State(name)
	switch st {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		return record{}, fmt.Errorf("unknown circuit state %q", name)
	}

	rec := record{
		State:        st,
		FailureCount: toInt(data["failure_count"]),
		LastFailure:  parseTime(data["last_failure_time"]),
		Children:     listToStrings(data["children"]),
		Parents:      listToStrings(data["parents"]),
	}
	if md := entry.Metadata; md != nil {
		rec.Registered = parseTime(md["registered_time"])
		rec.TripCount = toInt(md["trip_count"])
		rec.LastTrip = parseTime(md["last_trip"])
		rec.LastReset = parseTime(md["last_reset"])
	}
	return rec, nil
}

// save persists the current record of name. Failures are logged.
func (r *Registry) save(ctx context.Context, name string) {
	if err := r.saveCircuit(ctx, name); err != nil {
		r.log.WithCircuit(name).WithError(err).Error("failed to persist circuit state")
	}
}

func (r *Registry) saveCircuit(ctx context.Context, name string) error {
	if r.persister == nil {
		return nil
	}

	r.mu.RLock()
	b, ok := r.circuits[name]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	rec := record{
		Children: append([]string(nil), r.children[name]...),
		Parents:  append([]string(nil), r.parents[name]...),
	}
	if m, ok := r.meta[name]; ok {
		rec.Registered = m.registered
		rec.TripCount = m.tripCount
		rec.LastTrip = m.lastTrip
		rec.LastReset = m.lastReset
	}
	r.mu.RUnlock()

	snap := b.Snapshot()
	rec.State = snap.State
	rec.FailureCount = snap.FailureCount
	rec.LastFailure = snap.LastFailure

	_, err := r.persister.SetState(ctx, ResourcePrefix+name,
		state.Custom(rec.stateData()),
		state.TypeCircuitBreaker,
		state.WithMetadata(rec.metadata(r.clock.Now())),
	)
	return err
}

// SaveAll persists every circuit.
func (r *Registry) SaveAll(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	var errs []error
	names := r.Names()
	for _, name := range names {
		if err := r.saveCircuit(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("circuit %s: %w", name, err))
		}
	}
	if len(errs) == 0 {
		r.log.WithField("count", len(names)).Info("saved circuit states")
	}
	return errors.Join(errs...)
}

// LoadState reads persisted circuit records. Records for circuits that
// already exist are applied at once; the rest are applied when the circuit
// is created. Dependency edges are restored in both cases. It returns the
// number of records read.
func (r *Registry) LoadState(ctx context.Context) (int, error) {
	if r.persister == nil {
		return 0, nil
	}

	ids, err := r.persister.KeysByPrefix(ctx, ResourcePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list circuit records: %w", err)
	}

	loaded := 0
	for _, id := range ids {
		name := strings.TrimPrefix(id, ResourcePrefix)
		entry, err := r.persister.GetState(ctx, id)
		if err != nil {
			r.log.WithCircuit(name).WithError(err).Warn("failed to load circuit record")
			continue
		}
		rec, err := decodeRecord(entry)
		if err != nil {
			r.log.WithCircuit(name).WithError(err).Warn("invalid circuit record")
			continue
		}

		var skipped [][]string
		r.mu.Lock()
		for _, child := range rec.Children {
			if cycle := r.restoreEdgeLocked(child, name); cycle != nil {
				skipped = append(skipped, cycle)
			}
		}
		for _, parent := range rec.Parents {
			if cycle := r.restoreEdgeLocked(name, parent); cycle != nil {
				skipped = append(skipped, cycle)
			}
		}
		b, exists := r.circuits[name]
		if !exists {
			r.pending[name] = rec
		}
		r.mu.Unlock()

		for _, cycle := range skipped {
			r.log.WithCircuit(name).
				WithField("cycle", strings.Join(cycle, " -> ")).
				Warn("skipped persisted dependency that would form a cycle")
		}

		if exists {
			r.apply(name, b, rec)
			r.reportHealth(ctx, name, b.Snapshot(), "")
		}
		loaded++
	}

	r.log.WithField("count", loaded).Info("loaded circuit states")
	return loaded, nil
}

// restoreEdgeLocked adds a persisted child to parent edge unless it would
// close a cycle, in which case the cycle is returned and the edge dropped.
func (r *Registry) restoreEdgeLocked(child, parent string) []string {
	if contains(r.children[parent], child) {
		r.addEdgeLocked(child, parent)
		return nil
	}
	if cycle := r.pathLocked(child, parent); cycle != nil {
		return append([]string{parent}, cycle...)
	}
	r.addEdgeLocked(child, parent)
	return nil
}

// apply restores rec onto b without notifying listeners.
func (r *Registry) apply(name string, b *Breaker, rec record) {
	b.Restore(Snapshot{
		State:        rec.State,
		FailureCount: rec.FailureCount,
		LastFailure:  rec.LastFailure,
		LastReason:   "restored from persisted state",
	})

	r.mu.Lock()
	m, ok := r.meta[name]
	if !ok {
		m = &circuitMeta{}
		r.meta[name] = m
	}
	if !rec.Registered.IsZero() {
		m.registered = rec.Registered
	}
	m.tripCount = rec.TripCount
	m.lastTrip = rec.LastTrip
	m.lastReset = rec.LastReset
	m.lastLoaded = r.clock.Now()
	r.mu.Unlock()

	r.log.WithCircuit(name).WithField("state", string(rec.State)).Info("restored circuit state")
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case time.Time:
		return t
	}
	return time.Time{}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringsToList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func listToStrings(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
