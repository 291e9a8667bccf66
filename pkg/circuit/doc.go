// Package circuit implements circuit breakers and the registry that owns
// them.
//
// A Breaker moves between CLOSED, OPEN and HALF_OPEN. Calls made through
// Execute are rejected with an *OpenError while the circuit is open; once
// the recovery timeout has elapsed the next call probes the dependency in
// HALF_OPEN and enough successful probes close the circuit again.
//
// The Registry creates circuits on demand, tracks parent/child
// dependencies between them and trips every child when a parent opens.
// It can persist circuit state through a StatePersister such as
// *state.Manager and push circuit health to a health.Reporter.
//
// Basic usage:
//
//	reg := circuit.NewRegistry(circuit.DefaultRegistryConfig(), tel,
//		circuit.WithHealthReporter(tracker),
//		circuit.WithPersister(manager),
//	)
//	err := reg.Execute(ctx, "database", func(ctx context.Context) error {
//		return db.PingContext(ctx)
//	})
//	if errors.Is(err, circuit.ErrCircuitOpen) {
//		// fail fast
//	}
package circuit
