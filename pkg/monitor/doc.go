// Package monitor watches memory use and coordinates periodic health
// checks.
//
// MemoryMonitor tracks the size of individual resources per component,
// raises resource_alert_created events when a resource or a component
// total crosses its thresholds and polls host memory from /proc/meminfo.
//
// SystemMonitor runs one loop over the memory monitor, the circuit
// registry and the state manager, feeds the results into a
// health.Tracker and keeps a sliding window of SystemSnapshot values.
package monitor
