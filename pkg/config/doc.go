// Package config loads the YAML configuration for the resilience layer.
//
// A configuration file has five sections. Anything omitted keeps the value
// from Default:
//
//	telemetry:
//	  service_name: inventory
//	  service_version: 1.4.0
//	  logging:
//	    level: info
//	    format: json
//	state:
//	  backend:
//	    type: sqlite
//	    sqlite:
//	      path: state.db
//	  cache_size: 1000
//	  snapshot_interval: 10
//	  cleanup:
//	    policy: hybrid
//	    ttl: 24h
//	circuits:
//	  default:
//	    failure_threshold: 5
//	    recovery_timeout: 30s
//	  components:
//	    database:
//	      failure_threshold: 3
//	  monitor_interval: 30s
//	  persist: true
//	memory:
//	  thresholds:
//	    warning_percent: 70
//	    critical_percent: 90
//	    per_resource_max_mb: 100
//	    total_memory_mb: 1024
//	  check_interval: 60s
//	system:
//	  check_interval: 60s
//	  memory_threshold: 0.85
//	  metric_window: 10m
//
// Relative storage paths resolve against the directory holding the file.
// Per component circuit and memory settings inherit unset fields from the
// section defaults.
//
// Watch follows a file with fsnotify and hands every valid new version to a
// callback. Only circuit defaults and memory thresholds are applied to a
// running process; see ReloadableEqual.
package config
