// Package stores provides the persistence backends for resource state.
//
// Three implementations of state.Backend are available:
//
//   - MemoryBackend keeps everything in process memory.
//   - FileBackend writes one checksummed blob per resource and record type,
//     staging every write in a temp directory and renaming it into place.
//     Corrupt files are moved aside and the current state is rebuilt from
//     history where possible.
//   - SQLiteBackend stores states, history and snapshots in SQLite with
//     embedded migrations, WAL mode and transactional writes.
//
// Open selects a backend from a Config.
package stores
