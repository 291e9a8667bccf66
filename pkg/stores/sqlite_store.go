package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/resilience/pkg/state"
	"github.com/openfroyo/resilience/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite backend configuration.
type SQLiteConfig struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// KeepHistory is how many history rows cleanup retains per resource.
	KeepHistory int `yaml:"keep_history" validate:"gte=0"`

	// KeepSnapshots is how many snapshots cleanup retains per resource.
	KeepSnapshots int `yaml:"keep_snapshots" validate:"gte=0"`

	// VacuumThresholdBytes triggers VACUUM after cleanup once the database
	// grows past it.
	VacuumThresholdBytes int64 `yaml:"vacuum_threshold_bytes"`
}

// SQLiteBackend implements state.Backend on SQLite.
type SQLiteBackend struct {
	db  *sql.DB
	cfg SQLiteConfig
	log *telemetry.Logger
}

// NewSQLiteBackend creates a new SQLite backend. Call Init and Migrate
// before use, or use OpenSQLiteBackend.
func NewSQLiteBackend(cfg SQLiteConfig, logger *telemetry.Logger) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == ":memory:" {
		// every connection would otherwise see its own empty database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	if cfg.KeepHistory <= 0 {
		cfg.KeepHistory = 1000
	}
	if cfg.KeepSnapshots <= 0 {
		cfg.KeepSnapshots = 10
	}
	if cfg.VacuumThresholdBytes <= 0 {
		cfg.VacuumThresholdBytes = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &SQLiteBackend{
		cfg: cfg,
		log: logger.NewComponentLogger("sqlite_backend"),
	}, nil
}

// OpenSQLiteBackend creates, initializes and migrates a backend.
func OpenSQLiteBackend(ctx context.Context, cfg SQLiteConfig, logger *telemetry.Logger) (*SQLiteBackend, error) {
	b, err := NewSQLiteBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Init opens the database connection and applies connection PRAGMAs.
func (s *SQLiteBackend) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s.db = db
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteBackend) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// entryRow is the column form shared by states and state_history.
type entryRow struct {
	stateType        string
	stateValue       string
	resourceType     string
	timestamp        float64
	metadata         sql.NullString
	version          int
	previousState    sql.NullString
	transitionReason sql.NullString
	failureInfo      sql.NullString
}

func toRow(e *state.Entry) (*entryRow, error) {
	stateType, stateValue, err := encodeState(e.State)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMap(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	failureInfo, err := encodeMap(e.FailureInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to encode failure info: %w", err)
	}
	return &entryRow{
		stateType:        stateType,
		stateValue:       stateValue,
		resourceType:     string(e.ResourceType),
		timestamp:        toUnix(e.Timestamp),
		metadata:         metadata,
		version:          e.Version,
		previousState:    nullString(e.PreviousState),
		transitionReason: nullString(e.TransitionReason),
		failureInfo:      failureInfo,
	}, nil
}

func (r *entryRow) toEntry() (*state.Entry, error) {
	st, err := state.FromParts(r.stateType, []byte(r.stateValue))
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	metadata, err := decodeMap(r.metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	failureInfo, err := decodeMap(r.failureInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to decode failure info: %w", err)
	}
	e := &state.Entry{
		State:        st,
		ResourceType: state.ResourceType(r.resourceType),
		Timestamp:    fromUnix(r.timestamp),
		Metadata:     metadata,
		Version:      r.version,
		FailureInfo:  failureInfo,
	}
	if r.previousState.Valid {
		v := r.previousState.String
		e.PreviousState = &v
	}
	if r.transitionReason.Valid {
		v := r.transitionReason.String
		e.TransitionReason = &v
	}
	return e, nil
}

func (r *entryRow) scanTargets() []interface{} {
	return []interface{}{
		&r.stateType, &r.stateValue, &r.resourceType, &r.timestamp, &r.metadata,
		&r.version, &r.previousState, &r.transitionReason, &r.failureInfo,
	}
}

const entryColumns = `state_type, state_value, resource_type, timestamp, metadata,
	version, previous_state, transition_reason, failure_info`

// SaveState upserts the current state and appends it to the history in
// one transaction.
func (s *SQLiteBackend) SaveState(ctx context.Context, resourceID string, entry *state.Entry) error {
	row, err := toRow(entry)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []interface{}{
		resourceID, row.stateType, row.stateValue, row.resourceType, row.timestamp,
		row.metadata, row.version, row.previousState, row.transitionReason, row.failureInfo,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO states (resource_id, `+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_history (resource_id, `+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

type snapshotPayload struct {
	State    state.State            `json:"state"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SaveSnapshot appends a snapshot row.
func (s *SQLiteBackend) SaveSnapshot(ctx context.Context, resourceID string, snapshot *state.Snapshot) error {
	payload, err := json.Marshal(snapshotPayload{State: snapshot.State, Metadata: snapshot.StateMetadata})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	metadata, err := encodeMap(snapshot.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (resource_id, state, timestamp, metadata, resource_type, version)
		VALUES (?, ?, ?, ?, ?, ?)
	`, resourceID, string(payload), toUnix(snapshot.Timestamp), metadata, string(snapshot.ResourceType), snapshot.Version)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadState returns the current entry or nil.
func (s *SQLiteBackend) LoadState(ctx context.Context, resourceID string) (*state.Entry, error) {
	row := &entryRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM states
		WHERE resource_id = ?
	`, resourceID).Scan(row.scanTargets()...)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return row.toEntry()
}

// LoadHistory returns history rows in chronological order.
func (s *SQLiteBackend) LoadHistory(ctx context.Context, resourceID string, limit int) ([]*state.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM state_history
		WHERE resource_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{resourceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	history := []*state.Entry{}
	for rows.Next() {
		row := &entryRow{}
		if err := rows.Scan(row.scanTargets()...); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	reverse(history)
	return history, nil
}

// LoadSnapshots returns snapshots in chronological order.
func (s *SQLiteBackend) LoadSnapshots(ctx context.Context, resourceID string, limit int) ([]*state.Snapshot, error) {
	query := `
		SELECT state, timestamp, metadata, resource_type, version
		FROM snapshots
		WHERE resource_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{resourceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []*state.Snapshot{}
	for rows.Next() {
		var (
			payload      string
			timestamp    float64
			metadata     sql.NullString
			resourceType string
			version      int
		)
		if err := rows.Scan(&payload, &timestamp, &metadata, &resourceType, &version); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		var p snapshotPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
		}
		meta, err := decodeMap(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot metadata: %w", err)
		}

		snapshots = append(snapshots, &state.Snapshot{
			State:         p.State,
			StateMetadata: p.Metadata,
			Timestamp:     fromUnix(timestamp),
			Metadata:      meta,
			ResourceType:  state.ResourceType(resourceType),
			Version:       version,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	reverse(snapshots)
	return snapshots, nil
}

// ResourceIDs returns every resource with a current state.
func (s *SQLiteBackend) ResourceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource_id FROM states ORDER BY resource_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return ids, nil
}

// Cleanup deletes TERMINATED resources whose last transition is before
// olderThan, trims history and snapshots per resource, and vacuums the
// database once it passes the size threshold.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	removed := 0
	cutoff := toUnix(olderThan)
	expired := `
		SELECT resource_id FROM states
		WHERE state_type = ? AND state_value = ? AND timestamp < ?
	`
	expiredArgs := []interface{}{string(state.KindResource), string(state.ResourceTerminated), cutoff}

	for _, table := range []string{"state_history", "snapshots", "states"} {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE resource_id IN (`+expired+`)`, expiredArgs...)
		if err != nil {
			return 0, fmt.Errorf("failed to delete expired rows from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	trims := []struct {
		table string
		keep  int
	}{
		{"state_history", s.cfg.KeepHistory},
		{"snapshots", s.cfg.KeepSnapshots},
	}
	for _, t := range trims {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM `+t.table+` WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY id DESC) AS rn
					FROM `+t.table+`
				) WHERE rn > ?
			)
		`, t.keep)
		if err != nil {
			return 0, fmt.Errorf("failed to trim %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	size, err := s.databaseSize(ctx)
	if err == nil && size > s.cfg.VacuumThresholdBytes {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.WithError(err).Warn("vacuum after cleanup failed")
		}
	}

	return removed, nil
}

// Optimize runs VACUUM and ANALYZE.
func (s *SQLiteBackend) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze: %w", err)
	}
	return nil
}

// Compact optimizes the database.
func (s *SQLiteBackend) Compact(ctx context.Context) (map[string]interface{}, error) {
	if err := s.Optimize(ctx); err != nil {
		return map[string]interface{}{"database_optimized": false}, err
	}
	return map[string]interface{}{"database_optimized": true}, nil
}

// Stats reports row counts and the database size.
func (s *SQLiteBackend) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{"backend": "sqlite"}
	for _, table := range []string{"states", "state_history", "snapshots"} {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table+"_count"] = count
	}

	size, err := s.databaseSize(ctx)
	if err != nil {
		return nil, err
	}
	stats["database_size_bytes"] = size
	return stats, nil
}

func (s *SQLiteBackend) databaseSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// encodeState splits a state into (state_type, state_value).
func encodeState(st state.State) (string, string, error) {
	if st.IsZero() {
		return "", "", fmt.Errorf("cannot store uninitialised state")
	}
	if st.IsCustom() {
		data, err := json.Marshal(st.CustomData())
		if err != nil {
			return "", "", fmt.Errorf("failed to encode custom state: %w", err)
		}
		return string(state.KindCustom), string(data), nil
	}
	return string(st.Kind()), st.Name(), nil
}

func encodeMap(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeMap(v sql.NullString) (map[string]interface{}, error) {
	if !v.Valid {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(v.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

var (
	_ state.Backend       = (*SQLiteBackend)(nil)
	_ state.Compactor     = (*SQLiteBackend)(nil)
	_ state.StatsReporter = (*SQLiteBackend)(nil)
)
