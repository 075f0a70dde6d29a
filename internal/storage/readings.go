package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/rewired-gh/crowdwatch/internal/models"
)

// Driver selects the SQL engine behind the reading log.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// MemoryDSN opens a private in-memory SQLite log.
const MemoryDSN = ":memory:"

// created_at holds UTC unix microseconds so range filters are plain integer
// comparisons on both engines. Weekdays are never computed by the engine.
var schemas = map[Driver][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			facility_id INTEGER NOT NULL,
			max_value INTEGER NOT NULL,
			current_value INTEGER NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_created_at ON readings(created_at, facility_id)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS readings (
			id BIGSERIAL PRIMARY KEY,
			facility_id BIGINT NOT NULL,
			max_value BIGINT NOT NULL,
			current_value BIGINT NOT NULL,
			created_at BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM clock_timestamp()) * 1000000)::BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_created_at ON readings(created_at, facility_id)`,
	},
}

// ReadingLog is the append-only time-series log of readings.
type ReadingLog struct {
	db     *sql.DB
	driver Driver
	now    func() time.Time

	mu          sync.Mutex // guards lastCreated
	lastCreated int64
}

// ScanFilter selects readings for Scan. Start and End are inclusive.
type ScanFilter struct {
	FacilityID *int // nil means every facility
	Weekday    models.Weekday
	Start      time.Time
	End        time.Time
	// Location used to derive each reading's weekday; defaults to Start's location.
	Location *time.Location
}

// OpenReadingLog opens (and if needed creates) the reading log.
// For DriverSQLite the dsn is a file path or MemoryDSN; for DriverPostgres a pgx DSN.
func OpenReadingLog(ctx context.Context, driver Driver, dsn string) (*ReadingLog, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			err = db.PingContext(ctx)
		}
	default:
		return nil, fmt.Errorf("unsupported readings driver %q", driver)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, unavailable("open reading log", err)
	}

	for _, stmt := range schemas[driver] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, unavailable("create readings table", err)
		}
	}

	return &ReadingLog{db: db, driver: driver, now: time.Now}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "readings.db"
	}
	if path == MemoryDSN {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return db, err
	}
	return db, nil
}

// Append inserts one immutable reading. A zero CreatedAt is assigned by the log at
// insertion time and is strictly increasing within this process.
func (l *ReadingLog) Append(ctx context.Context, r models.Reading) (models.Reading, error) {
	if err := r.Validate(); err != nil {
		return models.Reading{}, fmt.Errorf("invalid reading: %w", err)
	}

	var created int64
	if r.CreatedAt.IsZero() {
		created = l.nextTimestamp()
	} else {
		created = r.CreatedAt.UnixMicro()
	}

	query := l.rebind(`INSERT INTO readings (facility_id, max_value, current_value, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	var id int64
	if err := l.db.QueryRowContext(ctx, query, r.FacilityID, r.MaxValue, r.CurrentValue, created).Scan(&id); err != nil {
		return models.Reading{}, unavailable("append reading", err)
	}

	r.ID = id
	r.CreatedAt = time.UnixMicro(created)
	return r, nil
}

// nextTimestamp returns the current time in unix microseconds, bumped past the
// previous assignment so same-process submissions keep their order.
func (l *ReadingLog) nextTimestamp() int64 {
	now := l.now().UnixMicro()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now <= l.lastCreated {
		now = l.lastCreated + 1
	}
	l.lastCreated = now
	return now
}

// Scan streams readings that fall within [Start, End] and on the requested weekday,
// ordered by facility id then creation time. Rows are read lazily; stopping the
// iteration early releases the underlying cursor. A storage failure is yielded once
// as the final element.
func (l *ReadingLog) Scan(ctx context.Context, f ScanFilter) iter.Seq2[models.Reading, error] {
	return func(yield func(models.Reading, error) bool) {
		loc := f.Location
		if loc == nil {
			loc = f.Start.Location()
		}

		query := `SELECT id, facility_id, max_value, current_value, created_at FROM readings WHERE created_at >= ? AND created_at <= ?`
		args := []any{f.Start.UnixMicro(), f.End.UnixMicro()}
		if f.FacilityID != nil {
			query += ` AND facility_id = ?`
			args = append(args, *f.FacilityID)
		}
		query += ` ORDER BY facility_id, created_at, id`

		rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
		if err != nil {
			yield(models.Reading{}, unavailable("scan readings", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				r       models.Reading
				created int64
			)
			if err := rows.Scan(&r.ID, &r.FacilityID, &r.MaxValue, &r.CurrentValue, &created); err != nil {
				yield(models.Reading{}, unavailable("scan readings", err))
				return
			}
			r.CreatedAt = time.UnixMicro(created).In(loc)
			if models.WeekdayOf(r.CreatedAt) != f.Weekday {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Reading{}, unavailable("scan readings", err))
		}
	}
}

// Count returns the number of stored readings.
func (l *ReadingLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, unavailable("count readings", err)
	}
	return n, nil
}

// Driver returns the configured SQL engine.
func (l *ReadingLog) Driver() Driver { return l.driver }

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *ReadingLog) DB() *sql.DB { return l.db }

// Close closes the database connection.
func (l *ReadingLog) Close() error {
	return l.db.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (l *ReadingLog) rebind(query string) string {
	if l.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
