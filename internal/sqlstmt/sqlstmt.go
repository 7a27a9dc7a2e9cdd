// Package sqlstmt builds the PostgreSQL statements shared by the lib/pq and
// pgx lock stores.
package sqlstmt

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultTableName is the default name for the shedlock table
const DefaultTableName = "shedlock"

const dbNow = "timezone('utc', CURRENT_TIMESTAMP)"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Statements renders queries against one lock table. With useDBTime the
// timestamps are computed by the database server from offsets relative to the
// caller's clock, so nodes with skewed clocks agree on expiry.
type Statements struct {
	table     string
	useDBTime bool
}

// New validates the table name and returns the statement set.
func New(table string, useDBTime bool) (Statements, error) {
	if table == "" {
		table = DefaultTableName
	}
	if !identifier.MatchString(table) {
		return Statements{}, fmt.Errorf("invalid table name %q", table)
	}
	return Statements{table: table, useDBTime: useDBTime}, nil
}

// Table returns the lock table name.
func (s Statements) Table() string {
	return s.table
}

// UsesDBTime reports whether timestamps come from the database clock.
func (s Statements) UsesDBTime() bool {
	return s.useDBTime
}

// CreateTable is the DDL for the lock table.
func (s Statements) CreateTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name VARCHAR(64) PRIMARY KEY,
	lock_until TIMESTAMP NOT NULL,
	locked_at TIMESTAMP NOT NULL,
	locked_by VARCHAR(255) NOT NULL
)`, s.table)
}

// Insert adds the record unless one already exists. One affected row means acquired.
func (s Statements) Insert(name string, lockUntil, now time.Time, holder string) (string, []any) {
	if s.useDBTime {
		return fmt.Sprintf(`INSERT INTO %s (name, lock_until, locked_at, locked_by)
VALUES ($1, %s + $2 * interval '1 millisecond', %s, $3)
ON CONFLICT (name) DO NOTHING`, s.table, dbNow, dbNow),
			[]any{name, offsetMillis(lockUntil, now), holder}
	}
	return fmt.Sprintf(`INSERT INTO %s (name, lock_until, locked_at, locked_by)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING`, s.table),
		[]any{name, lockUntil.UTC(), now.UTC(), holder}
}

// Update takes over an expired record.
func (s Statements) Update(name string, lockUntil, now time.Time, holder string) (string, []any) {
	if s.useDBTime {
		return fmt.Sprintf(`UPDATE %s
SET lock_until = %s + $1 * interval '1 millisecond', locked_at = %s, locked_by = $2
WHERE name = $3 AND lock_until <= %s`, s.table, dbNow, dbNow, dbNow),
			[]any{offsetMillis(lockUntil, now), holder, name}
	}
	return fmt.Sprintf(`UPDATE %s
SET lock_until = $1, locked_at = $2, locked_by = $3
WHERE name = $4 AND lock_until <= $2`, s.table),
		[]any{lockUntil.UTC(), now.UTC(), holder, name}
}

// Extend moves lock_until of a live record owned by holder.
func (s Statements) Extend(name string, lockUntil, now time.Time, holder string) (string, []any) {
	if s.useDBTime {
		return fmt.Sprintf(`UPDATE %s
SET lock_until = %s + $1 * interval '1 millisecond'
WHERE name = $2 AND locked_by = $3 AND lock_until > %s`, s.table, dbNow, dbNow),
			[]any{offsetMillis(lockUntil, now), name, holder}
	}
	return fmt.Sprintf(`UPDATE %s
SET lock_until = $1
WHERE name = $2 AND locked_by = $3 AND lock_until > $4`, s.table),
		[]any{lockUntil.UTC(), name, holder, now.UTC()}
}

// Release sets lock_until to the unlock time if holder still owns the record.
func (s Statements) Release(name string, unlockTime, now time.Time, holder string) (string, []any) {
	if s.useDBTime {
		return fmt.Sprintf(`UPDATE %s
SET lock_until = %s + $1 * interval '1 millisecond'
WHERE name = $2 AND locked_by = $3`, s.table, dbNow),
			[]any{offsetMillis(unlockTime, now), name, holder}
	}
	return fmt.Sprintf(`UPDATE %s
SET lock_until = $1
WHERE name = $2 AND locked_by = $3`, s.table),
		[]any{unlockTime.UTC(), name, holder}
}

// Find reads one record.
func (s Statements) Find(name string) (string, []any) {
	return fmt.Sprintf(`SELECT name, lock_until, locked_at, locked_by FROM %s WHERE name = $1`, s.table),
		[]any{name}
}

func offsetMillis(t, now time.Time) int64 {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
