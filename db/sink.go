// Package db is the relational sink for predictions. Postgres is reached
// through the pgx stdlib driver; SQLite serves local runs and tests.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

var ErrPersistence = errors.New("persistence failed")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const (
	driverPostgres = "pgx"
	driverSQLite   = "sqlite3"
)

// Sink is one database connection.
type Sink struct {
	db     *sql.DB
	driver string
}

// sqliteDSN adds a busy timeout unless the URL already sets one.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_busy_timeout=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000"
}

// Connect opens postgres://, postgresql://, sqlite://<path> or file: URLs.
func Connect(ctx context.Context, url string) (*Sink, error) {
	var driver, dsn string
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver, dsn = driverPostgres, url
	case strings.HasPrefix(url, "sqlite://"):
		driver, dsn = driverSQLite, sqliteDSN(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		driver, dsn = driverSQLite, url
	default:
		return nil, fmt.Errorf("%w: unsupported database url scheme in %q", ErrPersistence, redact(url))
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database failed: %v", ErrPersistence, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrPersistence, redact(url), multierr.Append(err, conn.Close()))
	}
	return &Sink{db: conn, driver: driver}, nil
}

func (s *Sink) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Sink) placeholder(i int) string {
	if s.driver == driverPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func checkIdent(names ...string) error {
	for _, name := range names {
		if !identPattern.MatchString(name) {
			return fmt.Errorf("%w: invalid identifier %q", ErrPersistence, name)
		}
	}
	return nil
}

// Insert writes every row in one transaction; on any failure nothing is kept.
func (s *Sink) Insert(ctx context.Context, table string, columns []string, rows [][]interface{}) (err error) {
	if err := checkIdent(append([]string{table}, columns...)...); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("%w: insert into %s without columns", ErrPersistence, table)
	}
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = s.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: prepare insert into %s: %v", ErrPersistence, table, err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrPersistence, i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("%w: insert into %s: %v", ErrPersistence, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

// Select returns the rows of table matching every filter column by equality.
// No columns selects all of them.
func (s *Sink) Select(ctx context.Context, table string, columns []string, filter map[string]interface{}) ([][]interface{}, error) {
	if err := checkIdent(append([]string{table}, columns...)...); err != nil {
		return nil, err
	}
	selected := "*"
	if len(columns) > 0 {
		selected = strings.Join(columns, ", ")
	}
	where, args, err := s.where(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s%s", selected, table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select from %s: %v", ErrPersistence, table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	var out [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrPersistence, table, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: select from %s: %v", ErrPersistence, table, err)
	}
	return out, nil
}

func (s *Sink) where(filter map[string]interface{}) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := checkIdent(keys...); err != nil {
		return "", nil, err
	}
	clauses := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		clauses[i] = k + " = " + s.placeholder(i+1)
		args[i] = filter[k]
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// redact hides the password of a connection url in messages.
func redact(url string) string {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return url
	}
	userinfo, host, found := strings.Cut(rest, "@")
	if !found {
		return url
	}
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		return scheme + "://" + user + ":***@" + host
	}
	return url
}
