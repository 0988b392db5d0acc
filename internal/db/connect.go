package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
)

// Connect opens the GTFS database. With a city, the most recent successful
// import for that city is looked up in the cluster's postgres database and
// the DSN is pointed at it. It returns the database name in use.
func Connect(ctx context.Context, dsn, city string) (*sql.DB, string, error) {
	if strings.TrimSpace(city) != "" {
		name, err := latestImport(ctx, dsn, city)
		if err != nil {
			return nil, "", err
		}
		if dsn, err = withDatabase(dsn, name); err != nil {
			return nil, "", fmt.Errorf("compose DSN: %w", err)
		}
		log.Printf("using database %q for city %q", name, city)
	}
	conn, err := Open(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("db open: %w", err)
	}
	if err := Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("db ping: %w", err)
	}
	return conn, databaseName(dsn), nil
}

func latestImport(ctx context.Context, dsn, city string) (string, error) {
	metaDSN, err := withDatabase(dsn, "postgres")
	if err != nil {
		return "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(metaDSN)
	if err != nil {
		return "", fmt.Errorf("db open (meta): %w", err)
	}
	defer meta.Close()

	q := `SELECT db_name
          FROM public.latest_successful_imports
          WHERE db_name ILIKE '%' || $1 || '%'
          ORDER BY imported_at DESC
          LIMIT 1`
	var name sql.NullString
	if err := meta.QueryRowContext(ctx, q, strings.TrimSpace(city)).Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", fmt.Errorf("resolve latest import for %q: %w", city, err)
	}
	if !name.Valid || name.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return name.String, nil
}

// withDatabase replaces the database path of a postgres URL DSN. A DSN without
// a scheme is treated as postgres://.
func withDatabase(dsn, database string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

func databaseName(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
