package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"station-alarm/internal/transit"
)

var ErrLineNotFound = errors.New("line not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Lines loads train lines from a GTFS import. A line is a GTFS route; its
// station order is taken from the route's trip with the most stops.
type Lines struct {
	db *sql.DB
}

func NewLines(db *sql.DB) *Lines {
	return &Lines{db: db}
}

type stopRow struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

func (l *Lines) LoadLine(ctx context.Context, routeID string) (*transit.Line, error) {
	line := &transit.Line{ID: routeID}
	q := `SELECT COALESCE(NULLIF(route_short_name, ''), route_long_name, ''), COALESCE(route_color, '')
          FROM routes WHERE route_id = $1`
	if err := l.db.QueryRowContext(ctx, q, routeID).Scan(&line.Name, &line.Color); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLineNotFound, routeID)
		}
		return nil, fmt.Errorf("query route %s: %w", routeID, err)
	}
	if line.Color != "" {
		line.Color = "#" + line.Color
	}

	tripID, err := l.longestTrip(ctx, routeID)
	if err != nil {
		return nil, err
	}
	rows, err := l.fetchStops(ctx, tripID)
	if err != nil {
		return nil, err
	}
	line.Stations = buildStations(rows)
	if len(line.Stations) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable stops", ErrLineNotFound, routeID)
	}
	log.Printf("loaded line %s (%s) from trip %s: %d stations", routeID, line.Name, tripID, len(line.Stations))
	return line, nil
}

func (l *Lines) longestTrip(ctx context.Context, routeID string) (string, error) {
	q := `SELECT t.trip_id
          FROM trips t
          JOIN stop_times st ON st.trip_id = t.trip_id
          WHERE t.route_id = $1
          GROUP BY t.trip_id
          ORDER BY COUNT(*) DESC, t.trip_id
          LIMIT 1`
	var tripID string
	if err := l.db.QueryRowContext(ctx, q, routeID).Scan(&tripID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s has no trips", ErrLineNotFound, routeID)
		}
		return "", fmt.Errorf("query trips for %s: %w", routeID, err)
	}
	return tripID, nil
}

func (l *Lines) fetchStops(ctx context.Context, tripID string) ([]stopRow, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	cols, err := hasColumns(ctx, l.db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var latlon string
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		latlon = `COALESCE(s.stop_lat, 0), COALESCE(s.stop_lon, 0)`
	case cols["stop_loc"]:
		latlon = `COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)`
	default:
		return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	q := `SELECT COALESCE(NULLIF(s.parent_station, ''), s.stop_id), COALESCE(s.stop_name, ''), ` + latlon + `
          FROM stop_times st
          JOIN stops s ON s.stop_id = st.stop_id
          WHERE st.trip_id = $1
          ORDER BY st.stop_sequence`
	rows, err := l.db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stops for trip %s: %w", tripID, err)
	}
	defer rows.Close()

	var out []stopRow
	for rows.Next() {
		var r stopRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Lat, &r.Lon); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// buildStations turns ordered stop rows into a gap-free, duplicate-free
// station sequence. Stops without a usable position are skipped and a station
// visited twice (a loop closing on its first stop) is kept once.
func buildStations(rows []stopRow) []transit.Station {
	seen := make(map[string]bool, len(rows))
	out := make([]transit.Station, 0, len(rows))
	for _, r := range rows {
		c := transit.Coordinate{Lat: r.Lat, Lon: r.Lon}
		if r.ID == "" || !c.Valid() || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		name := r.Name
		if name == "" {
			name = r.ID
		}
		out = append(out, transit.Station{ID: r.ID, Name: name, Location: c})
	}
	return out
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	for _, c := range cols {
		res[c] = false
	}
	if len(cols) == 0 {
		return res, nil
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
