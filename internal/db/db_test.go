package db

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		dsn, name, want string
		wantErr         bool
	}{
		{"postgres://u:p@host:5432/gtfs?sslmode=disable", "postgres", "postgres://u:p@host:5432/postgres?sslmode=disable", false},
		{"postgresql://host/old", "/tokyo_20261001", "postgresql://host/tokyo_20261001", false},
		{"u@host:5432/x", "gtfs", "postgres://u@host:5432/gtfs", false},
		{"mysql://host/db", "gtfs", "", true},
		{"", "gtfs", "", true},
	}
	for _, tt := range tests {
		got, err := withDatabase(tt.dsn, tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("withDatabase(%q) error = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("withDatabase(%q, %q) = %q, want %q", tt.dsn, tt.name, got, tt.want)
		}
	}
	if got := databaseName("postgres://host:5432/tokyo?sslmode=disable"); got != "tokyo" {
		t.Errorf("databaseName = %q", got)
	}
}

func TestBuildStations(t *testing.T) {
	rows := []stopRow{
		{ID: "JY01", Name: "Tokyo", Lat: 35.681, Lon: 139.767},
		{ID: "JY02", Name: "", Lat: 35.691, Lon: 139.770},
		{ID: "JY03", Name: "No fix", Lat: 0, Lon: 0},
		{ID: "JY04", Name: "Ueno", Lat: 35.713, Lon: 139.777},
		{ID: "JY01", Name: "Tokyo", Lat: 35.681, Lon: 139.767},
	}
	got := buildStations(rows)
	if len(got) != 3 {
		t.Fatalf("stations = %d, want 3: %+v", len(got), got)
	}
	if got[0].ID != "JY01" || got[1].ID != "JY02" || got[2].ID != "JY04" {
		t.Errorf("unexpected order %+v", got)
	}
	if got[1].Name != "JY02" {
		t.Errorf("missing name should fall back to id, got %q", got[1].Name)
	}
}

// TestLoadLine runs against a real GTFS import when DATABASE_URL and TEST_LINE_ID are set.
func TestLoadLine(t *testing.T) {
	dsn, lineID := os.Getenv("DATABASE_URL"), os.Getenv("TEST_LINE_ID")
	if dsn == "" || lineID == "" {
		t.Skip("DATABASE_URL and TEST_LINE_ID not set")
	}
	ctx := context.Background()
	conn, _, err := Connect(ctx, dsn, "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	lines := NewLines(conn)
	line, err := lines.LoadLine(ctx, lineID)
	if err != nil {
		t.Fatal(err)
	}
	if len(line.Stations) == 0 {
		t.Fatal("line has no stations")
	}
	if _, err := lines.LoadLine(ctx, "no-such-route-"+lineID); !errors.Is(err, ErrLineNotFound) {
		t.Errorf("expected ErrLineNotFound, got %v", err)
	}
}
