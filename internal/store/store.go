package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// timeLayout keeps fixed-width UTC timestamps so TEXT columns sort in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store persists research runs, their child records, conversation messages
// and follow-up tasks. It implements research.Store.
type Store struct {
	db *sqlx.DB
}

func New(database *sql.DB) Store {
	// sqlite and libsql share the "?" bindvar style.
	return Store{db: sqlx.NewDb(database, "sqlite3")}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	value := formatTime(*t)
	return &value
}

func parseTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

func parseTimePtr(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	parsed, err := parseTime(*raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// nullable unwraps optional values so drivers see NULL or the plain value.
func nullable[T any](value *T) any {
	if value == nil {
		return nil
	}
	return *value
}

func encodeJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeJSON(raw string, target any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}
