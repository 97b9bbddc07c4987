package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"household/backend/internal/config"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const pingTimeout = 10 * time.Second

// localPragmas keep the embedded database usable by concurrent run workers:
// WAL lets readers proceed during writes and busy_timeout queues writers.
var localPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)", "journal_mode(WAL)"}

type target struct {
	driver string
	dsn    string
}

func (t target) local() bool { return t.driver == "sqlite" }

// Open connects to the configured database. file: URLs and bare paths are
// served by the embedded sqlite driver; libsql, http(s) and ws(s) URLs go to
// a remote libsql server.
func Open(cfg config.Config) (*sql.DB, error) {
	t, err := resolveTarget(cfg.TursoDatabaseURL, cfg.TursoAuthToken)
	if err != nil {
		return nil, err
	}

	database, err := sql.Open(t.driver, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", t.driver, err)
	}
	if t.local() {
		// one writer at a time
		database.SetMaxOpenConns(1)
	} else {
		database.SetMaxOpenConns(8)
		database.SetConnMaxIdleTime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping %s db: %w", t.driver, err)
	}
	return database, nil
}

func resolveTarget(rawURL, authToken string) (target, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return target{}, fmt.Errorf("empty database url")
	}
	scheme, _, hasScheme := strings.Cut(rawURL, "://")
	if strings.HasPrefix(rawURL, "file:") || !hasScheme {
		path := rawURL
		if !strings.HasPrefix(path, "file:") {
			path = "file:" + path
		}
		return target{driver: "sqlite", dsn: withPragmas(path)}, nil
	}

	switch strings.ToLower(scheme) {
	case "libsql", "https", "http", "wss", "ws":
	default:
		return target{}, fmt.Errorf("unsupported database url scheme %q", scheme)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return target{}, fmt.Errorf("parse database url: %w", err)
	}
	if token := strings.TrimSpace(authToken); token != "" {
		query := parsed.Query()
		if query.Get("authToken") == "" {
			query.Set("authToken", token)
			parsed.RawQuery = query.Encode()
		}
	}
	return target{driver: "libsql", dsn: parsed.String()}, nil
}

// withPragmas appends the local pragmas unless the URL already sets its own.
func withPragmas(fileURL string) string {
	if strings.Contains(fileURL, "_pragma=") {
		return fileURL
	}
	params := make([]string, 0, len(localPragmas))
	for _, pragma := range localPragmas {
		params = append(params, "_pragma="+pragma)
	}
	sep := "?"
	if strings.Contains(fileURL, "?") {
		sep = "&"
	}
	return fileURL + sep + strings.Join(params, "&")
}
