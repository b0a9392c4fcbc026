// Package cookiedb provides the persistent cookie store backing a crawl
// session. Cookies are keyed by (session_id, name, domain, path) and scoped
// to a URL by walking the domain hierarchy down to the registrable domain.
package cookiedb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cookie (
    session_id TEXT NOT NULL,
    name       TEXT NOT NULL,
    value      TEXT,
    domain     TEXT,
    path       TEXT,
    expires    TEXT,
    UNIQUE (session_id, name, domain, path)
)`

// Record is one stored cookie row. Expires is either "" (session cookie) or
// absolute Unix seconds in decimal.
type Record struct {
	SessionID string
	Name      string
	Value     string
	Domain    string
	Path      string
	Expires   string
}

// Key identifies a cookie for deletion.
type Key struct {
	SessionID string
	Name      string
	Domain    string
	Path      string
}

// Store is a SQLite-backed cookie table. Writes are serialized; reads may
// interleave. Failures are logged and swallowed so that cookie trouble never
// aborts a crawl.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open opens (creating if needed) the cookie database at path. Use ":memory:"
// for an ephemeral session store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cookie db %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cookie table: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "cookiedb")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the effective cookie mapping for rawURL in the given session.
// Seed values are persisted as session cookies for the request host with path
// "/" and included in the result. Rows are ordered by (domain, path) so that
// more specific paths override less specific ones.
func (s *Store) Get(sessionID, rawURL string, seed map[string]string) map[string]string {
	cookies := make(map[string]string, len(seed))
	if sessionID == "" || rawURL == "" {
		for k, v := range seed {
			cookies[k] = v
		}
		return cookies
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		for k, v := range seed {
			cookies[k] = v
		}
		return cookies
	}
	host := strings.ToLower(u.Hostname())
	urlPath := u.Path
	if urlPath == "" {
		urlPath = "/"
	}

	if len(seed) > 0 {
		rows := make([]Record, 0, len(seed))
		for name, value := range seed {
			cookies[name] = value
			rows = append(rows, Record{
				SessionID: sessionID,
				Name:      name,
				Value:     value,
				Domain:    host,
				Path:      "/",
			})
		}
		s.Save(rows)
	}

	candidates := CandidateDomains(host)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidates)), ",")
	query := "SELECT name, value, path FROM cookie" +
		" WHERE session_id=? AND domain IN (" + placeholders + ")" +
		" AND (expires='' OR expires>?) ORDER BY domain, path"
	args := make([]any, 0, len(candidates)+2)
	args = append(args, sessionID)
	for _, d := range candidates {
		args = append(args, d)
	}
	args = append(args, fmt.Sprintf("%d", time.Now().Unix()))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.logger.Warn("cookie lookup failed", "url", rawURL, "error", err)
		return cookies
	}
	defer rows.Close()
	for rows.Next() {
		var name, value, path string
		if err := rows.Scan(&name, &value, &path); err != nil {
			s.logger.Warn("cookie row scan failed", "error", err)
			continue
		}
		if strings.HasPrefix(urlPath, path) {
			cookies[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("cookie lookup failed", "url", rawURL, "error", err)
	}
	return cookies
}

// Save upserts the given cookie records.
func (s *Store) Save(records []Record) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	const stmt = `INSERT INTO cookie (session_id, name, value, domain, path, expires)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, name, domain, path)
DO UPDATE SET value=excluded.value, expires=excluded.expires`
	for _, r := range records {
		if _, err := s.db.Exec(stmt, r.SessionID, r.Name, r.Value, r.Domain, r.Path, r.Expires); err != nil {
			s.logger.Warn("cookie save failed", "name", r.Name, "domain", r.Domain, "error", err)
		}
	}
}

// Delete removes the cookies identified by keys.
func (s *Store) Delete(keys []Key) {
	if len(keys) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	const stmt = "DELETE FROM cookie WHERE session_id=? AND name=? AND domain=? AND path=?"
	for _, k := range keys {
		if _, err := s.db.Exec(stmt, k.SessionID, k.Name, k.Domain, k.Path); err != nil {
			s.logger.Warn("cookie delete failed", "name", k.Name, "domain", k.Domain, "error", err)
		}
	}
}

// Clear removes every cookie belonging to sessionID.
func (s *Store) Clear(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM cookie WHERE session_id=?", sessionID); err != nil {
		s.logger.Warn("cookie clear failed", "session", sessionID, "error", err)
	}
}

// Unset deletes named cookies in a session. Entries with an empty path default
// to "/".
func (s *Store) Unset(sessionID string, cookies []Key) {
	if sessionID == "" {
		return
	}
	keys := make([]Key, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		keys = append(keys, Key{SessionID: sessionID, Name: c.Name, Domain: c.Domain, Path: path})
	}
	s.Delete(keys)
}
