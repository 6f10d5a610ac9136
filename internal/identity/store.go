// Package identity persists known identities as name → feature-vector
// records in SQLite and matches live embeddings against them.
package identity

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/4hmed7ounas/wraith-camera-module/internal/detect"
)

// DefaultDistanceThreshold is the maximum euclidean distance between
// a live embedding and a stored one for the identity to match.
const DefaultDistanceThreshold = 0.5

// ErrEmptyVector is returned when a registration carries no feature
// vector.
var ErrEmptyVector = errors.New("empty feature vector")

// entry is one known identity held in memory.
type entry struct {
	name   string
	vector []float32
}

// Store is the identity store: loaded fully into memory at open,
// appended on each registration, closed exactly once at shutdown.
type Store struct {
	db        *sql.DB
	threshold float64

	mu      sync.RWMutex
	entries []entry

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the identity database at path and
// loads all known identities.
func Open(path string) (*Store, error) {
	return OpenWithThreshold(path, DefaultDistanceThreshold)
}

// OpenWithThreshold opens the store with a custom match threshold.
func OpenWithThreshold(path string, threshold float64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	s := &Store{db: db, threshold: threshold}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}

	log.WithField("known", len(s.entries)).Info("identity store loaded")
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			vector TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_name ON identities(name)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT name, vector FROM identities ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			log.WithField("name", name).WithError(err).Warn("skipping undecodable identity vector")
			continue
		}
		s.entries = append(s.entries, entry{name: name, vector: vec})
	}
	return rows.Err()
}

// Register persists a new identity and makes it matchable
// immediately.
func (s *Store) Register(vector []float32, name string) error {
	if len(vector) == 0 {
		return ErrEmptyVector
	}
	if name == "" {
		return errors.New("empty identity name")
	}

	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO identities (name, vector, created_at) VALUES (?, ?, ?)`,
		name, string(raw), time.Now(),
	); err != nil {
		return fmt.Errorf("insert identity %q: %w", name, err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry{name: name, vector: vector})
	s.mu.Unlock()

	log.WithField("name", name).Info("registered new identity")
	return nil
}

// Match returns the nearest known name within the distance threshold,
// or detect.Unknown, along with the best distance found.
func (s *Store) Match(vector []float32) (string, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := math.Inf(1)
	name := detect.Unknown
	for _, e := range s.entries {
		d := euclidean(vector, e.vector)
		if d < best {
			best = d
			if d < s.threshold {
				name = e.name
			}
		}
	}
	return name, best
}

// Names returns all known identity names, in registration order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.name
	}
	return out
}

// Count returns the number of known identities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close flushes and closes the database exactly once; later calls
// return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// euclidean computes the L2 distance between two vectors; mismatched
// lengths compare as infinitely far apart.
func euclidean(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
