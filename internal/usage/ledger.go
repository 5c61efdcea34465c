// Package usage records per-user traffic and a log of finished tunnel sessions
// in a bbolt database.
package usage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names
const (
	BucketUserStats     = "user_stats"
	BucketGlobalStats   = "global_stats"
	BucketConnectionLog = "connection_log"

	keyTotalDownload = "total_download"
	keyTotalUpload   = "total_upload"
)

// Entry describes one finished session.
type Entry struct {
	ID       string
	Username string
	ClientIP string
	Start    time.Time
	Duration time.Duration
	Download uint64
	Upload   uint64
}

// UserStats is the per-user aggregate.
type UserStats struct {
	Username       string    `json:"username,omitempty"`
	Connections    uint64    `json:"connections"`
	DownloadBytes  uint64    `json:"download_bytes"`
	UploadBytes    uint64    `json:"upload_bytes"`
	LastConnection time.Time `json:"last_connection"`
}

// GlobalStats holds the running totals across all users.
type GlobalStats struct {
	TotalDownload uint64 `json:"total_download"`
	TotalUpload   uint64 `json:"total_upload"`
}

// Connection is one row of the connection log.
type Connection struct {
	Seq           uint64    `json:"-"`
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	ClientIP      string    `json:"client_ip"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Duration      float64   `json:"duration"`
	DownloadBytes uint64    `json:"download_bytes"`
	UploadBytes   uint64    `json:"upload_bytes"`
}

// Ledger is the usage store. It is safe for concurrent use; every Record runs
// in a single bbolt write transaction.
type Ledger struct {
	db   *bbolt.DB
	path string
}

// Open opens or creates the ledger at path and makes sure all buckets exist.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketUserStats, BucketGlobalStats, BucketConnectionLog} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record adds a finished session: it bumps the user's aggregate, both global
// totals and appends one connection-log row, all in one transaction.
func (l *Ledger) Record(e Entry) error {
	if e.Username == "" {
		return fmt.Errorf("usage entry without username")
	}
	end := e.Start.Add(e.Duration)
	if e.Duration < 0 {
		e.Duration = 0
		end = e.Start
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(BucketUserStats))
		var agg UserStats
		if raw := users.Get([]byte(e.Username)); raw != nil {
			if err := json.Unmarshal(raw, &agg); err != nil {
				return fmt.Errorf("corrupt stats for %s: %w", e.Username, err)
			}
		}
		agg.Username = ""
		agg.Connections++
		agg.DownloadBytes += e.Download
		agg.UploadBytes += e.Upload
		agg.LastConnection = end
		data, err := json.Marshal(agg)
		if err != nil {
			return err
		}
		if err := users.Put([]byte(e.Username), data); err != nil {
			return err
		}

		global := tx.Bucket([]byte(BucketGlobalStats))
		if err := addCounter(global, keyTotalDownload, e.Download); err != nil {
			return err
		}
		if err := addCounter(global, keyTotalUpload, e.Upload); err != nil {
			return err
		}

		connLog := tx.Bucket([]byte(BucketConnectionLog))
		seq, err := connLog.NextSequence()
		if err != nil {
			return err
		}
		row, err := json.Marshal(Connection{
			ID:            e.ID,
			Username:      e.Username,
			ClientIP:      e.ClientIP,
			StartTime:     e.Start,
			EndTime:       end,
			Duration:      e.Duration.Seconds(),
			DownloadBytes: e.Download,
			UploadBytes:   e.Upload,
		})
		if err != nil {
			return err
		}
		return connLog.Put(itob(seq), row)
	})
}

// UserStats returns the aggregate for username. ok is false when the user has
// no recorded sessions.
func (l *Ledger) UserStats(username string) (stats UserStats, ok bool, err error) {
	err = l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(BucketUserStats)).Get([]byte(username))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &stats)
	})
	stats.Username = username
	return stats, ok, err
}

// AllUserStats returns every aggregate sorted by username.
func (l *Ledger) AllUserStats() ([]UserStats, error) {
	var out []UserStats
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketUserStats)).ForEach(func(k, v []byte) error {
			var s UserStats
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("corrupt stats for %s: %w", k, err)
			}
			s.Username = string(k)
			out = append(out, s)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

// GlobalStats returns the running totals.
func (l *Ledger) GlobalStats() (GlobalStats, error) {
	var g GlobalStats
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketGlobalStats))
		g.TotalDownload = readCounter(b, keyTotalDownload)
		g.TotalUpload = readCounter(b, keyTotalUpload)
		return nil
	})
	return g, err
}

// RecentConnections returns up to n log rows, newest first.
func (l *Ledger) RecentConnections(n int) ([]Connection, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Connection, 0, n)
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketConnectionLog)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var row Connection
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("corrupt connection log row %d: %w", btoi(k), err)
			}
			row.Seq = btoi(k)
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func addCounter(b *bbolt.Bucket, key string, delta uint64) error {
	return b.Put([]byte(key), itob(readCounter(b, key)+delta))
}

func readCounter(b *bbolt.Bucket, key string) uint64 {
	raw := b.Get([]byte(key))
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
