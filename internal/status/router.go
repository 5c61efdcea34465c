// Package status serves the read-only monitoring endpoints of a running tunnel.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"gx-tunnel/internal/tunnel"
	"gx-tunnel/internal/usage"
)

// Default result sizes when n is not given.
const (
	DefaultEventCount      = 10
	DefaultConnectionCount = 20
)

// Listener is the part of the tunnel server the endpoints read from.
type Listener interface {
	Stats() tunnel.Stats
	RecentEvents(n int) []tunnel.Event
}

// Ledger is the part of the usage ledger the endpoints read from.
type Ledger interface {
	UserStats(username string) (usage.UserStats, bool, error)
	AllUserStats() ([]usage.UserStats, error)
	GlobalStats() (usage.GlobalStats, error)
	RecentConnections(n int) ([]usage.Connection, error)
}

// UsageReport is the body of /api/usage.
type UsageReport struct {
	Global usage.GlobalStats `json:"global"`
	Users  []usage.UserStats `json:"users"`
}

// NewRouter builds the status routes. ledger may be nil, in which case the usage
// routes are not registered.
func NewRouter(l Listener, ledger Ledger, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, l.Stats())
	}).Methods("GET")
	r.HandleFunc("/api/events", eventsHandler(l)).Methods("GET")

	if ledger != nil {
		r.HandleFunc("/api/usage", usageHandler(ledger)).Methods("GET")
		r.HandleFunc("/api/usage/{username}", userUsageHandler(ledger)).Methods("GET")
		r.HandleFunc("/api/connections", connectionsHandler(ledger)).Methods("GET")
	}
	return r
}

// countParam reads the n query parameter, falling back to def when absent.
func countParam(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func eventsHandler(l Listener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := countParam(r, DefaultEventCount)
		if !ok {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		writeJSON(w, l.RecentEvents(n))
	}
}

// connectionsHandler lists the newest connection log rows first.
func connectionsHandler(ledger Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := countParam(r, DefaultConnectionCount)
		if !ok {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		rows, err := ledger.RecentConnections(n)
		if err != nil {
			log.WithError(err).Error("Failed to read connection log")
			http.Error(w, "usage store unavailable", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []usage.Connection{}
		}
		writeJSON(w, rows)
	}
}

func usageHandler(ledger Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		global, err := ledger.GlobalStats()
		if err != nil {
			log.WithError(err).Error("Failed to read global usage")
			http.Error(w, "usage store unavailable", http.StatusInternalServerError)
			return
		}
		users, err := ledger.AllUserStats()
		if err != nil {
			log.WithError(err).Error("Failed to read user usage")
			http.Error(w, "usage store unavailable", http.StatusInternalServerError)
			return
		}
		if users == nil {
			users = []usage.UserStats{}
		}
		writeJSON(w, UsageReport{Global: global, Users: users})
	}
}

func userUsageHandler(ledger Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := mux.Vars(r)["username"]
		stats, ok, err := ledger.UserStats(username)
		if err != nil {
			log.WithError(err).Errorf("Failed to read usage for %s", username)
			http.Error(w, "usage store unavailable", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "user has no recorded sessions", http.StatusNotFound)
			return
		}
		writeJSON(w, stats)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write status response")
	}
}
