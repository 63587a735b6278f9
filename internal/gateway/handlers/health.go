package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime records the server start time. Should be called when the
// server starts.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Substrate string `json:"substrate,omitempty"`
	Uptime    int64  `json:"uptime"`
	Reason    string `json:"reason,omitempty"`
}

// HealthHandler reports liveness. ready, when set, is consulted on every
// call; an error turns the answer into 503.
func HealthHandler(version, substrate string, ready func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Version: version, Substrate: substrate}
		if !startTime.IsZero() {
			resp.Uptime = int64(time.Since(startTime).Seconds())
		}

		status := http.StatusOK
		if ready != nil {
			if err := ready(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "unavailable"
				resp.Reason = err.Error()
			}
		}
		SendJSON(w, status, resp)
	}
}

// StatsHandler serves whatever snapshot returns as JSON.
func StatsHandler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SendJSON(w, http.StatusOK, snapshot())
	}
}
