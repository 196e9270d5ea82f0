package frontbase

import (
	"net/http"

	"github.com/goccy/go-json"
)

type healthResponse struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Connections int    `json:"connections"`
	Listeners   int    `json:"listeners"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := a.registry.Stats()
	respondJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		State:       string(a.lifecycle.State()),
		Connections: a.server.ConnectionCount(),
		Listeners:   stats.Entries + stats.ModelListeners,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}
