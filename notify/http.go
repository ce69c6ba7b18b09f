package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/huykn/triage-edge/types"
)

// MaxPushBytes bounds an inbound push body.
const MaxPushBytes = 64 << 10

type clickRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

// PushHandler accepts push messages on POST and alert clicks on POST to
// the "/click" sub-path.
func PushHandler(d *Dispatcher) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /__push", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, MaxPushBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		alert, shown := d.Push(r.Context(), data)
		if !shown {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(alert)
	})
	mux.HandleFunc("POST /__push/click", func(w http.ResponseWriter, r *http.Request) {
		var req clickRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxPushBytes)).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Click(r.Context(), req.ID, req.Action); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, types.ErrNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
