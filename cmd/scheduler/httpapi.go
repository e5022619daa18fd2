package main

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/scheduler-core/pkg/log"
	"github.com/cuemby/scheduler-core/pkg/sched/schederr"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
)

// registerAPIRoutes mounts the scheduler gateway on mux as a JSON-over-
// HTTP surface, giving standalone deployments a working transport
// without a gRPC stack: clients POST the same request shapes the
// transport package defines.
func registerAPIRoutes(mux *http.ServeMux, gw transport.SchedulerGateway) {
	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req transport.ExecuteQueryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := gw.ExecuteQuery(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/api/v1/poll", func(w http.ResponseWriter, r *http.Request) {
		var req transport.PollWorkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := gw.PollWork(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/api/v1/task-status", func(w http.ResponseWriter, r *http.Request) {
		var req transport.UpdateTaskStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := gw.UpdateTaskStatus(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]int{"accepted_count": len(req.TaskUpdates)})
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode api response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch schederr.KindOf(err) {
	case schederr.KindRecoverable:
		status = http.StatusNotFound
	case schederr.KindTransient:
		status = http.StatusServiceUnavailable
	case schederr.KindFatalToJob:
		status = http.StatusUnprocessableEntity
	}
	var body struct {
		Error string `json:"error"`
	}
	body.Error = err.Error()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
