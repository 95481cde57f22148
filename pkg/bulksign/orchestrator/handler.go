/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package orchestrator

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/chainguard-dev/clog"
)

// Handler runs a round per request, for schedulers that call over HTTP.
// Overlapping requests collapse: one runs, at most one waits, the rest
// return immediately.
func Handler(o *Orchestrator) http.Handler {
	return &handler{o: o}
}

type handler struct {
	doWork sync.Mutex
	doWait sync.Mutex

	o *Orchestrator
}

var _ http.Handler = (*handler)(nil)

// ServeHTTP implements http.Handler
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// If a round is already running, enter the waiting room.
	if !h.doWork.TryLock() {
		// Someone is already waiting; their round covers ours.
		if !h.doWait.TryLock() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		h.doWork.Lock()
		h.doWait.Unlock()
	}
	defer h.doWork.Unlock()

	status, err := h.o.Round(r.Context())
	if err != nil {
		clog.ErrorContextf(r.Context(), "Round failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		clog.WarnContextf(r.Context(), "Failed to write status: %v", err)
	}
}
