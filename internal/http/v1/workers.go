package v1

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/transport"
)

// connectWorker handles GET /connect: it upgrades to a WebSocket and
// serves the worker until the connection ends.
func (a *API) connectWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.AcceptWebSocket(w, r)
	if err != nil {
		a.Logger.Warn("worker upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	if err := a.Dispatcher.ServeConn(r.Context(), conn); err != nil {
		a.Logger.Info("worker connection ended", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
	}
}

// listWorkers handles GET /workers
func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Dispatcher.Registry().Statuses()})
}

// listAssignments handles GET /ledger/assignments
func (a *API) listAssignments(w http.ResponseWriter, r *http.Request) {
	items, err := a.Dispatcher.Ledger().Assignments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// listCompletions handles GET /ledger/completions
func (a *API) listCompletions(w http.ResponseWriter, r *http.Request) {
	items, err := a.Dispatcher.Ledger().Completions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
