package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/VerteraIO/loadmesh/internal/controlplane/jobs"
)

type submitJobReq struct {
	ID string `json:"id"`
}

type jobList struct {
	Items       []jobs.Job         `json:"items"`
	Counts      map[jobs.State]int `json:"counts"`
	QueueLength int                `json:"queueLength"`
}

// submitJob handles POST /jobs. The body is optional; without an id one is
// generated.
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	j, err := a.Dispatcher.Submit(r.Context(), req.ID)
	if err != nil {
		if errors.Is(err, jobs.ErrDuplicateJob) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	// Assignment may already have happened inside Submit.
	if cur, ok := a.Dispatcher.Jobs().Get(j.ID); ok {
		j = cur
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/jobs/%s", j.ID))
	writeJSON(w, http.StatusAccepted, j)
}

// listJobs handles GET /jobs, optionally filtered by ?state=.
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	state := jobs.State(r.URL.Query().Get("state"))
	all := a.Dispatcher.Jobs().List()
	items := make([]jobs.Job, 0, len(all))
	for _, j := range all {
		if state == "" || j.State == state {
			items = append(items, j)
		}
	}
	writeJSON(w, http.StatusOK, jobList{
		Items:       items,
		Counts:      a.Dispatcher.Jobs().Counts(),
		QueueLength: a.Dispatcher.Queue().Len(),
	})
}

// getJob handles GET /jobs/{jobId}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	j, ok := a.Dispatcher.Jobs().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// requeueJob handles POST /jobs/{jobId}/requeue
func (a *API) requeueJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	j, err := a.Dispatcher.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	default:
		if cur, ok := a.Dispatcher.Jobs().Get(id); ok {
			j = cur
		}
		writeJSON(w, http.StatusOK, j)
	}
}
