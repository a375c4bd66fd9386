package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/playok/fitalert/internal/jobs"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/store"
)

const maxJobList = 500

type jobsAPI struct {
	runner *jobs.Runner
}

type enqueueRequest struct {
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type jobStatus struct {
	JobID        string         `json:"job_id"`
	Kind         string         `json:"kind,omitempty"`
	State        model.JobState `json:"state"`
	IsInProgress bool           `json:"is_in_progress"`
	Attempts     int            `json:"attempts,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

func statusOf(job *model.Job) jobStatus {
	created := job.CreatedAt
	return jobStatus{
		JobID:        job.ID,
		Kind:         job.Kind,
		State:        job.State,
		IsInProgress: job.State.InProgress(),
		Attempts:     job.Attempts,
		Error:        job.Error,
		CreatedAt:    &created,
		FinishedAt:   job.FinishedAt,
	}
}

// visible reports whether user may see the job. System jobs are shared.
func visible(job *model.Job, user string) bool {
	return job.RequestedBy == "" || job.RequestedBy == user
}

func (a *jobsAPI) enqueue(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	work := model.WorkDescriptor{Kind: req.Kind, Payload: req.Payload, RequestedBy: user}
	id, err := a.runner.Enqueue(r.Context(), work, req.CorrelationID)
	switch {
	case errors.Is(err, jobs.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, jobs.ErrQueueUnavailable):
		writeError(w, http.StatusServiceUnavailable, "background work could not be queued, try again later")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, jobStatus{JobID: id, Kind: req.Kind, State: model.JobEnqueued, IsInProgress: true})
}

// list handles GET /api/v1/jobs?state=Failed&limit=50
func (a *jobsAPI) list(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.JobFilter{State: model.JobState(q.Get("state")), RequestedBy: user, Limit: 100}
	switch f.State {
	case "", model.JobEnqueued, model.JobScheduled, model.JobProcessing, model.JobSucceeded, model.JobFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxJobList)
	}

	list, err := a.runner.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobStatus, 0, len(list))
	for i := range list {
		out = append(out, statusOf(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup writes 404 with state Unknown for missing jobs and for jobs
// of other users.
func (a *jobsAPI) lookup(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	user, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	id := r.PathValue("id")
	job, err := a.runner.Get(r.Context(), id)
	if err != nil || job == nil || !visible(job, user) {
		writeJSON(w, http.StatusNotFound, jobStatus{JobID: id, State: model.JobUnknown})
		return nil, false
	}
	return job, true
}

func (a *jobsAPI) get(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusOf(job))
}

func (a *jobsAPI) cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookup(w, r)
	if !ok {
		return
	}
	state, err := a.runner.Cancel(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == model.JobUnknown {
		writeJSON(w, http.StatusNotFound, jobStatus{JobID: job.ID, State: state})
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{JobID: job.ID, Kind: job.Kind, State: state, IsInProgress: state.InProgress()})
}

func (a *jobsAPI) retry(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookup(w, r)
	if !ok {
		return
	}
	retried, err := a.runner.Retry(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !retried {
		writeError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}
	writeJSON(w, http.StatusAccepted, jobStatus{JobID: job.ID, Kind: job.Kind, State: model.JobEnqueued, IsInProgress: true})
}
