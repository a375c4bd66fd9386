package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/playok/fitalert/internal/alerting"
	"github.com/playok/fitalert/internal/model"
)

// ThresholdStore is the threshold persistence the API edits.
type ThresholdStore interface {
	ListThresholds(ctx context.Context) ([]model.AlertThreshold, error)
	GetThreshold(ctx context.Context, id int64) (*model.AlertThreshold, error)
	UpsertThreshold(ctx context.Context, t *model.AlertThreshold, actor string) error
	DeleteThreshold(ctx context.Context, id int64) (bool, error)
}

type thresholdsAPI struct {
	store     ThresholdStore
	evaluator *alerting.Evaluator
	log       *slog.Logger
}

func (a *thresholdsAPI) list(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListThresholds(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.AlertThreshold{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *thresholdsAPI) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.store.GetThreshold(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "threshold not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *thresholdsAPI) create(w http.ResponseWriter, r *http.Request) {
	t, ok := a.decode(w, r)
	if !ok {
		return
	}
	t.ID = 0
	if err := a.store.UpsertThreshold(r.Context(), t, r.Header.Get(userHeader)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.reload(r.Context())
	writeJSON(w, http.StatusCreated, t)
}

func (a *thresholdsAPI) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, ok := a.decode(w, r)
	if !ok {
		return
	}
	t.ID = id
	if err := a.store.UpsertThreshold(r.Context(), t, r.Header.Get(userHeader)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "threshold not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.reload(r.Context())
	writeJSON(w, http.StatusOK, t)
}

func (a *thresholdsAPI) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := a.store.DeleteThreshold(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "threshold not found")
		return
	}
	a.reload(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *thresholdsAPI) decode(w http.ResponseWriter, r *http.Request) (*model.AlertThreshold, bool) {
	t := &model.AlertThreshold{Enabled: true, NotificationEnabled: true, Direction: model.DirectionAbove}
	if err := json.NewDecoder(r.Body).Decode(t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return t, true
}

// reload refreshes the evaluator cache so edits apply to the next sample.
func (a *thresholdsAPI) reload(ctx context.Context) {
	if a.evaluator == nil {
		return
	}
	if err := a.evaluator.LoadThresholds(ctx); err != nil {
		a.log.Error("threshold reload failed", "err", err)
	}
}
