package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/playok/fitalert/internal/alerting"
	"github.com/playok/fitalert/internal/model"
)

const staleAlertMessage = "alert may have been deleted or already resolved"

type alertsAPI struct {
	manager *alerting.Manager
}

func (a *alertsAPI) list(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.manager.GetActiveAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *alertsAPI) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := a.manager.GetAlert(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type acknowledgeRequest struct {
	Note string `json:"note"`
}

func (a *alertsAPI) acknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		writeError(w, http.StatusBadRequest, "acknowledgement note is required")
		return
	}

	acked, err := a.manager.AcknowledgeAlert(r.Context(), id, actor, note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !acked {
		writeError(w, http.StatusConflict, staleAlertMessage)
		return
	}
	a.get(w, r)
}

func (a *alertsAPI) resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	resolved, err := a.manager.ResolveAlert(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !resolved {
		writeError(w, http.StatusConflict, staleAlertMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

// history handles GET /api/v1/alert-history?from=&to=&max=
// with RFC 3339 bounds.
func (a *alertsAPI) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}
	limit := 0
	if v := q.Get("max"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid max")
			return
		}
	}

	rows, err := a.manager.GetAlertHistory(r.Context(), from, to, alerting.ClampHistoryLimit(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []model.AlertHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *alertsAPI) historyEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	h, err := a.manager.GetHistoryEntry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h == nil {
		writeError(w, http.StatusNotFound, "history entry not found")
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
