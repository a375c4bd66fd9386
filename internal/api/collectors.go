package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/playok/fitalert/internal/collector"
)

// userHeader carries the caller's user id, set by the fronting proxy.
const userHeader = "X-User-ID"

type collectorsAPI struct {
	registry *collector.Registry
}

func (a *collectorsAPI) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.registry.ListCollectors())
}

func (a *collectorsAPI) enable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r.PathValue("id"), true)
}

func (a *collectorsAPI) disable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r.PathValue("id"), false)
}

func (a *collectorsAPI) setEnabled(w http.ResponseWriter, id string, on bool) {
	set, status := a.registry.Disable, "disabled"
	if on {
		set, status = a.registry.Enable, "enabled"
	}
	if err := set(id); err != nil {
		if errors.Is(err, collector.ErrCollectorNotFound) {
			writeError(w, http.StatusNotFound, "collector not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// caller returns the user id of the request, or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
		return "", false
	}
	return id, true
}
