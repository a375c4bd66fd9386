package api

import (
	"net/http"
	"strconv"

	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/notify"
)

type notificationsAPI struct {
	dispatcher *notify.Dispatcher
}

// list handles GET /api/v1/notifications?include_read=true
func (a *notificationsAPI) list(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	includeRead, _ := strconv.ParseBool(r.URL.Query().Get("include_read"))
	list, err := a.dispatcher.GetNotificationsForUser(r.Context(), user, includeRead)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *notificationsAPI) unreadCount(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	n, err := a.dispatcher.GetUnreadCount(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (a *notificationsAPI) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := a.dispatcher.GetNotification(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// other users' notifications are reported as missing
	if n == nil || n.UserID != user {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if _, err := a.dispatcher.MarkRead(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (a *notificationsAPI) markAllRead(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	changed, err := a.dispatcher.MarkAllRead(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}
