package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/middleware"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
	"careconnect-backend/pkg/session"
	"careconnect-backend/pkg/utils"
)

// drain 取出 store 中尚未返回给客户端的通知
func drain(store *session.Store) []notify.Notice {
	if store == nil {
		return nil
	}
	return store.Notices()
}

// writeResult writes data with the session's pending notices.
func writeResult(w http.ResponseWriter, store *session.Store, status int, data interface{}) {
	utils.WriteJSONResponse(w, status, data, drain(store))
}

// writeFailure maps err to its status and code, carrying pending notices.
func writeFailure(w http.ResponseWriter, store *session.Store, err error) {
	utils.WriteAppError(w, err, drain(store))
}

// actorFrom returns the signed-in actor of the request, or writes 401.
// The profile is re-read so role and suspension changes made by an admin
// apply to sessions that are already open.
func actorFrom(w http.ResponseWriter, r *http.Request) (access.Actor, *session.Store, bool) {
	_, store, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeFailure(w, store, models.NewUnauthenticatedError("Authentication required"))
		return access.Actor{}, store, false
	}
	profile, err := store.RefreshProfile(r.Context())
	if err != nil {
		store.Notifier().Error(access.MsgProfileMissing)
		writeFailure(w, store, err)
		return access.Actor{}, store, false
	}
	return access.Actor{Profile: profile, Notifier: store.Notifier()}, store, true
}

// optionalID 把空字符串转为 nil
func optionalID(raw *string) *string {
	if raw == nil || *raw == "" {
		return nil
	}
	return raw
}

func urlID(r *http.Request) string {
	return chi.URLParam(r, "id")
}
