package handlers

import (
	"context"
	"net/http"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/accounts"
	"careconnect-backend/pkg/models"
)

// UsersHandler 管理员用户管理处理器
type UsersHandler struct {
	svc *accounts.Service
}

func NewUsersHandler(svc *accounts.Service) *UsersHandler {
	return &UsersHandler{svc: svc}
}

func (h *UsersHandler) writeProfiles(w http.ResponseWriter, r *http.Request,
	list func(context.Context, access.Actor) ([]models.Profile, error)) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	profiles, err := list(r.Context(), a)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	writeResult(w, store, http.StatusOK, map[string]interface{}{"users": profiles})
}

// List GET /api/admin/users
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	h.writeProfiles(w, r, h.svc.List)
}

// Volunteers GET /api/admin/volunteers
func (h *UsersHandler) Volunteers(w http.ResponseWriter, r *http.Request) {
	h.writeProfiles(w, r, h.svc.Volunteers)
}

// Delete DELETE /api/admin/users/{id}
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), a, urlID(r)); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, map[string]string{"deleted": urlID(r)})
}

// ToggleSuspend POST /api/admin/users/{id}/suspend
func (h *UsersHandler) ToggleSuspend(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := h.svc.ToggleSuspend(r.Context(), a, urlID(r))
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, p)
}

// Promote POST /api/admin/users/{id}/promote
func (h *UsersHandler) Promote(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Promote(r.Context(), a, urlID(r))
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, p)
}
