package handlers

import (
	"net/http"

	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/partners"
	"careconnect-backend/pkg/utils"
)

// OrgsHandler 合作机构（NGO）处理器
type OrgsHandler struct {
	svc *partners.Service
}

func NewOrgsHandler(svc *partners.Service) *OrgsHandler {
	return &OrgsHandler{svc: svc}
}

// GET /api/ngos, GET /api/admin/ngos
func (h *OrgsHandler) List(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	ngos, err := h.svc.List(r.Context(), a)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	if ngos == nil {
		ngos = []models.NGO{}
	}
	writeResult(w, store, http.StatusOK, map[string]interface{}{"ngos": ngos})
}

// POST /api/admin/ngos
func (h *OrgsHandler) Create(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var in models.NGOInput
	if err := utils.ParseJSONBody(r, &in); err != nil {
		writeFailure(w, store, err)
		return
	}
	ngo, err := h.svc.Create(r.Context(), a, in)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusCreated, ngo)
}

// PUT /api/admin/ngos/{id}
func (h *OrgsHandler) Update(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var in models.NGOInput
	if err := utils.ParseJSONBody(r, &in); err != nil {
		writeFailure(w, store, err)
		return
	}
	ngo, err := h.svc.Update(r.Context(), a, urlID(r), in)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, ngo)
}

// DELETE /api/admin/ngos/{id}
func (h *OrgsHandler) Delete(w http.ResponseWriter, r *http.Request) {
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
