package handlers

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"careconnect-backend/pkg/donations"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/storage"
	"careconnect-backend/pkg/utils"
)

// multipartMemory 表单解析的内存上限，超出部分写临时文件
const multipartMemory = storage.MaxImageBytes + 1<<20

// DonationsHandler 捐赠处理器
type DonationsHandler struct {
	svc    *donations.Service
	logger *zap.Logger
}

// NewDonationsHandler 创建捐赠处理器
func NewDonationsHandler(svc *donations.Service, logger *zap.Logger) *DonationsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DonationsHandler{svc: svc, logger: logger.Named("donations")}
}

// donationList 列表响应
type donationList struct {
	Donations []models.DonationView `json:"donations"`
	Stats     donations.Counters    `json:"stats"`
}

// List GET /api/donations
func (h *DonationsHandler) List(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	views, err := store.Donations().Refresh(r.Context(), h.svc, a)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	if views == nil {
		views = []models.DonationView{}
	}
	writeResult(w, store, http.StatusOK, donationList{Donations: views, Stats: donations.Count(views)})
}

// Categories GET /api/donations/categories
func (h *DonationsHandler) Categories(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, map[string][]string{"categories": h.svc.Categories()}, nil)
}

// Create POST /api/donations (JSON or multipart/form-data with an "image" part)
func (h *DonationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var (
		in    models.DonationInput
		image *storage.Blob
		err   error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		in, image, err = parseDonationForm(r)
	} else {
		err = utils.ParseJSONBody(r, &in)
	}
	if err != nil {
		writeFailure(w, store, err)
		return
	}

	d, err := h.svc.Create(r.Context(), a, in, image)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	// 刷新积分
	if _, err := store.RefreshProfile(r.Context()); err != nil {
		h.logger.Warn("profile refresh after donation failed", zap.Error(err))
	}
	writeResult(w, store, http.StatusCreated, d)
}

func parseDonationForm(r *http.Request) (models.DonationInput, *storage.Blob, error) {
	var in models.DonationInput
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return in, nil, models.NewValidationError("invalid form data")
	}
	in.ItemName = r.FormValue("item_name")
	in.Category = r.FormValue("category")
	in.Condition = models.Condition(r.FormValue("condition"))
	in.Description = r.FormValue("description")
	if raw := strings.TrimSpace(r.FormValue("quantity")); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil {
			return in, nil, models.NewValidationError("quantity must be a whole number")
		}
		in.Quantity = q
	}
	if raw := strings.TrimSpace(r.FormValue("pickup_option")); raw != "" {
		pickup, err := strconv.ParseBool(raw)
		if err != nil {
			return in, nil, models.NewValidationError("pickup_option must be true or false")
		}
		in.PickupOption = pickup
	}

	file, header, err := r.FormFile("image")
	if err == http.ErrMissingFile {
		return in, nil, nil
	}
	if err != nil {
		return in, nil, models.NewValidationError("invalid image upload")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, storage.MaxImageBytes+1))
	if err != nil {
		return in, nil, models.NewValidationError("invalid image upload")
	}
	return in, &storage.Blob{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

type statusRequest struct {
	Status string `json:"status"`
}

func decodeStatus(r *http.Request) (models.DonationStatus, error) {
	var req statusRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		return "", err
	}
	return models.ParseDonationStatus(req.Status)
}

// UpdateStatus PUT /api/donations/{id}/status
func (h *DonationsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	status, err := decodeStatus(r)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	d, err := h.svc.UpdateStatus(r.Context(), a, urlID(r), status)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, d)
}

// Advance POST /api/donations/{id}/advance
func (h *DonationsHandler) Advance(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Advance(r.Context(), a, urlID(r))
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, d)
}

// Override PUT /api/admin/donations/{id}/status
func (h *DonationsHandler) Override(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	status, err := decodeStatus(r)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	d, err := h.svc.OverrideStatus(r.Context(), a, urlID(r), status)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, d)
}

// AssignVolunteer PUT /api/admin/donations/{id}/volunteer
func (h *DonationsHandler) AssignVolunteer(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		VolunteerID *string `json:"volunteer_id"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		writeFailure(w, store, err)
		return
	}
	if err := h.svc.AssignVolunteer(r.Context(), a, urlID(r), optionalID(req.VolunteerID)); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, map[string]interface{}{"id": urlID(r), "volunteer_id": optionalID(req.VolunteerID)})
}

// AssignOrg PUT /api/admin/donations/{id}/ngo
func (h *DonationsHandler) AssignOrg(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req struct {
		NGOID *string `json:"ngo_id"`
	}
	if err := utils.ParseJSONBody(r, &req); err != nil {
		writeFailure(w, store, err)
		return
	}
	if err := h.svc.AssignOrg(r.Context(), a, urlID(r), optionalID(req.NGOID)); err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, map[string]interface{}{"id": urlID(r), "ngo_id": optionalID(req.NGOID)})
}

// Delete DELETE /api/admin/donations/{id}
func (h *DonationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

// Analytics GET /api/admin/analytics
func (h *DonationsHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	a, store, ok := actorFrom(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.Analytics(r.Context(), a)
	if err != nil {
		writeFailure(w, store, err)
		return
	}
	writeResult(w, store, http.StatusOK, summary)
}
