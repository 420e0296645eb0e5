package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
)

func TestWriteAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	notices := []notify.Notice{{Level: notify.LevelError, Message: "Failed to update status"}}

	WriteAppError(rec, models.NewForbiddenError("only volunteers and admins can update status"), notices)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, models.CodeForbidden, body.Error.Code)
	assert.Equal(t, "only volunteers and admins can update status", body.Error.Message)
	assert.Equal(t, notices, body.Notices)
}

func TestWriteAppError_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAppError(rec, assert.AnError, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestParseJSONBody_RejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
	err := ParseJSONBody(req, &v)
	assert.ErrorIs(t, err, models.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, ParseJSONBody(req, &v))
	assert.Equal(t, "x", v.Name)
}
