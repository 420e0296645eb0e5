package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDonationStatus_Next(t *testing.T) {
	tests := []struct {
		from DonationStatus
		want DonationStatus
		ok   bool
	}{
		{StatusRequested, StatusVerified, true},
		{StatusVerified, StatusPicked, true},
		{StatusPicked, StatusDelivered, true},
		{StatusDelivered, "", false},
		{DonationStatus("lost"), "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got, ok := tt.from.Next()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDonationStatus_IsForwardOf(t *testing.T) {
	assert.True(t, StatusDelivered.IsForwardOf(StatusRequested))
	assert.False(t, StatusRequested.IsForwardOf(StatusPicked))
	assert.False(t, StatusPicked.IsForwardOf(StatusPicked))
	assert.False(t, StatusPicked.IsForwardOf(DonationStatus("")))
}

func TestParseDonationStatus(t *testing.T) {
	s, err := ParseDonationStatus(" Delivered ")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, s)

	_, err = ParseDonationStatus("shipped")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleDonor, r)

	r, err = ParseRole("Volunteer")
	require.NoError(t, err)
	assert.Equal(t, RoleVolunteer, r)
	assert.True(t, r.IsStaff())

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseProfileUpdate(t *testing.T) {
	t.Run("known fields", func(t *testing.T) {
		u, err := ParseProfileUpdate([]byte(`{"full_name":"  Ada  ","care_points":12}`))
		require.NoError(t, err)
		p := &Profile{FullName: "old", CarePoints: 3, Role: RoleDonor}
		u.ApplyTo(p)
		assert.Equal(t, "Ada", p.FullName)
		assert.Equal(t, 12, p.CarePoints)
		assert.Equal(t, RoleDonor, p.Role)
		assert.Equal(t, map[string]interface{}{"full_name": "Ada", "care_points": 12}, u.Columns())
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := ParseProfileUpdate([]byte(`{"email":"x@y.z"}`))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("negative points rejected", func(t *testing.T) {
		_, err := ParseProfileUpdate([]byte(`{"care_points":-1}`))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("bad role rejected", func(t *testing.T) {
		_, err := ParseProfileUpdate([]byte(`{"role":"root"}`))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestDonationInput_Validate(t *testing.T) {
	in := DonationInput{ItemName: " Rice ", Category: "FOOD", Quantity: 2}
	require.NoError(t, in.Validate(DefaultCategories))
	assert.Equal(t, "Rice", in.ItemName)
	assert.Equal(t, "food", in.Category)
	assert.Equal(t, ConditionGood, in.Condition)

	bad := []DonationInput{
		{Category: "food", Quantity: 1},
		{ItemName: "x", Category: "cars", Quantity: 1},
		{ItemName: "x", Category: "food", Quantity: 0},
		{ItemName: "x", Category: "food", Quantity: 1, Condition: "broken"},
	}
	for i, in := range bad {
		t.Run(fmt.Sprintf("bad_%d", i), func(t *testing.T) {
			assert.ErrorIs(t, in.Validate(DefaultCategories), ErrValidation)
		})
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelBronze, LevelFor(0))
	assert.Equal(t, LevelSilver, LevelFor(50))
	assert.Equal(t, LevelGold, LevelFor(140))
}

func TestAppError_IsAndStatus(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewForbiddenError("admins only"))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, errors.Is(err, ErrUnauthenticated))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))

	op := NewOperationError("update status", errors.New("503"))
	assert.ErrorIs(t, op, ErrOperationFailed)
	assert.Equal(t, "update status failed: 503", op.Error())
}
