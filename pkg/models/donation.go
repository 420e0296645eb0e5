package models

import (
	"fmt"
	"strings"
	"time"
)

// DonationStatus 捐赠状态，按生命周期排序
type DonationStatus string

const (
	StatusRequested DonationStatus = "requested"
	StatusVerified  DonationStatus = "verified"
	StatusPicked    DonationStatus = "picked"
	StatusDelivered DonationStatus = "delivered"
)

// Statuses lists the lifecycle in order.
var Statuses = []DonationStatus{StatusRequested, StatusVerified, StatusPicked, StatusDelivered}

// Valid 检查状态是否属于枚举
func (s DonationStatus) Valid() bool {
	return s.rank() >= 0
}

func (s DonationStatus) rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following lifecycle state; ok is false for delivered (terminal) or unknown values.
func (s DonationStatus) Next() (DonationStatus, bool) {
	i := s.rank()
	if i < 0 || i == len(Statuses)-1 {
		return "", false
	}
	return Statuses[i+1], true
}

// IsForwardOf reports whether s comes strictly after prev in the lifecycle.
func (s DonationStatus) IsForwardOf(prev DonationStatus) bool {
	return s.rank() > prev.rank() && prev.rank() >= 0
}

// ParseDonationStatus 解析状态字符串
func ParseDonationStatus(v string) (DonationStatus, error) {
	s := DonationStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", NewValidationError(fmt.Sprintf("invalid donation status %q", v))
	}
	return s, nil
}

// Condition 物品成色
type Condition string

const (
	ConditionExcellent Condition = "excellent"
	ConditionGood      Condition = "good"
	ConditionFair      Condition = "fair"
)

// Valid 检查成色是否合法
func (c Condition) Valid() bool {
	switch c {
	case ConditionExcellent, ConditionGood, ConditionFair:
		return true
	}
	return false
}

// DefaultCategories is the built-in category set; deployments may extend it.
var DefaultCategories = []string{"food", "clothing", "books", "medicine", "hygiene", "toys"}

// Donation represents a donations row.
type Donation struct {
	ID           string         `json:"id" db:"id"`
	DonorID      string         `json:"donor_id" db:"donor_id"`
	ItemName     string         `json:"item_name" db:"item_name"`
	Category     string         `json:"category" db:"category"`
	Quantity     int            `json:"quantity" db:"quantity"`
	Condition    Condition      `json:"condition" db:"condition"`
	Description  string         `json:"description" db:"description"`
	PickupOption bool           `json:"pickup_option" db:"pickup_option"`
	ImageURL     *string        `json:"image_url,omitempty" db:"image_url"`
	Status       DonationStatus `json:"status" db:"status"`
	VolunteerID  *string        `json:"volunteer_id,omitempty" db:"volunteer_id"`
	NGOID        *string        `json:"ngo_id,omitempty" db:"ngo_id"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// DonorSummary is the donor's display data joined onto staff listings.
type DonorSummary struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// DonationView 带捐赠人信息的捐赠记录（志愿者/管理员列表）
type DonationView struct {
	Donation
	Donor *DonorSummary `json:"profiles,omitempty"`
}

// DonationInput 捐赠人提交的字段
type DonationInput struct {
	ItemName     string    `json:"item_name"`
	Category     string    `json:"category"`
	Quantity     int       `json:"quantity"`
	Condition    Condition `json:"condition"`
	Description  string    `json:"description"`
	PickupOption bool      `json:"pickup_option"`
}

// Validate checks the input against the allowed categories.
func (in *DonationInput) Validate(categories []string) error {
	in.ItemName = strings.TrimSpace(in.ItemName)
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	in.Description = strings.TrimSpace(in.Description)
	if in.Condition == "" {
		in.Condition = ConditionGood
	}
	if in.ItemName == "" || in.Category == "" {
		return NewValidationError("Please complete all required fields")
	}
	if !containsFold(categories, in.Category) {
		return NewValidationError(fmt.Sprintf("unknown category %q", in.Category))
	}
	if in.Quantity <= 0 {
		return NewValidationError("quantity must be a positive integer")
	}
	if !in.Condition.Valid() {
		return NewValidationError(fmt.Sprintf("invalid condition %q", in.Condition))
	}
	return nil
}

// DonationFilter 列表查询条件；DonorID 为空表示全部
type DonationFilter struct {
	DonorID string
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
