package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role 用户角色（封闭枚举）
type Role string

const (
	RoleDonor     Role = "donor"
	RoleVolunteer Role = "volunteer"
	RoleAdmin     Role = "admin"
)

// Valid 检查角色是否合法
func (r Role) Valid() bool {
	switch r {
	case RoleDonor, RoleVolunteer, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role may work the donation queue (volunteer or admin).
func (r Role) IsStaff() bool {
	return r == RoleVolunteer || r == RoleAdmin
}

// ParseRole 解析角色字符串，空字符串默认为 donor
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RoleDonor, nil
	}
	r := Role(s)
	if !r.Valid() {
		return "", NewValidationError(fmt.Sprintf("invalid role %q", s))
	}
	return r, nil
}

// Profile represents the profiles row, 1:1 with an auth account.
type Profile struct {
	ID         string    `json:"id" db:"id"`
	Email      string    `json:"email" db:"email"`
	FullName   string    `json:"full_name" db:"full_name"`
	Role       Role      `json:"role" db:"role"`
	CarePoints int       `json:"care_points" db:"care_points"`
	Suspended  bool      `json:"suspended" db:"suspended"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Clone 返回一份拷贝，避免调用方修改共享快照
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// ProfileUpdate is the closed set of profile fields that may change after creation.
// A nil field is left untouched.
type ProfileUpdate struct {
	FullName   *string `json:"full_name,omitempty"`
	Role       *Role   `json:"role,omitempty"`
	CarePoints *int    `json:"care_points,omitempty"`
	Suspended  *bool   `json:"suspended,omitempty"`
}

// ParseProfileUpdate decodes a JSON patch and rejects unknown keys
// (id, email and created_at are not updatable).
func ParseProfileUpdate(data []byte) (ProfileUpdate, error) {
	var u ProfileUpdate
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		return ProfileUpdate{}, NewValidationError("invalid profile update: " + err.Error())
	}
	return u, u.Validate()
}

// IsEmpty 没有任何字段需要更新
func (u ProfileUpdate) IsEmpty() bool {
	return u.FullName == nil && u.Role == nil && u.CarePoints == nil && u.Suspended == nil
}

// Validate 检查合并后仍是合法的 Profile
func (u ProfileUpdate) Validate() error {
	if u.FullName != nil && strings.TrimSpace(*u.FullName) == "" {
		return NewValidationError("full_name cannot be empty")
	}
	if u.Role != nil && !u.Role.Valid() {
		return NewValidationError(fmt.Sprintf("invalid role %q", *u.Role))
	}
	if u.CarePoints != nil && *u.CarePoints < 0 {
		return NewValidationError("care_points cannot be negative")
	}
	return nil
}

// ApplyTo merges the update into p in place.
func (u ProfileUpdate) ApplyTo(p *Profile) {
	if p == nil {
		return
	}
	if u.FullName != nil {
		p.FullName = strings.TrimSpace(*u.FullName)
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.CarePoints != nil {
		p.CarePoints = *u.CarePoints
	}
	if u.Suspended != nil {
		p.Suspended = *u.Suspended
	}
}

// Columns 返回需要写入的列（用于 PATCH / UPDATE）
func (u ProfileUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.FullName != nil {
		cols["full_name"] = strings.TrimSpace(*u.FullName)
	}
	if u.Role != nil {
		cols["role"] = string(*u.Role)
	}
	if u.CarePoints != nil {
		cols["care_points"] = *u.CarePoints
	}
	if u.Suspended != nil {
		cols["suspended"] = *u.Suspended
	}
	return cols
}

// ProfileFilter 列表查询条件
type ProfileFilter struct {
	Role Role
}

// Level 积分等级
type Level string

const (
	LevelBronze Level = "Bronze"
	LevelSilver Level = "Silver"
	LevelGold   Level = "Gold"
)

// LevelFor maps care points onto the dashboard level.
func LevelFor(points int) Level {
	switch {
	case points >= 100:
		return LevelGold
	case points >= 50:
		return LevelSilver
	default:
		return LevelBronze
	}
}
