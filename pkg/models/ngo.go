package models

import "time"

// NGO represents a partner organization that receives routed donations.
type NGO struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	ContactInfo string    `json:"contact_info" db:"contact_info"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NGOInput 创建/更新合作机构的请求
type NGOInput struct {
	Name        string `json:"name"`
	ContactInfo string `json:"contact_info"`
}
