// Package model defines domain entities for the application.
package model

import "time"

// Plan is the billing plan attached to a user.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// IsValid reports whether p is a known plan.
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// User is the local identity record for an external subject.
// ExternalSubject is unique and never rewritten once set.
type User struct {
	ID              string    `json:"id"`
	ExternalSubject string    `json:"-"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	AvatarURL       *string   `json:"avatar_url,omitempty"`
	Plan            Plan      `json:"plan"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Claims are the identity attributes extracted from a presented token.
type Claims struct {
	Subject    string
	Email      string
	Name       string
	PictureURL string
}
