package domain

import "strings"

// Caller is the authenticated principal attached to a request by the
// auth middleware.
type Caller struct {
	ID   string
	Role string
}

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

// IsAdmin reports whether the caller may bypass ownership checks.
func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// StudentIdentity is the single identity shape check-ins carry. ID is
// the stable account id resolved by the auth layer before the request
// reaches this engine; Label is a display-only name or registration
// number and is never used for matching.
type StudentIdentity struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Validate rejects identities without a stable id.
func (s StudentIdentity) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return Validationf("student identity requires a stable id")
	}
	return nil
}
