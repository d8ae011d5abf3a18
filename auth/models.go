package auth

import "time"

// Role is the closed set of principal kinds recognised by the platform.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	default:
		return false
	}
}

// Principal is an authenticated actor. It is produced only by Service.Authenticate
// and carried unchanged through the request and realtime surfaces.
type Principal struct {
	ID   string
	Role Role
	Name string
}

// IsAdmin reports whether the principal holds the administrator role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// User is the domain representation of a registered user.
// It mirrors the users table and carries no JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal projects the user onto the identity carried by requests.
func (u User) Principal() Principal {
	return Principal{ID: u.ID, Role: u.Role, Name: u.FullName}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
