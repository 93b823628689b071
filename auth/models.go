package auth

import "time"

type Role string

const (
	RoleIssuer      Role = "issuer"
	RoleBeneficiary Role = "beneficiary"
	RoleOperator    Role = "operator"
)

// Principal is an authenticated party: an issuer that funds and may revoke
// grants, a beneficiary receiving releases, or an operator.
// It carries no JSON annotations so presentation layers can shape it freely.
type Principal struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains principal registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains principal login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
