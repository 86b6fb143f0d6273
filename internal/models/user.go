package models

// Role represents user roles in the system
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEngineer Role = "engineer"
	RoleViewer   Role = "viewer"
)

// Claims is the verified identity supplied by the authentication layer.
type Claims struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	Exp       int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleEngineer, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if the caller may perform a specific action
func (c *Claims) HasPermission(action string) bool {
	switch c.Role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action != "report_location" && action != "manage_trips"
	case RoleEngineer:
		return action == "report_location" || action == "manage_trips" ||
			action == "submit_claim" || action == "view_own"
	case RoleViewer:
		return action == "view_dashboard" || action == "view_own"
	default:
		return false
	}
}
