package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the roles recognised in access tokens.
type UserRole string

const (
	RoleAdmin        UserRole = "ADMIN"
	RoleDepotManager UserRole = "DEPOT_MANAGER"
	RoleViewer       UserRole = "VIEWER"
)

// JWTClaims represents the payload of access tokens issued by the platform's auth service.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
	Email  string   `json:"email"`
	jwt.RegisteredClaims
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
