package model

import "time"

// AdminRole distinguishes exam authors from full administrators. Both may
// monitor exams; only admins manage users.
type AdminRole string

const (
	AdminRoleTeacher AdminRole = "teacher"
	AdminRoleAdmin   AdminRole = "admin"
)

// Admin is a monitoring/authoring user.
type Admin struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         AdminRole `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// AdminLoginRequest is the admin login payload.
type AdminLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}
