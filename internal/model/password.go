package model

import "time"

type PasswordViolation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type PasswordChangeRequest struct {
	UserID          string `json:"user_id"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
	// CurrentHash is the stored hash the caller loaded for UserID.
	CurrentHash string `json:"-"`
}

// ResetTokenRecord is what the store keeps for a reset token; the token
// itself is only ever returned to the requester.
type ResetTokenRecord struct {
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *ResetTokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type PasswordStrength struct {
	Score int    `json:"score"`
	Label string `json:"label"`
}
