package models

import "time"

// UserEmail is the users_by_email row. The owning identity service writes it;
// this service only reads it to resolve password reset requests.
type UserEmail struct {
	EmailHash string    `db:"email_hash"`
	UserID    string    `db:"user_id"`
	IsBlocked bool      `db:"is_blocked"`
	IsBanned  bool      `db:"is_banned"`
	CreatedAt time.Time `db:"created_at"`
}

const UserEmailColumns = "email_hash, user_id, is_blocked, is_banned, created_at"

func (r *UserEmail) ScanTargets() []interface{} {
	return []interface{}{&r.EmailHash, &r.UserID, &r.IsBlocked, &r.IsBanned, &r.CreatedAt}
}

// CanReset is false for accounts that must not receive reset mail.
func (r *UserEmail) CanReset() bool {
	return r.UserID != "" && !r.IsBlocked && !r.IsBanned
}
