package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/hashing"
	"auth-core/internal/models"
	"auth-core/internal/util"
)

// UserDirectory resolves emails through users_by_email. Emails are looked up
// by hash only.
type UserDirectory struct {
	client *ScyllaClient
}

func NewUserDirectory(client *ScyllaClient) *UserDirectory {
	return &UserDirectory{client: client}
}

func (d *UserDirectory) FindUserIDByEmail(ctx context.Context, email string) (string, bool, error) {
	row := &models.UserEmail{}
	err := d.client.Query(ctx, d.client.Prepared.GetUserByEmail,
		hashing.HashToken(util.NormalizeRecipient(email))).Scan(row.ScanTargets()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up user by email: %w", err)
	}
	if !row.CanReset() {
		util.Info("Password reset skipped for restricted account", zap.String("user_id", row.UserID))
		return "", false, nil
	}
	return row.UserID, true, nil
}
