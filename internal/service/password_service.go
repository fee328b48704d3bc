package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	resetTokenPrefix     = "pwreset:"
	defaultResetTokenTTL = 30 * time.Minute
)

// PasswordService wraps the argon2id hasher with complexity rules and
// single-use reset tokens. Reset tokens are stored by hash only.
type PasswordService struct {
	hasher    *hashing.Hasher
	store     model.Store
	limiter   *RateLimitService
	users     model.UserLookup
	delivery  DeliveryChannel
	publisher events.Publisher
	resetTTL  time.Duration
	clock     func() time.Time
}

func NewPasswordService(
	hasher *hashing.Hasher,
	store model.Store,
	limiter *RateLimitService,
	users model.UserLookup,
	delivery DeliveryChannel,
	publisher events.Publisher,
	resetTTL time.Duration,
) *PasswordService {
	if resetTTL <= 0 {
		resetTTL = defaultResetTokenTTL
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &PasswordService{
		hasher:    hasher,
		store:     store,
		limiter:   limiter,
		users:     users,
		delivery:  delivery,
		publisher: publisher,
		resetTTL:  resetTTL,
		clock:     time.Now,
	}
}

func (s *PasswordService) WithClock(clock func() time.Time) *PasswordService {
	s.clock = clock
	return s
}

func (s *PasswordService) HashPassword(password string) (string, error) {
	if password == "" {
		return "", autherr.Validation("password is required")
	}
	hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return "", autherr.Internal("failed to hash password", err)
	}
	return hash, nil
}

// VerifyPassword is false for empty input and for malformed hashes.
func (s *PasswordService) VerifyPassword(password, encoded string) bool {
	if password == "" || encoded == "" {
		return false
	}
	return s.hasher.VerifyPassword(password, encoded)
}

func (s *PasswordService) NeedsRehash(encoded string) bool {
	return s.hasher.NeedsRehash(encoded)
}

func resetKey(token string) string {
	return resetTokenPrefix + hashing.HashToken(token)
}

// GenerateResetToken issues a 64-character hex token for userID.
func (s *PasswordService) GenerateResetToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", autherr.Validation("user id is required")
	}
	token, err := hashing.GenerateToken(hashing.ResetTokenBytes)
	if err != nil {
		return "", autherr.Internal("failed to generate reset token", err)
	}

	now := s.clock()
	record := model.ResetTokenRecord{
		UserID:    userID,
		TokenHash: hashing.HashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.resetTTL),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", autherr.Internal("failed to encode reset token", err)
	}
	if err := s.store.Set(ctx, resetKey(token), data, s.resetTTL); err != nil {
		return "", autherr.Internal("failed to store reset token", err)
	}

	util.Info("Password reset token issued", zap.String("user_id", userID))
	return token, nil
}

// ValidateResetToken checks existence, owner and expiry. An expired token
// is purged.
func (s *PasswordService) ValidateResetToken(ctx context.Context, token, userID string) (bool, error) {
	if token == "" || userID == "" {
		return false, nil
	}
	key := resetKey(token)
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, model.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, autherr.Internal("failed to load reset token", err)
	}

	var record model.ResetTokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return false, autherr.Internal("failed to decode reset token", err)
	}
	if record.IsExpired(s.clock()) {
		if _, err := s.store.Delete(ctx, key); err != nil {
			util.Warn("Failed to purge expired reset token", zap.Error(err))
		}
		return false, nil
	}
	if !hashing.ConstantTimeEqual(record.UserID, userID) {
		util.Warn("Reset token presented for another user", zap.String("user_id", userID))
		return false, nil
	}
	return true, nil
}

// ConsumeResetToken validates and deletes the token. When two callers race,
// only the one whose delete removes the key succeeds.
func (s *PasswordService) ConsumeResetToken(ctx context.Context, token, userID string) error {
	ok, err := s.ValidateResetToken(ctx, token, userID)
	if err != nil {
		return err
	}
	if !ok {
		return autherr.New(autherr.ErrInvalidToken, "Invalid or expired reset token")
	}
	removed, err := s.store.Delete(ctx, resetKey(token))
	if err != nil {
		return autherr.Internal("failed to consume reset token", err)
	}
	if removed == 0 {
		return autherr.New(autherr.ErrInvalidToken, "Invalid or expired reset token")
	}
	return nil
}

// ResetPassword consumes the token and returns the hash of newPassword.
func (s *PasswordService) ResetPassword(ctx context.Context, token, userID, newPassword string) (string, error) {
	if err := s.checkNewPassword(newPassword); err != nil {
		return "", err
	}
	if err := s.ConsumeResetToken(ctx, token, userID); err != nil {
		return "", err
	}
	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return "", err
	}
	util.Info("Password reset completed", zap.String("user_id", userID))
	return hash, nil
}

// InitiatePasswordReset issues and delivers a reset token by email. Unknown
// addresses return nil so callers cannot enumerate accounts.
func (s *PasswordService) InitiatePasswordReset(ctx context.Context, email string) error {
	email = util.NormalizeRecipient(email)
	if err := ValidateRecipient(model.ChannelEmail, email); err != nil {
		return err
	}
	if s.limiter != nil {
		res, err := s.limiter.CheckOperation(ctx, model.OperationPasswordReset, email)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}
	}
	if s.users == nil || s.delivery == nil {
		return autherr.Internal("password reset is not configured", nil)
	}

	userID, found, err := s.users.FindUserIDByEmail(ctx, email)
	if err != nil {
		return autherr.Internal("failed to look up user", err)
	}
	if !found {
		util.Info("Password reset requested for unknown email", util.Recipient(email))
		return nil
	}

	token, err := s.GenerateResetToken(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.delivery.Deliver(ctx, model.ChannelEmail, email, token); err != nil {
		if _, derr := s.store.Delete(ctx, resetKey(token)); derr != nil {
			util.Warn("Failed to discard undelivered reset token", zap.Error(derr))
		}
		return autherr.Internal("failed to deliver reset token", err)
	}

	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:    model.EventPasswordResetRequested,
		UserID:  userID,
		Subject: MaskRecipient(email),
		Outcome: "delivered",
	})
	return nil
}

// ChangePassword verifies the current password against req.CurrentHash and
// returns the hash of the new one.
func (s *PasswordService) ChangePassword(_ context.Context, req model.PasswordChangeRequest) (string, error) {
	if req.UserID == "" {
		return "", autherr.Validation("user id is required")
	}
	if req.NewPassword != req.ConfirmPassword {
		return "", autherr.Validation("New password and confirmation do not match")
	}
	if err := s.checkNewPassword(req.NewPassword); err != nil {
		return "", err
	}
	if !s.VerifyPassword(req.CurrentPassword, req.CurrentHash) {
		return "", autherr.New(autherr.ErrInvalidToken, "Current password is incorrect")
	}
	if req.CurrentPassword == req.NewPassword {
		return "", autherr.Validation("New password must differ from the current password")
	}

	hash, err := s.HashPassword(req.NewPassword)
	if err != nil {
		return "", err
	}
	util.Info("Password changed", zap.String("user_id", req.UserID))
	return hash, nil
}

func (s *PasswordService) checkNewPassword(password string) error {
	if violations := ValidateComplexity(password); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Message
		}
		return autherr.Validation("New password does not meet complexity requirements: %s", strings.Join(msgs, ", "))
	}
	if IsPasswordBreached(password) {
		return autherr.Validation("Password has appeared in a data breach")
	}
	return nil
}
