package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/bucketing"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	otpKeyPrefix      = "otp:"
	otpAttemptsPrefix = "otp_attempts:"
	otpResendsPrefix  = "otp_resends:"
	otpIndexPrefix    = "otp_idx:"
	otpCodePurpose    = "otp_code"

	msgNoActiveOTP      = "No active OTP found to resend"
	msgResendsExhausted = "Maximum resend attempts exceeded or OTP expired"
)

type OTPPolicy struct {
	CodeLength  int
	Expiry      time.Duration
	MaxAttempts int
	MaxResends  int
}

func OTPPolicyFromConfig(cfg config.OTPConfig) OTPPolicy {
	return OTPPolicy{
		CodeLength:  cfg.CodeLength,
		Expiry:      cfg.Expiry,
		MaxAttempts: cfg.MaxAttempts,
		MaxResends:  cfg.MaxResends,
	}
}

func DefaultOTPPolicy() OTPPolicy {
	return OTPPolicy{CodeLength: 6, Expiry: 5 * time.Minute, MaxAttempts: 3, MaxResends: 2}
}

// OTPService issues and verifies one-time passcodes. Records and counters
// live in the store; mutations for one recipient are serialised in-process.
type OTPService struct {
	store      model.Store
	limiter    *RateLimitService
	encryption *encryption.Manager
	delivery   DeliveryChannel
	locker     *bucketing.Locker
	publisher  events.Publisher
	metrics    *metrics.Metrics
	policy     OTPPolicy
	stats      *otpStatistics
	clock      func() time.Time
}

func NewOTPService(
	store model.Store,
	limiter *RateLimitService,
	enc *encryption.Manager,
	delivery DeliveryChannel,
	locker *bucketing.Locker,
	publisher events.Publisher,
	m *metrics.Metrics,
	policy OTPPolicy,
) *OTPService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &OTPService{
		store:      store,
		limiter:    limiter,
		encryption: enc,
		delivery:   delivery,
		locker:     locker,
		publisher:  publisher,
		metrics:    m,
		policy:     policy,
		stats:      newOTPStatistics(),
		clock:      time.Now,
	}
}

func (s *OTPService) WithClock(clock func() time.Time) *OTPService {
	s.clock = clock
	return s
}

func otpKey(recipient, purpose string) string {
	return otpKeyPrefix + recipient + ":" + purpose
}

// otpIndexKey names the set of purposes that have a record for recipient.
func otpIndexKey(recipient string) string {
	return otpIndexPrefix + recipient
}

func (s *OTPService) SendOTP(ctx context.Context, req model.SendOTPRequest) (*model.OTPResponse, error) {
	recipient := util.NormalizeRecipient(req.Recipient)
	if err := ValidateRecipient(req.Channel, recipient); err != nil {
		return nil, err
	}
	if err := validatePurpose(req.Purpose); err != nil {
		return nil, err
	}

	limit, err := s.limiter.CheckOperation(ctx, model.OperationOTPSend, recipient)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return s.rateLimited(limit)
	}

	unlock := s.locker.Lock(recipient)
	defer unlock()

	code, err := hashing.GenerateNumericCode(s.policy.CodeLength)
	if err != nil {
		return nil, autherr.Internal("failed to generate OTP", err)
	}
	id, err := hashing.GenerateOTPID()
	if err != nil {
		return nil, autherr.Internal("failed to generate OTP id", err)
	}
	cipher, err := s.encryption.EncryptField(ctx, code, otpCodePurpose)
	if err != nil {
		return nil, autherr.Internal("failed to encrypt OTP", err)
	}

	now := s.clock()
	record := &model.OTPRecord{
		ID:         id,
		Recipient:  recipient,
		Channel:    req.Channel,
		Purpose:    req.Purpose,
		CodeHash:   hashing.HashToken(code),
		CodeCipher: cipher,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.policy.Expiry),
		Context:    req.Context,
	}

	key := otpKey(recipient, req.Purpose)
	previous, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	// Delivery comes first so a failed send leaves the previous code usable.
	if err := s.delivery.Deliver(ctx, req.Channel, recipient, code); err != nil {
		util.Error("OTP delivery failed",
			util.Recipient(recipient),
			zap.String("channel", string(req.Channel)),
			zap.Error(err))
		return nil, autherr.Internal("failed to deliver OTP", err)
	}

	if previous != nil {
		s.deleteCounters(ctx, previous.ID)
	}
	if err := s.store.SetAdd(ctx, otpIndexKey(recipient), s.policy.Expiry, req.Purpose); err != nil {
		return nil, autherr.Internal("failed to index OTP record", err)
	}
	if err := s.save(ctx, key, record, now); err != nil {
		return nil, err
	}

	s.stats.sent(recipient, now)
	s.metrics.OTPEvent("sent", string(req.Channel))
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:      model.EventOTPSent,
		Subject:   recipient,
		IPAddress: req.IPAddress,
		Outcome:   "sent",
		Details:   map[string]string{"channel": string(req.Channel), "purpose": req.Purpose},
	})
	util.Info("OTP sent",
		zap.String("otp_id", id),
		util.Recipient(recipient),
		zap.String("purpose", req.Purpose))

	return &model.OTPResponse{
		Success:           true,
		Message:           "OTP sent successfully",
		OTPID:             id,
		Channel:           req.Channel,
		MaskedRecipient:   MaskRecipient(recipient),
		ExpiresAt:         record.ExpiresAt,
		RemainingAttempts: s.policy.MaxAttempts,
		RemainingResends:  s.policy.MaxResends,
	}, nil
}

func (s *OTPService) rateLimited(limit *model.RateLimitResult) (*model.OTPResponse, error) {
	msg := fmt.Sprintf("Too many OTP requests. Try again in %d seconds.", ceilSeconds(limit.RetryAfter))
	resp := &model.OTPResponse{
		Success:       false,
		Message:       msg,
		NextAttemptAt: s.clock().Add(limit.RetryAfter),
	}
	if limit.Locked {
		return resp, limit.Err()
	}
	return resp, &autherr.RateLimitError{
		Message:    msg,
		Limit:      limit.Limit,
		ResetAt:    limit.ResetAt,
		RetryAfter: limit.RetryAfter,
	}
}

// VerifyOTP reports whether code matches the live passcode for (recipient,
// purpose). Every call spends one attempt; the record is removed on success
// and once attempts are exhausted.
func (s *OTPService) VerifyOTP(ctx context.Context, req model.VerifyOTPRequest) (bool, error) {
	recipient := util.NormalizeRecipient(req.Recipient)
	if recipient == "" {
		return false, autherr.Validation("recipient is required")
	}
	if err := validatePurpose(req.Purpose); err != nil {
		return false, err
	}
	if !s.wellFormedCode(req.Code) {
		return false, autherr.Validation("code must be %d digits", s.policy.CodeLength)
	}

	unlock := s.locker.Lock(recipient)
	defer unlock()

	key := otpKey(recipient, req.Purpose)
	record, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	if record == nil {
		s.verifyFailed(ctx, recipient, "", "not_found")
		return false, nil
	}

	now := s.clock()
	if record.IsExpired(now) {
		s.purge(ctx, record)
		s.verifyFailed(ctx, recipient, record.Channel, "expired")
		return false, nil
	}

	attempts, err := s.store.Incr(ctx, otpAttemptsPrefix+record.ID, record.ExpiresAt.Sub(now))
	if err != nil {
		return false, autherr.Internal("failed to count OTP attempt", err)
	}
	if int(attempts) > s.policy.MaxAttempts {
		s.purge(ctx, record)
		s.verifyFailed(ctx, recipient, record.Channel, "attempts_exhausted")
		return false, nil
	}

	if hashing.ConstantTimeEqual(hashing.HashToken(req.Code), record.CodeHash) {
		s.purge(ctx, record)
		s.stats.verified(recipient, true)
		s.metrics.OTPEvent("verified", string(record.Channel))
		s.publisher.Publish(ctx, &model.SecurityEvent{
			Type:    model.EventOTPVerified,
			Subject: recipient,
			Outcome: "verified",
			Details: map[string]string{"purpose": record.Purpose},
		})
		util.Info("OTP verified", zap.String("otp_id", record.ID))
		return true, nil
	}

	if int(attempts) >= s.policy.MaxAttempts {
		s.purge(ctx, record)
	}
	s.verifyFailed(ctx, recipient, record.Channel, "mismatch")
	return false, nil
}

func (s *OTPService) wellFormedCode(code string) bool {
	if len(code) != s.policy.CodeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (s *OTPService) verifyFailed(ctx context.Context, recipient string, channel model.OTPChannel, reason string) {
	s.stats.verified(recipient, false)
	s.metrics.OTPEvent("failed", string(channel))
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:    model.EventOTPFailed,
		Subject: recipient,
		Outcome: reason,
	})
	util.Debug("OTP verification failed",
		util.Recipient(recipient),
		zap.String("reason", reason))
}

// ResendOTP redelivers the newest live passcode for recipient unchanged.
func (s *OTPService) ResendOTP(ctx context.Context, recipient string) (*model.OTPResponse, error) {
	recipient = util.NormalizeRecipient(recipient)
	if recipient == "" {
		return nil, autherr.Validation("recipient is required")
	}

	unlock := s.locker.Lock(recipient)
	defer unlock()

	now := s.clock()
	record, key, err := s.latest(ctx, recipient, now)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, autherr.New(autherr.ErrNotFound, msgNoActiveOTP)
	}

	resends, err := s.counter(ctx, otpResendsPrefix+record.ID)
	if err != nil {
		return nil, err
	}
	if resends >= s.policy.MaxResends {
		return nil, autherr.New(autherr.ErrAttemptsExhausted, msgResendsExhausted)
	}

	limit, err := s.limiter.CheckOperation(ctx, model.OperationOTPSend, recipient)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		return s.rateLimited(limit)
	}

	n, err := s.store.Incr(ctx, otpResendsPrefix+record.ID, record.ExpiresAt.Sub(now))
	if err != nil {
		return nil, autherr.Internal("failed to count OTP resend", err)
	}
	if int(n) > s.policy.MaxResends {
		return nil, autherr.New(autherr.ErrAttemptsExhausted, msgResendsExhausted)
	}

	code, err := s.encryption.DecryptField(ctx, record.CodeCipher)
	if err != nil {
		return nil, autherr.Internal("failed to decrypt OTP", err)
	}
	if err := s.delivery.Deliver(ctx, record.Channel, recipient, code); err != nil {
		return nil, autherr.Internal("failed to deliver OTP", err)
	}

	attempts, err := s.counter(ctx, otpAttemptsPrefix+record.ID)
	if err != nil {
		return nil, err
	}

	s.stats.resent(recipient)
	s.metrics.OTPEvent("resent", string(record.Channel))
	util.Info("OTP resent", zap.String("otp_id", record.ID), zap.Int64("resend", n), zap.String("key", maskKey(key)))

	return &model.OTPResponse{
		Success:           true,
		Message:           "OTP resent successfully",
		OTPID:             record.ID,
		Channel:           record.Channel,
		MaskedRecipient:   MaskRecipient(recipient),
		ExpiresAt:         record.ExpiresAt,
		RemainingAttempts: max(0, s.policy.MaxAttempts-attempts),
		RemainingResends:  max(0, s.policy.MaxResends-int(n)),
	}, nil
}

// InvalidateOTPs removes every live passcode of recipient across purposes.
func (s *OTPService) InvalidateOTPs(ctx context.Context, recipient string) (int, error) {
	recipient = util.NormalizeRecipient(recipient)
	if recipient == "" {
		return 0, autherr.Validation("recipient is required")
	}

	unlock := s.locker.Lock(recipient)
	defer unlock()

	indexKey := otpIndexKey(recipient)
	purposes, err := s.store.SetMembers(ctx, indexKey)
	if err != nil {
		return 0, autherr.Internal("failed to list OTP records", err)
	}

	removed := 0
	for _, purpose := range purposes {
		key := otpKey(recipient, purpose)
		record, err := s.load(ctx, key)
		if err != nil {
			return removed, err
		}
		if record == nil {
			continue
		}
		n, err := s.store.Delete(ctx, key)
		if err != nil {
			return removed, autherr.Internal("failed to delete OTP record", err)
		}
		s.deleteCounters(ctx, record.ID)
		removed += int(n)
	}
	if _, err := s.store.Delete(ctx, indexKey); err != nil {
		util.Warn("Failed to delete OTP index", zap.Error(err))
	}

	if removed > 0 {
		s.metrics.OTPEvent("invalidated", "")
		s.publisher.Publish(ctx, &model.SecurityEvent{
			Type:    model.EventOTPInvalidated,
			Subject: recipient,
			Outcome: "invalidated",
			Details: map[string]string{"count": strconv.Itoa(removed)},
		})
	}
	util.Info("OTP codes invalidated",
		util.Recipient(recipient),
		zap.Int("count", removed))
	return removed, nil
}

// OTPStatus describes the live passcode without exposing it.
func (s *OTPService) OTPStatus(ctx context.Context, recipient, purpose string) (*model.OTPStatus, error) {
	recipient = util.NormalizeRecipient(recipient)
	record, err := s.load(ctx, otpKey(recipient, purpose))
	if err != nil {
		return nil, err
	}
	if record == nil || record.IsExpired(s.clock()) {
		return nil, autherr.New(autherr.ErrNotFound, "No active OTP found")
	}

	attempts, err := s.counter(ctx, otpAttemptsPrefix+record.ID)
	if err != nil {
		return nil, err
	}
	resends, err := s.counter(ctx, otpResendsPrefix+record.ID)
	if err != nil {
		return nil, err
	}
	return &model.OTPStatus{
		OTPID:             record.ID,
		Channel:           record.Channel,
		Purpose:           record.Purpose,
		MaskedRecipient:   MaskRecipient(recipient),
		ExpiresAt:         record.ExpiresAt,
		RemainingAttempts: max(0, s.policy.MaxAttempts-attempts),
		RemainingResends:  max(0, s.policy.MaxResends-resends),
	}, nil
}

func (s *OTPService) Statistics(recipient string) *model.OTPStatistics {
	return s.stats.get(util.NormalizeRecipient(recipient))
}

func (s *OTPService) GlobalStatistics() *model.OTPStatistics {
	return s.stats.global()
}

// latest picks the newest unexpired record of recipient; expired ones met
// on the way are purged and index entries without a record are dropped.
func (s *OTPService) latest(ctx context.Context, recipient string, now time.Time) (*model.OTPRecord, string, error) {
	purposes, err := s.store.SetMembers(ctx, otpIndexKey(recipient))
	if err != nil {
		return nil, "", autherr.Internal("failed to list OTP records", err)
	}

	var best *model.OTPRecord
	var bestKey string
	var stale []string
	for _, purpose := range purposes {
		key := otpKey(recipient, purpose)
		record, err := s.load(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if record == nil {
			stale = append(stale, purpose)
			continue
		}
		if record.IsExpired(now) {
			s.purge(ctx, record)
			continue
		}
		if best == nil || record.NewerThan(best) {
			best, bestKey = record, key
		}
	}
	if len(stale) > 0 {
		if err := s.store.SetRemove(ctx, otpIndexKey(recipient), stale...); err != nil {
			util.Warn("Failed to prune OTP index", zap.Error(err))
		}
	}
	return best, bestKey, nil
}

func (s *OTPService) load(ctx context.Context, key string) (*model.OTPRecord, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, model.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, autherr.Internal("failed to read OTP record", err)
	}
	var record model.OTPRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, autherr.Internal("corrupt OTP record", err)
	}
	return &record, nil
}

func (s *OTPService) save(ctx context.Context, key string, record *model.OTPRecord, now time.Time) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return autherr.Internal("failed to encode OTP record", err)
	}
	if err := s.store.Set(ctx, key, raw, record.ExpiresAt.Sub(now)); err != nil {
		return autherr.Internal("failed to store OTP record", err)
	}
	return nil
}

func (s *OTPService) counter(ctx context.Context, key string) (int, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, model.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, autherr.Internal("failed to read OTP counter", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, autherr.Internal("corrupt OTP counter", err)
	}
	return n, nil
}

func (s *OTPService) deleteCounters(ctx context.Context, id string) {
	if _, err := s.store.Delete(ctx, otpAttemptsPrefix+id, otpResendsPrefix+id); err != nil {
		util.Warn("Failed to delete OTP counters", zap.String("otp_id", id), zap.Error(err))
	}
}

func (s *OTPService) purge(ctx context.Context, record *model.OTPRecord) {
	key := otpKey(record.Recipient, record.Purpose)
	if _, err := s.store.Delete(ctx, key, otpAttemptsPrefix+record.ID, otpResendsPrefix+record.ID); err != nil {
		util.Warn("Failed to purge OTP record", zap.String("otp_id", record.ID), zap.Error(err))
	}
	if err := s.store.SetRemove(ctx, otpIndexKey(record.Recipient), record.Purpose); err != nil {
		util.Warn("Failed to update OTP index", zap.String("otp_id", record.ID), zap.Error(err))
	}
}

// maskKey keeps the purpose of an otp key and hides the recipient.
func maskKey(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return otpKeyPrefix + "***" + key[i:]
	}
	return "***"
}
