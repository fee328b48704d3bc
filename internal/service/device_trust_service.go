package service

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/config"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	defaultRiskScore     = 30
	maxDeviceInfoLength  = 2048
	statusChangeAttempts = 3

	ReasonDeviceTrusted    = "DEVICE_TRUSTED"
	ReasonDeviceNotTrusted = "DEVICE_NOT_TRUSTED"
	ReasonDeviceNotFound   = "DEVICE_NOT_FOUND"
)

var errAlreadyRevoked = errors.New("device already revoked")

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	ipv4Pattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	sessionPattern    = regexp.MustCompile(`session[a-z0-9]+`)

	tabletPattern  = regexp.MustCompile(`(?i)ipad|tablet`)
	iosPattern     = regexp.MustCompile(`(?i)iphone|ipod|\bios\b`)
	androidPattern = regexp.MustCompile(`(?i)android|mobile`)
	desktopPattern = regexp.MustCompile(`(?i)windows|macintosh|linux`)
)

type DevicePolicy struct {
	Expiration          time.Duration
	MaxPerUser          int
	InactiveRevokeAfter time.Duration
	RiskThreshold       int
}

func DefaultDevicePolicy() DevicePolicy {
	return DevicePolicy{
		Expiration:          30 * 24 * time.Hour,
		MaxPerUser:          10,
		InactiveRevokeAfter: 90 * 24 * time.Hour,
		RiskThreshold:       70,
	}
}

func DevicePolicyFromConfig(cfg config.DeviceConfig) DevicePolicy {
	p := DefaultDevicePolicy()
	if cfg.Expiration > 0 {
		p.Expiration = cfg.Expiration
	}
	if cfg.MaxPerUser > 0 {
		p.MaxPerUser = cfg.MaxPerUser
	}
	if cfg.InactiveRevokeAfter > 0 {
		p.InactiveRevokeAfter = cfg.InactiveRevokeAfter
	}
	if cfg.RiskThreshold > 0 {
		p.RiskThreshold = cfg.RiskThreshold
	}
	return p
}

type DeviceTrustService struct {
	repo      model.DeviceRepository
	policy    DevicePolicy
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     func() time.Time
}

func NewDeviceTrustService(repo model.DeviceRepository, policy DevicePolicy, publisher events.Publisher, m *metrics.Metrics) *DeviceTrustService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DeviceTrustService{
		repo:      repo,
		policy:    policy,
		publisher: publisher,
		metrics:   m,
		clock:     time.Now,
	}
}

func (s *DeviceTrustService) WithClock(clock func() time.Time) *DeviceTrustService {
	s.clock = clock
	return s
}

// NormalizeDeviceInfo strips the volatile parts of a device description so
// the same device keeps the same fingerprint across sessions and networks.
func NormalizeDeviceInfo(info string) string {
	n := strings.ToLower(info)
	n = whitespacePattern.ReplaceAllString(n, " ")
	n = ipv4Pattern.ReplaceAllString(n, "")
	n = sessionPattern.ReplaceAllString(n, "")
	n = whitespacePattern.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// GenerateFingerprint returns the 64-character hex SHA-256 of the normalised info.
func GenerateFingerprint(info string) string {
	return hashing.HashFingerprint(NormalizeDeviceInfo(info))
}

// DetectDeviceType classifies a user agent. Tablets are checked before
// phones because iPad agents also match the mobile patterns.
func DetectDeviceType(userAgent string) model.DeviceType {
	switch {
	case userAgent == "":
		return model.DeviceWeb
	case tabletPattern.MatchString(userAgent):
		return model.DeviceTablet
	case iosPattern.MatchString(userAgent):
		return model.DeviceMobileIOS
	case androidPattern.MatchString(userAgent):
		return model.DeviceMobileAndroid
	case desktopPattern.MatchString(userAgent):
		return model.DeviceDesktop
	default:
		return model.DeviceWeb
	}
}

func detectOS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "mac os"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

// detectBrowser checks Edge before Chrome and Chrome before Safari since
// their agents embed each other's tokens.
func detectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg"):
		return "Edge"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "chrome"):
		return "Chrome"
	case strings.Contains(ua, "safari"):
		return "Safari"
	default:
		return "Unknown"
	}
}

func validateDeviceInfo(userID, info string) error {
	if userID == "" {
		return autherr.Validation("user id is required")
	}
	if strings.TrimSpace(info) == "" {
		return autherr.Validation("device info is required")
	}
	if len(info) > maxDeviceInfoLength {
		return autherr.Validation("device info exceeds %d characters", maxDeviceInfoLength)
	}
	return nil
}

// VerifyDeviceTrust looks the device up for userID and records the visit.
// Unknown, expired and non-TRUSTED devices all come back untrusted.
func (s *DeviceTrustService) VerifyDeviceTrust(ctx context.Context, userID, info string) (*model.DeviceVerification, error) {
	if err := validateDeviceInfo(userID, info); err != nil {
		return nil, err
	}
	fingerprint := GenerateFingerprint(info)

	device, err := s.repo.Find(ctx, userID, fingerprint)
	if errors.Is(err, model.ErrDeviceNotFound) {
		return s.unknownDevice(fingerprint), nil
	}
	if err != nil {
		return nil, autherr.Internal("failed to look up device", err)
	}

	now := s.clock()
	risk := s.assessRisk(device, now)

	if device.TrustStatus == model.TrustTrusted && device.IsExpired(now) {
		err := s.repo.SetStatus(ctx, userID, fingerprint, model.TrustTrusted, model.TrustExpired)
		switch {
		case err == nil:
			util.Info("Device trust expired",
				zap.String("user_id", userID),
				zap.String("device_id", device.DeviceID))
		case errors.Is(err, model.ErrDeviceStateChanged), errors.Is(err, model.ErrDeviceNotFound):
		default:
			return nil, autherr.Internal("failed to expire device", err)
		}
	}

	// The decision uses the record as it stands after the visit is
	// recorded, never the copy read above.
	device, err = s.repo.Touch(ctx, userID, fingerprint, now)
	if errors.Is(err, model.ErrDeviceNotFound) {
		return s.unknownDevice(fingerprint), nil
	}
	if err != nil {
		return nil, autherr.Internal("failed to update device", err)
	}

	trusted := device.IsTrusted(now)
	v := &model.DeviceVerification{
		Trusted:                trusted,
		Status:                 device.TrustStatus,
		Fingerprint:            fingerprint,
		Device:                 device.Clone(),
		Risk:                   risk,
		RecommendedAction:      actionFor(risk.Level),
		RequiresAdditionalAuth: !trusted,
		AllowExtendedSession:   trusted && risk.Score < s.policy.RiskThreshold,
	}
	if trusted {
		v.ReasonCode = ReasonDeviceTrusted
		v.ReasonMessage = "Device is verified and trusted"
		s.metrics.DeviceVerification("trusted")
	} else {
		v.ReasonCode = ReasonDeviceNotTrusted
		v.ReasonMessage = "Device trust verification failed"
		s.metrics.DeviceVerification(strings.ToLower(string(device.TrustStatus)))
	}
	return v, nil
}

func (s *DeviceTrustService) unknownDevice(fingerprint string) *model.DeviceVerification {
	s.metrics.DeviceVerification("unknown")
	return &model.DeviceVerification{
		Fingerprint:            fingerprint,
		RecommendedAction:      model.ActionRequireFullAuth,
		RequiresAdditionalAuth: true,
		ReasonCode:             ReasonDeviceNotFound,
		ReasonMessage:          "Device is not registered",
	}
}

// assessRisk must run before LastUsedAt is refreshed.
func (s *DeviceTrustService) assessRisk(device *model.DeviceFingerprint, now time.Time) *model.RiskAssessment {
	score := device.RiskScore
	if score == 0 {
		score = defaultRiskScore
	}

	days := 0
	if !device.LastUsedAt.IsZero() {
		days = int(now.Sub(device.LastUsedAt) / (24 * time.Hour))
	}

	var factors []string
	switch {
	case days > 30:
		score += 20
		factors = append(factors, "Long period since last use")
	case days > 7:
		score += 10
	}
	if device.UsageCount < 5 {
		factors = append(factors, "Limited usage history")
	}
	if device.RiskScore > 50 {
		factors = append(factors, "Elevated risk profile")
	}
	if score > 100 {
		score = 100
	}

	return &model.RiskAssessment{
		Score:            score,
		Level:            riskLevel(score),
		Factors:          factors,
		DaysSinceLastUse: days,
	}
}

func riskLevel(score int) model.RiskLevel {
	switch {
	case score < 30:
		return model.RiskLow
	case score < 60:
		return model.RiskMedium
	case score < 85:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

func actionFor(level model.RiskLevel) model.RecommendedAction {
	switch level {
	case model.RiskLow:
		return model.ActionAllow
	case model.RiskMedium:
		return model.ActionAllowWithMFA
	case model.RiskHigh:
		return model.ActionRequireFullAuth
	default:
		return model.ActionBlock
	}
}

// RegisterTrustedDevice creates a TRUSTED record for the pair. A lapsed
// record (EXPIRED, REVOKED or TRUSTED past its expiry) is replaced by a
// fresh one. Both writes are conditional, so of two concurrent
// registrations one gets ErrDuplicateRegistration.
func (s *DeviceTrustService) RegisterTrustedDevice(ctx context.Context, req model.DeviceRegistrationRequest) (*model.DeviceFingerprint, error) {
	if err := validateDeviceInfo(req.UserID, req.DeviceInfo); err != nil {
		return nil, err
	}
	if len(req.DeviceName) > 128 {
		return nil, autherr.Validation("device name exceeds 128 characters")
	}

	trusted, err := s.GetTrustedDevices(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(trusted) >= s.policy.MaxPerUser {
		return nil, autherr.Validation("Maximum number of trusted devices (%d) reached", s.policy.MaxPerUser)
	}

	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = DetectDeviceType(req.UserAgent)
	} else if _, ok := model.ParseDeviceType(string(deviceType)); !ok {
		return nil, autherr.Validation("unknown device type %q", req.DeviceType)
	}

	now := s.clock()
	device := &model.DeviceFingerprint{
		DeviceID:       uuid.New().String(),
		UserID:         req.UserID,
		Fingerprint:    GenerateFingerprint(req.DeviceInfo),
		DeviceName:     util.SanitizeInput(req.DeviceName),
		DeviceType:     deviceType,
		OSInfo:         detectOS(req.UserAgent),
		BrowserInfo:    detectBrowser(req.UserAgent),
		RegistrationIP: req.IPAddress,
		TrustStatus:    model.TrustPending,
		RegisteredAt:   now,
		LastUsedAt:     now,
		ExpiresAt:      now.Add(s.policy.Expiration),
		UsageCount:     1,
		RiskScore:      defaultRiskScore,
	}
	if device.DeviceName == "" {
		device.DeviceName = deviceType.DisplayName()
	}
	if !device.TrustStatus.CanTransition(model.TrustTrusted) {
		return nil, autherr.Internal("invalid device state", nil)
	}
	device.TrustStatus = model.TrustTrusted

	err = s.repo.Insert(ctx, device)
	if errors.Is(err, model.ErrDeviceExists) {
		err = s.reregister(ctx, device, now)
	}
	if errors.Is(err, model.ErrDeviceExists) || errors.Is(err, model.ErrDeviceStateChanged) {
		return nil, autherr.New(autherr.ErrDuplicateRegistration, "Device is already registered for this user")
	}
	if err != nil {
		return nil, autherr.Internal("failed to register device", err)
	}

	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:              model.EventDeviceRegistered,
		UserID:            device.UserID,
		DeviceFingerprint: device.Fingerprint,
		IPAddress:         device.RegistrationIP,
		Outcome:           string(device.TrustStatus),
		RiskScore:         device.RiskScore,
		Details:           map[string]string{"device_type": string(device.DeviceType)},
	})
	util.Info("Trusted device registered",
		zap.String("user_id", device.UserID),
		zap.String("device_id", device.DeviceID),
		zap.String("device_type", string(device.DeviceType)))
	return device.Clone(), nil
}

// reregister swaps a lapsed record for device. A live TRUSTED, SUSPENDED or
// PENDING record yields ErrDeviceExists.
func (s *DeviceTrustService) reregister(ctx context.Context, device *model.DeviceFingerprint, now time.Time) error {
	existing, err := s.repo.Find(ctx, device.UserID, device.Fingerprint)
	if errors.Is(err, model.ErrDeviceNotFound) {
		return s.repo.Insert(ctx, device)
	}
	if err != nil {
		return err
	}

	from := existing.TrustStatus
	switch {
	case from == model.TrustTrusted && existing.IsExpired(now):
		if err := s.repo.SetStatus(ctx, device.UserID, device.Fingerprint, from, model.TrustExpired); err != nil {
			return err
		}
		from = model.TrustExpired
	case from == model.TrustExpired, from == model.TrustRevoked:
	default:
		return model.ErrDeviceExists
	}

	if err := s.repo.Replace(ctx, device, from); err != nil {
		return err
	}
	util.Info("Lapsed device registered again",
		zap.String("user_id", device.UserID),
		zap.String("device_id", device.DeviceID),
		zap.String("previous_status", string(from)))
	return nil
}

// RevokeTrustedDevice reports false when there is no record. Revoking a
// revoked device succeeds without change.
func (s *DeviceTrustService) RevokeTrustedDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	_, err := s.changeStatus(ctx, userID, fingerprint, model.TrustRevoked, func(from model.TrustStatus) error {
		if from == model.TrustRevoked {
			return errAlreadyRevoked
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyRevoked):
		return true, nil
	case errors.Is(err, autherr.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:              model.EventDeviceRevoked,
		UserID:            userID,
		DeviceFingerprint: fingerprint,
		Outcome:           string(model.TrustRevoked),
	})
	return true, nil
}

func (s *DeviceTrustService) SuspendDevice(ctx context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	return s.changeStatus(ctx, userID, fingerprint, model.TrustSuspended, nil)
}

// ReinstateDevice moves a suspended device back to TRUSTED.
func (s *DeviceTrustService) ReinstateDevice(ctx context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	return s.changeStatus(ctx, userID, fingerprint, model.TrustTrusted, func(from model.TrustStatus) error {
		if from != model.TrustSuspended {
			return autherr.Validation("only suspended devices can be reinstated, device is %s", from)
		}
		return nil
	})
}

func (s *DeviceTrustService) find(ctx context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	if userID == "" || fingerprint == "" {
		return nil, autherr.Validation("user id and fingerprint are required")
	}
	device, err := s.repo.Find(ctx, userID, fingerprint)
	if errors.Is(err, model.ErrDeviceNotFound) {
		return nil, autherr.New(autherr.ErrNotFound, "Device not found")
	}
	if err != nil {
		return nil, autherr.Internal("failed to look up device", err)
	}
	return device, nil
}

// changeStatus moves the device to `to` with a conditional write on the
// status it read. When another writer got there first it reads again, so
// guard and the transition table always judge the current status.
func (s *DeviceTrustService) changeStatus(
	ctx context.Context,
	userID, fingerprint string,
	to model.TrustStatus,
	guard func(from model.TrustStatus) error,
) (*model.DeviceFingerprint, error) {
	for attempt := 0; attempt < statusChangeAttempts; attempt++ {
		device, err := s.find(ctx, userID, fingerprint)
		if err != nil {
			return nil, err
		}
		from := device.TrustStatus
		if guard != nil {
			if err := guard(from); err != nil {
				return nil, err
			}
		}
		if !from.CanTransition(to) {
			return nil, autherr.Validation("device cannot move from %s to %s", from, to)
		}

		err = s.repo.SetStatus(ctx, userID, fingerprint, from, to)
		if errors.Is(err, model.ErrDeviceStateChanged) {
			continue
		}
		if errors.Is(err, model.ErrDeviceNotFound) {
			return nil, autherr.New(autherr.ErrNotFound, "Device not found")
		}
		if err != nil {
			return nil, autherr.Internal("failed to update device", err)
		}

		device.TrustStatus = to
		util.Info("Device trust status changed",
			zap.String("user_id", userID),
			zap.String("device_id", device.DeviceID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return device, nil
	}
	return nil, autherr.Internal("device status kept changing", model.ErrDeviceStateChanged)
}

// GetTrustedDevices lists live TRUSTED devices, most recently used first.
func (s *DeviceTrustService) GetTrustedDevices(ctx context.Context, userID string) ([]*model.DeviceFingerprint, error) {
	if userID == "" {
		return nil, autherr.Validation("user id is required")
	}
	devices, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, autherr.Internal("failed to list devices", err)
	}
	now := s.clock()
	trusted := make([]*model.DeviceFingerprint, 0, len(devices))
	for _, d := range devices {
		if d.IsTrusted(now) {
			trusted = append(trusted, d)
		}
	}
	sort.Slice(trusted, func(i, j int) bool {
		if !trusted[i].LastUsedAt.Equal(trusted[j].LastUsedAt) {
			return trusted[i].LastUsedAt.After(trusted[j].LastUsedAt)
		}
		return trusted[i].DeviceID < trusted[j].DeviceID
	})
	return trusted, nil
}

// CleanupExpiredDevices expires lapsed trust and revokes long-idle devices.
// It returns the number of records changed.
func (s *DeviceTrustService) CleanupExpiredDevices(ctx context.Context) (int, error) {
	devices, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, autherr.Internal("failed to list devices", err)
	}

	now := s.clock()
	idleCutoff := now.Add(-s.policy.InactiveRevokeAfter)
	changed := 0
	for _, d := range devices {
		var to model.TrustStatus
		switch {
		case d.TrustStatus == model.TrustRevoked:
			continue
		case d.LastUsedAt.Before(idleCutoff):
			to = model.TrustRevoked
		case d.TrustStatus == model.TrustTrusted && d.IsExpired(now):
			to = model.TrustExpired
		default:
			continue
		}
		if !d.TrustStatus.CanTransition(to) {
			continue
		}
		err := s.repo.SetStatus(ctx, d.UserID, d.Fingerprint, d.TrustStatus, to)
		if errors.Is(err, model.ErrDeviceStateChanged) || errors.Is(err, model.ErrDeviceNotFound) {
			continue
		}
		if err != nil {
			return changed, autherr.Internal("failed to update device", err)
		}
		changed++
	}

	util.Info("Device cleanup finished", zap.Int("updated", changed))
	return changed, nil
}
