package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/bucketing"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	ReasonSessionLimit = "session_limit_exceeded"
	ReasonExpired      = "expired"
	ReasonInactive     = "inactive"
	ReasonUserRevoked  = "user_revoked"
	ReasonTokenRevoked = "access_token_revoked"
)

// StartSessionResult is what a login hands back to the client.
type StartSessionResult struct {
	Session *model.Session            `json:"session"`
	Tokens  *model.TokenPair          `json:"tokens"`
	Device  *model.DeviceVerification `json:"device,omitempty"`
}

// SessionService manages refresh-token sessions. Rotation correctness rests
// on the repository's compare-and-set; the per-user lock only keeps the
// session cap accurate within one process.
type SessionService struct {
	repo      model.SessionRepository
	policy    SessionPolicy
	locker    *bucketing.Locker
	issuer    *TokenIssuer
	devices   *DeviceTrustService
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     func() time.Time
}

func NewSessionService(
	repo model.SessionRepository,
	policy SessionPolicy,
	locker *bucketing.Locker,
	issuer *TokenIssuer,
	devices *DeviceTrustService,
	publisher events.Publisher,
	m *metrics.Metrics,
) *SessionService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &SessionService{
		repo:      repo,
		policy:    policy,
		locker:    locker,
		issuer:    issuer,
		devices:   devices,
		publisher: publisher,
		metrics:   m,
		clock:     time.Now,
	}
}

func (s *SessionService) WithClock(clock func() time.Time) *SessionService {
	s.clock = clock
	return s
}

// CreateSession stores a session for an already issued refresh token,
// evicting the least recently active sessions beyond the per-user cap.
func (s *SessionService) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.Session, error) {
	return s.create(ctx, uuid.New().String(), req)
}

func (s *SessionService) create(ctx context.Context, id string, req model.CreateSessionRequest) (*model.Session, error) {
	if req.UserID == "" {
		return nil, autherr.Validation("user id is required")
	}
	if req.RefreshToken == "" {
		return nil, autherr.Validation("refresh token is required")
	}
	deviceType := req.DeviceType
	if deviceType == "" {
		deviceType = model.DeviceWeb
	}
	if _, ok := model.ParseDeviceType(string(deviceType)); !ok {
		return nil, autherr.Validation("unknown device type %q", req.DeviceType)
	}

	unlock := s.locker.Lock("session:" + req.UserID)
	defer unlock()

	now := s.clock()
	if err := s.enforceLimit(ctx, req.UserID, now); err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:                id,
		UserID:            req.UserID,
		RefreshTokenHash:  hashing.HashToken(req.RefreshToken),
		AccessTokenJTI:    req.AccessTokenJTI,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceType:        deviceType,
		DeviceName:        req.DeviceName,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		Trusted:           req.Trusted,
		Active:            true,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         s.policy.ExpiryFor(req.Trusted, deviceType, now),
		Metadata:          req.Metadata,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, autherr.Internal("failed to create session", err)
	}

	s.metrics.SessionCreated()
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:              model.EventSessionCreated,
		UserID:            session.UserID,
		SessionID:         session.ID,
		DeviceFingerprint: session.DeviceFingerprint,
		IPAddress:         session.IPAddress,
		Outcome:           "created",
		Details:           map[string]string{"device_type": string(deviceType)},
	})
	util.Info("Session created",
		zap.String("user_id", session.UserID),
		zap.String("session_id", session.ID),
		zap.Bool("trusted", session.Trusted),
		zap.Time("expires_at", session.ExpiresAt))

	return session.Clone(), nil
}

// enforceLimit deactivates the least recently active sessions until there
// is room for one more.
func (s *SessionService) enforceLimit(ctx context.Context, userID string, now time.Time) error {
	sessions, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return autherr.Internal("failed to list sessions", err)
	}

	active := make([]*model.Session, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Active {
			continue
		}
		if sess.IsExpired(now) {
			if _, err := s.repo.Deactivate(ctx, sess.ID, ReasonExpired, now); err != nil {
				return autherr.Internal("failed to deactivate expired session", err)
			}
			continue
		}
		active = append(active, sess)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].LessRecentlyActive(active[j]) })
	for len(active) >= s.policy.MaxPerUser {
		victim := active[0]
		active = active[1:]
		if _, err := s.repo.Deactivate(ctx, victim.ID, ReasonSessionLimit, now); err != nil {
			return autherr.Internal("failed to evict session", err)
		}
		util.Info("Session evicted for limit",
			zap.String("user_id", userID),
			zap.String("session_id", victim.ID))
	}
	return nil
}

// RotateRefreshToken swaps oldToken for newToken. Exactly one presentation
// of a refresh token can succeed; later ones fail with ErrInvalidToken.
func (s *SessionService) RotateRefreshToken(ctx context.Context, oldToken, newToken, newJTI string) (*model.Session, error) {
	if oldToken == "" || newToken == "" {
		return nil, autherr.Validation("refresh tokens are required")
	}
	if oldToken == newToken {
		return nil, autherr.Validation("new refresh token must differ from the old one")
	}
	oldHash := hashing.HashToken(oldToken)

	session, err := s.repo.FindActiveByTokenHash(ctx, oldHash)
	if errors.Is(err, model.ErrSessionNotFound) {
		s.rejectRotation(ctx, "", "unknown_token")
		return nil, autherr.New(autherr.ErrInvalidToken, "Invalid or expired refresh token")
	}
	if err != nil {
		return nil, autherr.Internal("failed to find session", err)
	}

	now := s.clock()
	if session.IsExpired(now) {
		if _, err := s.repo.Deactivate(ctx, session.ID, ReasonExpired, now); err != nil {
			util.Warn("Failed to deactivate expired session", zap.String("session_id", session.ID), zap.Error(err))
		}
		s.metrics.SessionRotation("expired")
		return nil, autherr.New(autherr.ErrExpired, "Refresh token expired")
	}

	newHash := hashing.HashToken(newToken)
	err = s.repo.RotateToken(ctx, session.ID, oldHash, newHash, newJTI, now)
	if errors.Is(err, model.ErrRotationConflict) || errors.Is(err, model.ErrSessionNotFound) {
		s.rejectRotation(ctx, session.ID, "lost_race")
		return nil, autherr.New(autherr.ErrInvalidToken, "Invalid or expired refresh token")
	}
	if err != nil {
		return nil, autherr.Internal("failed to rotate refresh token", err)
	}

	session.RefreshTokenHash = newHash
	session.AccessTokenJTI = newJTI
	session.LastActivityAt = now

	s.metrics.SessionRotation("rotated")
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:      model.EventSessionRotated,
		UserID:    session.UserID,
		SessionID: session.ID,
		Outcome:   "rotated",
	})
	util.Debug("Refresh token rotated", zap.String("session_id", session.ID))
	return session, nil
}

func (s *SessionService) rejectRotation(ctx context.Context, sessionID, reason string) {
	s.metrics.SessionRotation("rejected")
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:      model.EventSessionReplay,
		SessionID: sessionID,
		Outcome:   reason,
	})
	util.Warn("Refresh token rejected",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
}

// ValidateRefreshToken resolves token to its live session without changing
// it, except that a lapsed session is deactivated.
func (s *SessionService) ValidateRefreshToken(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, autherr.Validation("refresh token is required")
	}
	session, err := s.repo.FindActiveByTokenHash(ctx, hashing.HashToken(token))
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil, autherr.New(autherr.ErrInvalidToken, "Invalid or expired refresh token")
	}
	if err != nil {
		return nil, autherr.Internal("failed to find session", err)
	}

	now := s.clock()
	if session.IsExpired(now) {
		if _, err := s.repo.Deactivate(ctx, session.ID, ReasonExpired, now); err != nil {
			util.Warn("Failed to deactivate expired session", zap.String("session_id", session.ID), zap.Error(err))
		}
		return nil, autherr.New(autherr.ErrExpired, "Refresh token expired")
	}
	return session, nil
}

// StartSession issues tokens for a freshly authenticated user. Device info,
// when given, decides whether the session is trusted.
func (s *SessionService) StartSession(ctx context.Context, req model.StartSessionRequest) (*StartSessionResult, error) {
	if req.UserID == "" {
		return nil, autherr.Validation("user id is required")
	}
	if s.issuer == nil {
		return nil, autherr.Internal("token issuer not configured", nil)
	}

	var verification *model.DeviceVerification
	var fingerprint string
	trusted := false
	if req.DeviceInfo != "" && s.devices != nil {
		v, err := s.devices.VerifyDeviceTrust(ctx, req.UserID, req.DeviceInfo)
		if err != nil {
			return nil, err
		}
		verification = v
		fingerprint = v.Fingerprint
		trusted = v.Trusted

		if !trusted && req.TrustDevice {
			_, err := s.devices.RegisterTrustedDevice(ctx, model.DeviceRegistrationRequest{
				UserID:     req.UserID,
				DeviceInfo: req.DeviceInfo,
				DeviceName: req.DeviceName,
				DeviceType: req.DeviceType,
				UserAgent:  req.UserAgent,
				IPAddress:  req.IPAddress,
			})
			switch {
			case err == nil:
				trusted = true
			case errors.Is(err, autherr.ErrDuplicateRegistration), errors.Is(err, autherr.ErrValidation):
				util.Info("Device not trusted at login", zap.String("user_id", req.UserID), zap.Error(err))
			default:
				return nil, err
			}
		}
	}

	id := uuid.New().String()
	tokens, err := s.issuer.Issue(req.UserID, id)
	if err != nil {
		return nil, err
	}

	session, err := s.create(ctx, id, model.CreateSessionRequest{
		UserID:            req.UserID,
		RefreshToken:      tokens.RefreshToken,
		AccessTokenJTI:    tokens.AccessTokenJTI,
		DeviceFingerprint: fingerprint,
		DeviceType:        req.DeviceType,
		DeviceName:        req.DeviceName,
		Trusted:           trusted,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	tokens.SessionExpiresAt = session.ExpiresAt

	return &StartSessionResult{Session: session, Tokens: tokens, Device: verification}, nil
}

// Refresh exchanges a refresh token for a new token pair on the same session.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*StartSessionResult, error) {
	if s.issuer == nil {
		return nil, autherr.Internal("token issuer not configured", nil)
	}
	current, err := s.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	tokens, err := s.issuer.Issue(current.UserID, current.ID)
	if err != nil {
		return nil, err
	}
	session, err := s.RotateRefreshToken(ctx, refreshToken, tokens.RefreshToken, tokens.AccessTokenJTI)
	if err != nil {
		return nil, err
	}
	tokens.SessionExpiresAt = session.ExpiresAt
	return &StartSessionResult{Session: session, Tokens: tokens}, nil
}

// RevokeSession deactivates id. Revoking an inactive session is a no-op.
func (s *SessionService) RevokeSession(ctx context.Context, id, reason string) error {
	session, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, model.ErrSessionNotFound) {
		return autherr.New(autherr.ErrNotFound, "Session not found")
	}
	if err != nil {
		return autherr.Internal("failed to find session", err)
	}
	_, err = s.deactivate(ctx, session, reason)
	return err
}

func (s *SessionService) deactivate(ctx context.Context, session *model.Session, reason string) (bool, error) {
	if reason == "" {
		reason = ReasonUserRevoked
	}
	changed, err := s.repo.Deactivate(ctx, session.ID, reason, s.clock())
	if errors.Is(err, model.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, autherr.Internal("failed to revoke session", err)
	}
	if changed {
		s.publisher.Publish(ctx, &model.SecurityEvent{
			Type:      model.EventSessionRevoked,
			UserID:    session.UserID,
			SessionID: session.ID,
			Outcome:   reason,
		})
		util.Info("Session revoked",
			zap.String("session_id", session.ID),
			zap.String("reason", reason))
	}
	return changed, nil
}

func (s *SessionService) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	sessions, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return 0, autherr.Internal("failed to list sessions", err)
	}
	revoked := 0
	for _, session := range sessions {
		if !session.Active {
			continue
		}
		changed, err := s.deactivate(ctx, session, reason)
		if err != nil {
			return revoked, err
		}
		if changed {
			revoked++
		}
	}
	return revoked, nil
}

func (s *SessionService) RevokeByAccessToken(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, autherr.Validation("access token id is required")
	}
	session, err := s.repo.FindByAccessTokenJTI(ctx, jti)
	if errors.Is(err, model.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, autherr.Internal("failed to find session", err)
	}
	return s.deactivate(ctx, session, ReasonTokenRevoked)
}

func (s *SessionService) TrustDevice(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.setTrusted(ctx, sessionID, true)
}

func (s *SessionService) UntrustDevice(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.setTrusted(ctx, sessionID, false)
}

// setTrusted writes only the trust flag and expiry, and only while the
// session is active, so a concurrent rotation or revocation is never undone.
func (s *SessionService) setTrusted(ctx context.Context, sessionID string, trusted bool) (*model.Session, error) {
	session, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	expiresAt := s.policy.ExpiryFor(trusted, session.DeviceType, now)
	if err := s.mutationErr(s.repo.SetTrust(ctx, sessionID, trusted, expiresAt, now)); err != nil {
		return nil, err
	}
	util.Info("Session trust changed",
		zap.String("session_id", sessionID),
		zap.Bool("trusted", trusted))
	return s.reload(ctx, sessionID)
}

func (s *SessionService) ExtendSession(ctx context.Context, sessionID string, by time.Duration) (*model.Session, error) {
	if by <= 0 {
		return nil, autherr.Validation("extension must be positive")
	}
	session, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.mutationErr(s.repo.ExtendExpiry(ctx, sessionID, session.ExpiresAt.Add(by))); err != nil {
		return nil, err
	}
	return s.reload(ctx, sessionID)
}

func (s *SessionService) mutationErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrSessionNotFound):
		return autherr.New(autherr.ErrNotFound, "Session not found")
	case errors.Is(err, model.ErrSessionInactive):
		return autherr.New(autherr.ErrExpired, "Session is no longer active")
	default:
		return autherr.Internal("failed to update session", err)
	}
}

func (s *SessionService) reload(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil, autherr.New(autherr.ErrNotFound, "Session not found")
	}
	if err != nil {
		return nil, autherr.Internal("failed to find session", err)
	}
	return session, nil
}

func (s *SessionService) liveSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil, autherr.New(autherr.ErrNotFound, "Session not found")
	}
	if err != nil {
		return nil, autherr.Internal("failed to find session", err)
	}
	if !session.IsValid(s.clock()) {
		return nil, autherr.New(autherr.ErrExpired, "Session is no longer active")
	}
	return session, nil
}

func (s *SessionService) GetByAccessTokenJTI(ctx context.Context, jti string) (*model.Session, error) {
	session, err := s.repo.FindByAccessTokenJTI(ctx, jti)
	if errors.Is(err, model.ErrSessionNotFound) {
		return nil, autherr.New(autherr.ErrNotFound, "Session not found")
	}
	if err != nil {
		return nil, autherr.Internal("failed to find session", err)
	}
	return session, nil
}

// ListActiveSessions returns the user's valid sessions, most recently active first.
func (s *SessionService) ListActiveSessions(ctx context.Context, userID string) ([]*model.Session, error) {
	sessions, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, autherr.Internal("failed to list sessions", err)
	}
	now := s.clock()
	active := make([]*model.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.IsValid(now) {
			active = append(active, session)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[j].LessRecentlyActive(active[i]) })
	return active, nil
}

func (s *SessionService) SessionsByDevice(ctx context.Context, userID, fingerprint string) ([]*model.Session, error) {
	active, err := s.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(active))
	for _, session := range active {
		if session.DeviceFingerprint == fingerprint {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *SessionService) UserSessionStats(ctx context.Context, userID string) (*model.SessionStats, error) {
	sessions, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, autherr.Internal("failed to list sessions", err)
	}
	now := s.clock()
	stats := &model.SessionStats{UserID: userID, TotalSessions: len(sessions)}
	for _, session := range sessions {
		if session.LastActivityAt.After(stats.LastActivityAt) {
			stats.LastActivityAt = session.LastActivityAt
		}
		if !session.IsValid(now) {
			continue
		}
		stats.ActiveSessions++
		if session.Trusted {
			stats.TrustedSessions++
		}
		if session.DeviceType.IsMobile() {
			stats.MobileSessions++
		}
	}
	return stats, nil
}

// CleanupExpiredSessions deactivates lapsed sessions and deletes inactive
// ones past the retention window.
func (s *SessionService) CleanupExpiredSessions(ctx context.Context) (deactivated, deleted int, err error) {
	sessions, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, 0, autherr.Internal("failed to list sessions", err)
	}

	now := s.clock()
	for _, session := range sessions {
		if session.Active && session.IsExpired(now) {
			changed, err := s.repo.Deactivate(ctx, session.ID, ReasonExpired, now)
			if err != nil {
				return deactivated, deleted, autherr.Internal("failed to deactivate session", err)
			}
			if changed {
				deactivated++
			}
			session.Active = false
			session.RevokedAt = now
		}
		if !session.Active && s.pastRetention(session, now) {
			if err := s.repo.Delete(ctx, session.ID); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
				return deactivated, deleted, autherr.Internal("failed to delete session", err)
			}
			deleted++
		}
	}

	util.Info("Expired sessions cleaned up",
		zap.Int("deactivated", deactivated),
		zap.Int("deleted", deleted))
	return deactivated, deleted, nil
}

func (s *SessionService) pastRetention(session *model.Session, now time.Time) bool {
	if now.After(session.ExpiresAt.Add(s.policy.Retention)) {
		return true
	}
	return !session.RevokedAt.IsZero() && now.After(session.RevokedAt.Add(s.policy.Retention))
}

// CleanupStaleSessions deactivates sessions idle for longer than inactiveFor.
func (s *SessionService) CleanupStaleSessions(ctx context.Context, inactiveFor time.Duration) (int, error) {
	if inactiveFor <= 0 {
		return 0, autherr.Validation("inactivity threshold must be positive")
	}
	sessions, err := s.repo.ListAll(ctx)
	if err != nil {
		return 0, autherr.Internal("failed to list sessions", err)
	}

	now := s.clock()
	cutoff := now.Add(-inactiveFor)
	stale := 0
	for _, session := range sessions {
		if !session.Active || !session.LastActivityAt.Before(cutoff) {
			continue
		}
		changed, err := s.repo.Deactivate(ctx, session.ID, ReasonInactive, now)
		if err != nil {
			return stale, autherr.Internal("failed to deactivate session", err)
		}
		if changed {
			stale++
		}
	}
	return stale, nil
}
