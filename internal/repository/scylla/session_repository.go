package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
	"auth-core/internal/models"
	"auth-core/internal/util"
)

// SessionRepository stores sessions in sessions_by_id with lookup tables for
// user, refresh token hash and access token id. Rotation and deactivation
// are lightweight transactions on sessions_by_id.
type SessionRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewSessionRepository(client *ScyllaClient, buckets *bucketing.Manager) *SessionRepository {
	return &SessionRepository{client: client, buckets: buckets}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	row := models.NewActiveSession(s, r.buckets.UserBucket(s.UserID))
	p := r.client.Prepared

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(p.InsertSession, row.Values()...)
	batch.Query(p.InsertSessionByUser, row.UserBucket, row.UserID, row.SessionID, row.CreatedAt)
	batch.Query(p.InsertSessionToken, row.RefreshTokenHash, row.SessionID)
	if row.AccessTokenJTI != "" {
		batch.Query(p.InsertSessionJTI, row.AccessTokenJTI, row.SessionID)
	}

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create session",
			zap.String("user_id", s.UserID),
			zap.String("session_id", s.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	row := &models.ActiveSession{}
	err := r.client.Query(ctx, r.client.Prepared.GetSessionByID, id).Scan(row.ScanTargets()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.ToModel(), nil
}

func (r *SessionRepository) lookup(ctx context.Context, stmt, value string) (string, error) {
	var id string
	err := r.client.Query(ctx, stmt, value).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", model.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session: %w", err)
	}
	return id, nil
}

func (r *SessionRepository) FindActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	id, err := r.lookup(ctx, `SELECT session_id FROM sessions_by_token WHERE refresh_token_hash = ?`, tokenHash)
	if err != nil {
		return nil, err
	}
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// the lookup row can outlive a rotation
	if !s.Active || s.RefreshTokenHash != tokenHash {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

func (r *SessionRepository) FindByAccessTokenJTI(ctx context.Context, jti string) (*model.Session, error) {
	id, err := r.lookup(ctx, `SELECT session_id FROM sessions_by_jti WHERE access_token_jti = ?`, jti)
	if err != nil {
		return nil, err
	}
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.AccessTokenJTI != jti {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]*model.Session, error) {
	iter := r.client.Query(ctx,
		`SELECT session_id FROM sessions_by_user WHERE user_bucket = ? AND user_id = ?`,
		r.buckets.UserBucket(userID), userID).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}

	sessions := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.FindByID(ctx, id)
		if errors.Is(err, model.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// ListAll pages through sessions_by_id. Used by cleanup only.
func (r *SessionRepository) ListAll(ctx context.Context) ([]*model.Session, error) {
	iter := r.client.Query(ctx, `SELECT `+models.ActiveSessionColumns+` FROM sessions_by_id`).Iter()

	var sessions []*model.Session
	for {
		row := &models.ActiveSession{}
		if !iter.Scan(row.ScanTargets()...) {
			break
		}
		sessions = append(sessions, row.ToModel())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// casMiss explains a lightweight transaction that did not apply. The CAS
// result alone cannot tell a missing row from an inactive one.
func (r *SessionRepository) casMiss(ctx context.Context, id string) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return model.ErrSessionInactive
}

func (r *SessionRepository) SetTrust(ctx context.Context, id string, trusted bool, expiresAt, at time.Time) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.SetSessionTrust,
		trusted, expiresAt.UTC(), at.UTC(), id).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to set session trust: %w", err)
	}
	if !applied {
		return r.casMiss(ctx, id)
	}
	return nil
}

func (r *SessionRepository) ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.ExtendSession,
		expiresAt.UTC(), id).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	if !applied {
		return r.casMiss(ctx, id)
	}
	return nil
}

func (r *SessionRepository) RotateToken(ctx context.Context, sessionID, oldHash, newHash, newJTI string, at time.Time) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.RotateSession,
		newHash, newJTI, at.UTC(), sessionID, oldHash).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to rotate session token: %w", err)
	}
	if !applied {
		if len(existing) == 0 {
			return model.ErrSessionNotFound
		}
		return model.ErrRotationConflict
	}

	// Lookup rows follow the winning write. A stale token row is filtered
	// by FindActiveByTokenHash, so a failure here is logged only.
	p := r.client.Prepared
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM sessions_by_token WHERE refresh_token_hash = ?`, oldHash)
	batch.Query(p.InsertSessionToken, newHash, sessionID)
	batch.Query(p.InsertSessionJTI, newJTI, sessionID)
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Warn("Failed to update session lookup rows after rotation",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return nil
}

func (r *SessionRepository) Deactivate(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.DeactivateSession,
		at.UTC(), reason, id).MapScanCAS(existing)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	if applied {
		return true, nil
	}
	if len(existing) == 0 {
		return false, model.ErrSessionNotFound
	}
	return false, nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	s, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM sessions_by_id WHERE session_id = ?`, id)
	batch.Query(`DELETE FROM sessions_by_user WHERE user_bucket = ? AND user_id = ? AND session_id = ?`,
		r.buckets.UserBucket(s.UserID), s.UserID, id)
	batch.Query(`DELETE FROM sessions_by_token WHERE refresh_token_hash = ?`, s.RefreshTokenHash)
	if s.AccessTokenJTI != "" {
		batch.Query(`DELETE FROM sessions_by_jti WHERE access_token_jti = ?`, s.AccessTokenJTI)
	}
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
