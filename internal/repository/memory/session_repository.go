package memory

import (
	"context"
	"sync"
	"time"

	"auth-core/internal/model"
)

// SessionRepository keeps sessions in maps guarded by one RWMutex. RotateToken
// runs its compare-and-set under the write lock.
type SessionRepository struct {
	mu        sync.RWMutex
	sessions  map[string]*model.Session
	byToken   map[string]string // refresh token hash -> session id
	byJTI     map[string]string
	userIndex map[string]map[string]struct{}
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		sessions:  make(map[string]*model.Session),
		byToken:   make(map[string]string),
		byJTI:     make(map[string]string),
		userIndex: make(map[string]map[string]struct{}),
	}
}

func (r *SessionRepository) index(s *model.Session) {
	if s.RefreshTokenHash != "" {
		r.byToken[s.RefreshTokenHash] = s.ID
	}
	if s.AccessTokenJTI != "" {
		r.byJTI[s.AccessTokenJTI] = s.ID
	}
	ids, ok := r.userIndex[s.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.userIndex[s.UserID] = ids
	}
	ids[s.ID] = struct{}{}
}

func (r *SessionRepository) unindex(s *model.Session) {
	if r.byToken[s.RefreshTokenHash] == s.ID {
		delete(r.byToken, s.RefreshTokenHash)
	}
	if r.byJTI[s.AccessTokenJTI] == s.ID {
		delete(r.byJTI, s.AccessTokenJTI)
	}
	if ids, ok := r.userIndex[s.UserID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.userIndex, s.UserID)
		}
	}
}

func (r *SessionRepository) Create(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := s.Clone()
	r.sessions[c.ID] = c
	r.index(c)
	return nil
}

func (r *SessionRepository) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) FindActiveByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byToken[tokenHash]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	s := r.sessions[id]
	if s == nil || !s.Active || s.RefreshTokenHash != tokenHash {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) FindByAccessTokenJTI(_ context.Context, jti string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byJTI[jti]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	s := r.sessions[id]
	if s == nil || s.AccessTokenJTI != jti {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *SessionRepository) ListByUser(_ context.Context, userID string) ([]*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Session, 0, len(r.userIndex[userID]))
	for id := range r.userIndex[userID] {
		out = append(out, r.sessions[id].Clone())
	}
	return out, nil
}

func (r *SessionRepository) ListAll(context.Context) ([]*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

// active returns the stored session for an in-place change. Callers hold
// the write lock.
func (r *SessionRepository) active(id string) (*model.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	if !s.Active {
		return nil, model.ErrSessionInactive
	}
	return s, nil
}

func (r *SessionRepository) SetTrust(_ context.Context, id string, trusted bool, expiresAt, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.active(id)
	if err != nil {
		return err
	}
	s.Trusted = trusted
	s.ExpiresAt = expiresAt
	s.LastActivityAt = at
	return nil
}

func (r *SessionRepository) ExtendExpiry(_ context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.active(id)
	if err != nil {
		return err
	}
	s.ExpiresAt = expiresAt
	return nil
}

func (r *SessionRepository) RotateToken(_ context.Context, sessionID, oldHash, newHash, newJTI string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return model.ErrSessionNotFound
	}
	if !s.Active || s.RefreshTokenHash != oldHash {
		return model.ErrRotationConflict
	}

	r.unindex(s)
	s.RefreshTokenHash = newHash
	s.AccessTokenJTI = newJTI
	s.LastActivityAt = at
	r.index(s)
	return nil
}

func (r *SessionRepository) Deactivate(_ context.Context, id, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, model.ErrSessionNotFound
	}
	if !s.Active {
		return false, nil
	}
	s.Active = false
	s.RevokedAt = at
	s.RevokedReason = reason
	return true, nil
}

func (r *SessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return model.ErrSessionNotFound
	}
	r.unindex(s)
	delete(r.sessions, id)
	return nil
}
