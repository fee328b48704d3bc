package memory

import (
	"context"
	"sync"

	"auth-core/internal/util"
)

// UserDirectory is an in-process email index for deployments without Scylla.
type UserDirectory struct {
	mu      sync.RWMutex
	byEmail map[string]string
}

func NewUserDirectory() *UserDirectory {
	return &UserDirectory{byEmail: make(map[string]string)}
}

// Add maps email to userID, replacing any earlier mapping.
func (d *UserDirectory) Add(email, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byEmail[util.NormalizeRecipient(email)] = userID
}

func (d *UserDirectory) Remove(email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byEmail, util.NormalizeRecipient(email))
}

func (d *UserDirectory) FindUserIDByEmail(_ context.Context, email string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[util.NormalizeRecipient(email)]
	return id, ok, nil
}
