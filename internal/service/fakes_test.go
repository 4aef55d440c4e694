package service

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/tensorhub/tensorhub/internal/model"
	"github.com/tensorhub/tensorhub/internal/repository"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory UserStore and APIKeyStore with the same
// ownership and conflict semantics as the Postgres repository.
type memStore struct {
	mu      sync.Mutex
	users   map[string]*model.User // by subject
	keys    map[string]*model.APIKey
	usage   chan string
	failAll error
	failUse error
	upserts int
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*model.User),
		keys:  make(map[string]*model.APIKey),
		usage: make(chan string, 64),
	}
}

func (m *memStore) UpsertUser(_ context.Context, p repository.UpsertUserParams) (*model.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, false, m.failAll
	}
	m.upserts++

	now := time.Now().UTC()
	if u, ok := m.users[p.ExternalSubject]; ok {
		if p.Email != "" {
			u.Email = p.Email
		}
		if p.Name != "" {
			u.DisplayName = p.Name
		}
		if p.AvatarURL != nil {
			u.AvatarURL = p.AvatarURL
		}
		u.UpdatedAt = now
		cp := *u
		return &cp, false, nil
	}

	u := &model.User{
		ID:              p.NewID,
		ExternalSubject: p.ExternalSubject,
		Email:           p.Email,
		DisplayName:     p.DisplayName,
		AvatarURL:       p.AvatarURL,
		Plan:            p.Plan,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.users[p.ExternalSubject] = u
	cp := *u
	return &cp, true, nil
}

func (m *memStore) GetUserBySubject(_ context.Context, subject string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	u, ok := m.users[subject]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memStore) hasUser(id string) bool {
	for _, u := range m.users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func (m *memStore) insertLocked(key *model.APIKey) error {
	if !m.hasUser(key.UserID) {
		return repository.ErrOwnerNotFound
	}
	for _, k := range m.keys {
		if k.KeyHash == key.KeyHash {
			return repository.ErrAPIKeyConflict
		}
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *memStore) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	return m.insertLocked(key)
}

func (m *memStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	for _, k := range m.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrAPIKeyNotFound
}

func (m *memStore) GetAPIKeyForOwner(_ context.Context, id, userID string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	k, ok := m.keys[id]
	if !ok || k.UserID != userID {
		return nil, repository.ErrAPIKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *memStore) ListAPIKeysByUserID(_ context.Context, userID string) ([]*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return nil, m.failAll
	}
	out := make([]*model.APIKey, 0)
	for _, k := range m.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.APIKey) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (m *memStore) revokeLocked(id, userID string, now time.Time) error {
	k, ok := m.keys[id]
	if !ok || k.UserID != userID {
		return repository.ErrAPIKeyNotFound
	}
	if k.Status == model.APIKeyActive {
		k.Status = model.APIKeyRevoked
		k.UpdatedAt = now
	}
	return nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	return m.revokeLocked(id, userID, time.Now().UTC())
}

func (m *memStore) DeleteAPIKey(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	k, ok := m.keys[id]
	if !ok || k.UserID != userID {
		return repository.ErrAPIKeyNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *memStore) RecordAPIKeyUsage(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { m.usage <- id }()
	if m.failUse != nil {
		return m.failUse
	}
	if k, ok := m.keys[id]; ok {
		k.UsageCount++
		t := usedAt
		k.LastUsedAt = &t
	}
	return nil
}

func (m *memStore) RotateAPIKey(_ context.Context, oldID, userID string, replacement *model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return m.failAll
	}
	old, ok := m.keys[oldID]
	if !ok || old.UserID != userID || old.Status != model.APIKeyActive {
		return repository.ErrAPIKeyNotFound
	}
	if err := m.insertLocked(replacement); err != nil {
		return err
	}
	return m.revokeLocked(oldID, userID, replacement.CreatedAt)
}

func (m *memStore) key(id string) *model.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil
	}
	cp := *k
	return &cp
}

// stubDecoder maps literal tokens to claims.
type stubDecoder struct {
	claims map[string]*model.Claims
}

func (d stubDecoder) Decode(_ context.Context, token string) (*model.Claims, error) {
	c, ok := d.claims[token]
	if !ok {
		return nil, errors.New("malformed token")
	}
	return c, nil
}
