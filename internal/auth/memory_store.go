package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// account 把凭据与主体信息绑定在一条记录上，避免两张映射表不同步。
type account struct {
	user    User
	subject Subject
}

// MemoryStore 是 Store 的内存实现，用于开发环境和测试。
type MemoryStore struct {
	mu     sync.RWMutex
	byName map[string]*account
	byID   map[int64]*account
	lastID int64
}

// NewMemoryStore 构建内存账户库，并写入给定的种子账户。
// 重复或空的用户名会被跳过。
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		byName: make(map[string]*account),
		byID:   make(map[int64]*account),
	}
	for _, seed := range seeds {
		if strings.TrimSpace(seed.Username) == "" {
			continue
		}
		if _, exists := store.byName[seed.Username]; exists {
			continue
		}
		if err := store.upsert(seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements the SeedWriter interface.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	if strings.TrimSpace(seed.Username) == "" {
		return errors.New("seed username cannot be empty")
	}
	return s.upsert(seed)
}

func (s *MemoryStore) upsert(seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	username := strings.TrimSpace(seed.Username)
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}
	acct, ok := s.byName[username]
	if !ok {
		s.lastID++
		acct = &account{}
		acct.user.ID = s.lastID
		acct.subject.ID = s.lastID
		s.byName[username] = acct
		s.byID[acct.user.ID] = acct
	}
	acct.user.Username = username
	acct.user.PasswordHash = hashed
	acct.user.Disabled = seed.Disabled
	acct.subject.Username = username
	acct.subject.Roles = dedupeStrings(seed.Roles)
	acct.subject.Permissions = dedupeStrings(seed.Permissions)
	acct.subject.Disabled = seed.Disabled
	acct.subject.normalise()
	return nil
}

// FindUserByUsername implements auth.Store.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acct, ok := s.byName[strings.TrimSpace(username)]; ok {
		clone := acct.user
		return &clone, nil
	}
	return nil, errors.New("user not found")
}

// LoadSubject implements auth.Store.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acct, ok := s.byID[userID]; ok {
		return acct.subject.Clone(), nil
	}
	return nil, errors.New("subject not found")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
