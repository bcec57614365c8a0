// Package users stores user accounts, credentials, and per-user API
// keys, and issues the session tokens the HTTP surface accepts.
package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

const (
	keyUsers      = "sz:users"
	keyUserPrefix = "sz:user:"
	keyUsernames  = "sz:usernames"
	keyAPIKeys    = "sz:apikeys"
)

var (
	// ErrInvalidCredentials is returned on a bad username/password pair.
	// Deliberately indistinguishable between "no such user" and "wrong
	// password" so login cannot be used as a username oracle.
	ErrInvalidCredentials = errors.New("users: invalid credentials")

	// ErrAlreadyInitialized is returned by Setup when an admin exists.
	ErrAlreadyInitialized = errors.New("users: already initialized")
)

// User is one account.
type User struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Salt         string       `json:"salt"`
	PasswordHash string       `json:"passwordHash"`
	APIKey       string       `json:"apiKey,omitempty"`
	Role         authctx.Role `json:"role"`
	Enabled      bool         `json:"enabled"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Public is the wire shape of a user: everything except credentials.
type Public struct {
	ID        string       `json:"id"`
	Username  string       `json:"username"`
	Role      authctx.Role `json:"role"`
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Public strips credential fields.
func (u *User) Public() Public {
	return Public{
		ID:        u.ID,
		Username:  u.Username,
		Role:      u.Role,
		Enabled:   u.Enabled,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// AuthContext builds the auth context this user acts under.
func (u *User) AuthContext() authctx.AuthContext {
	return authctx.AuthContext{UserID: u.ID, Username: u.Username, Role: u.Role}
}

// Service manages accounts over the key-value store.
type Service struct {
	kv  store.KV
	now func() time.Time
}

// NewService constructs the user service.
func NewService(kv store.KV) *Service {
	return &Service{kv: kv, now: time.Now}
}

// Initialized reports whether any user exists yet.
func (s *Service) Initialized(ctx context.Context) (bool, error) {
	ids, err := s.kv.SMembers(ctx, keyUsers)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Setup creates the first admin account. Fails with ErrAlreadyInitialized
// once any user exists.
func (s *Service) Setup(ctx context.Context, username, password string) (*User, error) {
	initialized, err := s.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, ErrAlreadyInitialized
	}
	return s.Create(ctx, username, password, authctx.RoleAdmin)
}

// Create adds a user with the given role. Usernames are unique.
func (s *Service) Create(ctx context.Context, username, password string, role authctx.Role) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, kerrors.NewValidationError("username", "username is required")
	}
	if len(password) < 8 {
		return nil, kerrors.NewValidationError("password", "password must be at least 8 characters")
	}
	if existing, _ := s.kv.HGet(ctx, keyUsernames, strings.ToLower(username)); existing != nil {
		return nil, &kerrors.ConflictError{Resource: "user", ID: username}
	}

	salt, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		Salt:         salt,
		PasswordHash: hashPassword(salt, password),
		Role:         role,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.put(ctx, u); err != nil {
		return nil, err
	}
	if err := s.kv.HSet(ctx, keyUsernames, strings.ToLower(username), []byte(u.ID)); err != nil {
		return nil, err
	}
	return u, nil
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	idBytes, err := s.kv.HGet(ctx, keyUsernames, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.Get(ctx, string(idBytes))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.Enabled {
		return nil, ErrInvalidCredentials
	}
	expected := hashPassword(u.Salt, password)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(u.PasswordHash)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// ChangePassword verifies the old password and stores the new one.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.Authenticate(ctx, u.Username, oldPassword); err != nil {
		return err
	}
	if len(newPassword) < 8 {
		return kerrors.NewValidationError("password", "password must be at least 8 characters")
	}
	salt, err := randomHex(16)
	if err != nil {
		return err
	}
	u.Salt = salt
	u.PasswordHash = hashPassword(salt, newPassword)
	u.UpdatedAt = s.now()
	return s.put(ctx, u)
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	data, err := s.kv.Get(ctx, keyUserPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("users: decode %s: %w", id, err)
	}
	return &u, nil
}

// List returns all users sorted by username.
func (s *Service) List(ctx context.Context) ([]*User, error) {
	ids, err := s.kv.SMembers(ctx, keyUsers)
	if err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		u, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// Update applies a partial update to role/enabled.
type Update struct {
	Role    *authctx.Role
	Enabled *bool
}

// Update modifies mutable account fields.
func (s *Service) Update(ctx context.Context, id string, update Update) (*User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Role != nil {
		if *update.Role != authctx.RoleAdmin && *update.Role != authctx.RoleUser {
			return nil, kerrors.NewValidationError("role", "role must be admin or user")
		}
		u.Role = *update.Role
	}
	if update.Enabled != nil {
		u.Enabled = *update.Enabled
	}
	u.UpdatedAt = s.now()
	if err := s.put(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Delete removes an account and its credential indexes.
func (s *Service) Delete(ctx context.Context, id string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.APIKey != "" {
		if err := s.kv.HDel(ctx, keyAPIKeys, u.APIKey); err != nil {
			return err
		}
	}
	if err := s.kv.HDel(ctx, keyUsernames, strings.ToLower(u.Username)); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, keyUserPrefix+id); err != nil {
		return err
	}
	return s.kv.SRem(ctx, keyUsers, id)
}

// RotateAPIKey generates a fresh API key for the user, invalidating any
// previous one.
func (s *Service) RotateAPIKey(ctx context.Context, id string) (string, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if u.APIKey != "" {
		if err := s.kv.HDel(ctx, keyAPIKeys, u.APIKey); err != nil {
			return "", err
		}
	}
	raw, err := randomHex(24)
	if err != nil {
		return "", err
	}
	u.APIKey = "szk_" + raw
	u.UpdatedAt = s.now()
	if err := s.put(ctx, u); err != nil {
		return "", err
	}
	if err := s.kv.HSet(ctx, keyAPIKeys, u.APIKey, []byte(u.ID)); err != nil {
		return "", err
	}
	return u.APIKey, nil
}

// ByAPIKey resolves an API key to its user. Disabled users do not
// authenticate.
func (s *Service) ByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	if apiKey == "" {
		return nil, kerrors.ErrUnauthorized
	}
	idBytes, err := s.kv.HGet(ctx, keyAPIKeys, apiKey)
	if err != nil {
		return nil, kerrors.ErrUnauthorized
	}
	u, err := s.Get(ctx, string(idBytes))
	if err != nil || !u.Enabled {
		return nil, kerrors.ErrUnauthorized
	}
	return u, nil
}

func (s *Service) put(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyUserPrefix+u.ID, data, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, keyUsers, u.ID)
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("users: random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
