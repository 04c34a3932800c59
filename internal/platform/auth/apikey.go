package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrKeyNotFound indicates the requested API key does not exist in the store.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyRevoked indicates the API key has been revoked and can no longer be used.
	ErrKeyRevoked = errors.New("api key revoked")

	// ErrKeyExpired indicates the API key has passed its expiration time.
	ErrKeyExpired = errors.New("api key expired")

	// ErrInvalidKey indicates the provided raw key does not match any stored hash.
	ErrInvalidKey = errors.New("invalid api key")
)

// Scopes understood by the external API.
const (
	ScopePatientsRead = "patients:read"
	ScopeRecordsShare = "records:share"
	ScopeAll          = "*"
)

const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// ---------------------------------------------------------------------------
// APIKey struct
// ---------------------------------------------------------------------------

// APIKey is a credential issued to an external integration. Only the SHA-256
// hash of the key material is persisted.
type APIKey struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	KeyHash    string            `json:"-"`
	KeyPrefix  string            `json:"key_prefix"`
	FacilityID string            `json:"facility_id,omitempty"`
	ClientID   string            `json:"client_id"`
	Scopes     []string          `json:"scopes"`
	Status     string            `json:"status"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	RevokedAt  *time.Time        `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HasScope reports whether the key grants scope. "*" grants everything.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == ScopeAll {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// APIKeyStore interface
// ---------------------------------------------------------------------------

// APIKeyStore defines the contract for persisting and querying API keys.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *APIKey) error
	GetByID(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// ListByFacility returns keys for a facility ("" lists all keys) and the
	// total count before pagination.
	ListByFacility(ctx context.Context, facilityID string, limit, offset int) ([]*APIKey, int, error)
	UpdateKey(ctx context.Context, key *APIKey) error
	// TouchLastUsed sets only the last used time of an active key. Keys that
	// are missing or no longer active are left untouched without error.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// ---------------------------------------------------------------------------
// InMemoryAPIKeyStore
// ---------------------------------------------------------------------------

// InMemoryAPIKeyStore is a thread-safe APIKeyStore for development and tests.
type InMemoryAPIKeyStore struct {
	mu      sync.RWMutex
	byID    map[string]*APIKey
	byHash  map[string]string // hash -> ID
	ordered []string          // insertion-order IDs for stable pagination
}

// NewInMemoryAPIKeyStore creates a new empty in-memory store.
func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *InMemoryAPIKeyStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyKey(key)
	s.byID[cp.ID] = cp
	if cp.KeyHash != "" {
		s.byHash[cp.KeyHash] = cp.ID
	}
	s.ordered = append(s.ordered, cp.ID)
	return nil
}

func (s *InMemoryAPIKeyStore) GetByID(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

func (s *InMemoryAPIKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(s.byID[id]), nil
}

func (s *InMemoryAPIKeyStore) ListByFacility(_ context.Context, facilityID string, limit, offset int) ([]*APIKey, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []*APIKey
	for _, id := range s.ordered {
		k := s.byID[id]
		if facilityID == "" || k.FacilityID == facilityID {
			matching = append(matching, k)
		}
	}

	total := len(matching)
	if offset > len(matching) {
		offset = len(matching)
	}
	matching = matching[offset:]
	if limit > 0 && limit < len(matching) {
		matching = matching[:limit]
	}

	result := make([]*APIKey, len(matching))
	for i, k := range matching {
		result[i] = copyKey(k)
	}
	return result, total, nil
}

func (s *InMemoryAPIKeyStore) UpdateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if existing.KeyHash != key.KeyHash {
		delete(s.byHash, existing.KeyHash)
		if key.KeyHash != "" {
			s.byHash[key.KeyHash] = key.ID
		}
	}
	s.byID[key.ID] = copyKey(key)
	return nil
}

func (s *InMemoryAPIKeyStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[id]; ok && existing.Status == KeyStatusActive {
		existing.LastUsedAt = copyTime(&at)
	}
	return nil
}

// copyKey returns a deep copy of an APIKey to prevent mutation through shared pointers.
func copyKey(k *APIKey) *APIKey {
	cp := *k
	if k.Scopes != nil {
		cp.Scopes = append([]string(nil), k.Scopes...)
	}
	if k.Metadata != nil {
		cp.Metadata = make(map[string]string, len(k.Metadata))
		for mk, mv := range k.Metadata {
			cp.Metadata[mk] = mv
		}
	}
	cp.ExpiresAt = copyTime(k.ExpiresAt)
	cp.RevokedAt = copyTime(k.RevokedAt)
	cp.LastUsedAt = copyTime(k.LastUsedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ---------------------------------------------------------------------------
// APIKeyManager
// ---------------------------------------------------------------------------

const (
	// APIKeyPrefix is prepended to every generated key so leaked keys are
	// easy to recognize.
	APIKeyPrefix = "emr_k1_"

	apiKeyRandomBytes = 24
)

// KeySpec describes a key to be generated.
type KeySpec struct {
	Name       string
	FacilityID string
	ClientID   string
	Scopes     []string
	ExpiresAt  *time.Time
	Metadata   map[string]string
}

// APIKeyManager orchestrates API key lifecycle operations: generation,
// validation, revocation, and rotation.
type APIKeyManager struct {
	store APIKeyStore
	now   func() time.Time
}

// NewAPIKeyManager creates a new manager backed by the given store.
func NewAPIKeyManager(store APIKeyStore) *APIKeyManager {
	return &APIKeyManager{store: store, now: time.Now}
}

// GenerateKey creates and persists a new key. The raw key is returned only
// here and must be shown to the caller exactly once.
func (m *APIKeyManager) GenerateKey(ctx context.Context, spec KeySpec) (*APIKey, string, error) {
	if spec.Name == "" {
		return nil, "", fmt.Errorf("name is required")
	}
	if len(spec.Scopes) == 0 {
		return nil, "", fmt.Errorf("at least one scope is required")
	}

	rawKey, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating raw key: %w", err)
	}

	key := &APIKey{
		ID:         uuid.New().String(),
		Name:       spec.Name,
		KeyHash:    HashSecret(rawKey),
		KeyPrefix:  rawKey[:len(APIKeyPrefix)+4],
		FacilityID: spec.FacilityID,
		ClientID:   spec.ClientID,
		Scopes:     spec.Scopes,
		Status:     KeyStatusActive,
		ExpiresAt:  spec.ExpiresAt,
		CreatedAt:  m.now().UTC(),
		Metadata:   spec.Metadata,
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing key: %w", err)
	}
	return copyKey(key), rawKey, nil
}

// ValidateKey hashes the raw key, looks it up, and verifies it is active and
// unexpired. LastUsedAt is refreshed on success.
func (m *APIKeyManager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	key, err := m.store.GetByHash(ctx, HashSecret(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up key: %w", err)
	}

	if key.Status == KeyStatusRevoked {
		return nil, ErrKeyRevoked
	}

	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	key.LastUsedAt = &now
	// A failed usage timestamp write must not block the request.
	_ = m.store.TouchLastUsed(ctx, key.ID, now)

	return key, nil
}

// GetKey returns a key by ID.
func (m *APIKeyManager) GetKey(ctx context.Context, id string) (*APIKey, error) {
	return m.store.GetByID(ctx, id)
}

// RevokeKey marks a key revoked. Revoking an already revoked key succeeds.
func (m *APIKeyManager) RevokeKey(ctx context.Context, id string) error {
	key, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if key.Status == KeyStatusRevoked {
		return nil
	}

	now := m.now()
	key.Status = KeyStatusRevoked
	key.RevokedAt = &now
	return m.store.UpdateKey(ctx, key)
}

// RotateKey revokes a key and issues a new one with the same settings.
func (m *APIKeyManager) RotateKey(ctx context.Context, id string) (*APIKey, string, error) {
	old, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := m.RevokeKey(ctx, id); err != nil {
		return nil, "", fmt.Errorf("revoking old key: %w", err)
	}
	return m.GenerateKey(ctx, KeySpec{
		Name:       old.Name,
		FacilityID: old.FacilityID,
		ClientID:   old.ClientID,
		Scopes:     old.Scopes,
		ExpiresAt:  old.ExpiresAt,
		Metadata:   old.Metadata,
	})
}

// ListKeys returns keys for a facility ("" for all) with pagination.
func (m *APIKeyManager) ListKeys(ctx context.Context, facilityID string, limit, offset int) ([]*APIKey, int, error) {
	return m.store.ListByFacility(ctx, facilityID, limit, offset)
}

func generateRawKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// HashSecret returns the hex-encoded SHA-256 of a secret. It is used for API
// keys and share tokens.
func HashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

const (
	// HeaderAPIKey carries the raw key on external requests.
	HeaderAPIKey = "X-API-Key"

	ctxAPIKey = "api_key"
)

// APIKeyMiddleware rejects requests without a valid X-API-Key header and
// stores the resolved key on the echo context.
func APIKeyMiddleware(manager *APIKeyManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rawKey := c.Request().Header.Get(HeaderAPIKey)
			if rawKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}

			key, err := manager.ValidateKey(c.Request().Context(), rawKey)
			if err != nil {
				switch {
				case errors.Is(err, ErrInvalidKey):
					return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
				case errors.Is(err, ErrKeyRevoked):
					return echo.NewHTTPError(http.StatusUnauthorized, "api key revoked")
				case errors.Is(err, ErrKeyExpired):
					return echo.NewHTTPError(http.StatusUnauthorized, "api key expired")
				default:
					return echo.NewHTTPError(http.StatusInternalServerError, "api key validation error").SetInternal(err)
				}
			}

			c.Set(ctxAPIKey, key)
			c.Set("api_key_id", key.ID)
			return next(c)
		}
	}
}

// RequireAPIScope rejects requests whose API key lacks scope.
func RequireAPIScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := APIKeyFromContext(c)
			if key == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}
			if !key.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("insufficient scope: requires %s", scope))
			}
			return next(c)
		}
	}
}

// APIKeyFromContext returns the key stored by APIKeyMiddleware, or nil.
func APIKeyFromContext(c echo.Context) *APIKey {
	key, _ := c.Get(ctxAPIKey).(*APIKey)
	return key
}

// WithAPIKey stores key on c. It is exported for handler tests.
func WithAPIKey(c echo.Context, key *APIKey) {
	c.Set(ctxAPIKey, key)
	c.Set("api_key_id", key.ID)
}
