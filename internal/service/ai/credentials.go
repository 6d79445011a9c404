package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
)

// ErrNoAccountKeys is returned when a per-user key is written without account storage.
var ErrNoAccountKeys = errors.New("account key storage unavailable")

// AccountKeys stores API keys per signed-in user and provider.
type AccountKeys interface {
	UserAPIKey(ctx context.Context, userID, provider string) (string, bool, error)
	SetUserAPIKey(ctx context.Context, userID, provider, value string) error
}

// Credentials resolves the API key for the configured provider.
type Credentials struct {
	store    kv.Store
	key      string
	toggle   string
	provider string
	fallback string
	accounts AccountKeys
}

// NewCredentials reads key from store, falling back to the configured value.
// The provider name is the key without its "-api-key" suffix.
func NewCredentials(store kv.Store, key, fallback string) *Credentials {
	provider := strings.TrimSuffix(key, "-api-key")
	return &Credentials{
		store:    store,
		key:      key,
		toggle:   "use-backend-" + provider,
		provider: provider,
		fallback: strings.TrimSpace(fallback),
	}
}

// WithAccountKeys enables per-user keys for signed-in clients.
func (c *Credentials) WithAccountKeys(accounts AccountKeys) *Credentials {
	c.accounts = accounts
	return c
}

// APIKey returns the stored key or the configured fallback; empty when neither exists.
func (c *Credentials) APIKey(ctx context.Context) (string, error) {
	if c.store != nil {
		value, ok, err := c.store.Get(ctx, c.key)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", c.key, err)
		}
		if ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return c.fallback, nil
}

// APIKeyFor prefers the user's account key when one is stored and account keys
// are enabled for this client, then falls back to APIKey.
func (c *Credentials) APIKeyFor(ctx context.Context, userID string) (string, error) {
	if userID != "" && c.accounts != nil && c.UseAccountKey(ctx) {
		value, ok, err := c.accounts.UserAPIKey(ctx, userID, c.provider)
		if err != nil {
			log.WithError(err).WithField("provider", c.provider).Warn("account key lookup failed, using client key")
		} else if ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return c.APIKey(ctx)
}

// SetAPIKey stores a key; a blank value clears it.
func (c *Credentials) SetAPIKey(ctx context.Context, value string) error {
	if c.store == nil {
		return fmt.Errorf("credential storage unavailable")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return c.store.Delete(ctx, c.key)
	}
	return c.store.Set(ctx, c.key, value)
}

// SetAccountKey stores the key on the user's account; a blank value clears it.
func (c *Credentials) SetAccountKey(ctx context.Context, userID, value string) error {
	if c.accounts == nil || userID == "" {
		return ErrNoAccountKeys
	}
	return c.accounts.SetUserAPIKey(ctx, userID, c.provider, strings.TrimSpace(value))
}

// AccountKeysAvailable reports whether per-user keys can be stored.
func (c *Credentials) AccountKeysAvailable() bool {
	return c.accounts != nil
}

// UseAccountKey reports whether account keys take precedence. It is on unless
// the client stored "false".
func (c *Credentials) UseAccountKey(ctx context.Context) bool {
	if c.store == nil {
		return true
	}
	value, ok, err := c.store.Get(ctx, c.toggle)
	if err != nil || !ok {
		return true
	}
	return strings.TrimSpace(value) != "false"
}

// SetUseAccountKey records the client's preference.
func (c *Credentials) SetUseAccountKey(ctx context.Context, enabled bool) error {
	if c.store == nil {
		return fmt.Errorf("credential storage unavailable")
	}
	if enabled {
		return c.store.Delete(ctx, c.toggle)
	}
	return c.store.Set(ctx, c.toggle, "false")
}

// Configured reports whether any key is available.
func (c *Credentials) Configured(ctx context.Context) bool {
	key, err := c.APIKey(ctx)
	return err == nil && key != ""
}

// ForUser returns a key source bound to userID.
func (c *Credentials) ForUser(userID string) KeySource {
	return userKeys{creds: c, userID: userID}
}

type userKeys struct {
	creds  *Credentials
	userID string
}

func (k userKeys) APIKey(ctx context.Context) (string, error) {
	return k.creds.APIKeyFor(ctx, k.userID)
}
