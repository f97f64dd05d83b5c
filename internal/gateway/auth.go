package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/config"
)

// OwnerHeader names the caller when key authentication is disabled.
const OwnerHeader = "X-Taskchat-Owner"

const ownerKey = "taskchat.owner"

// Authenticator maps API keys to owners. Keys can be swapped at runtime
// when config.yaml changes.
type Authenticator struct {
	mu      sync.RWMutex
	enabled bool
	keys    map[string]config.APIKeyEntry
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{}
	a.SetConfig(cfg)
	return a
}

// SetConfig replaces the key table.
func (a *Authenticator) SetConfig(cfg config.AuthConfig) {
	keys := make(map[string]config.APIKeyEntry, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[k.Key] = k
	}
	a.mu.Lock()
	a.enabled = cfg.Enabled
	a.keys = keys
	a.mu.Unlock()
}

// Identify returns the owner the request authenticates as.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	a.mu.RLock()
	enabled := a.enabled
	a.mu.RUnlock()

	if !enabled {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			return "", apperr.Authentication(errors.New("no owner header"))
		}
		return owner, nil
	}

	key := ExtractAPIKey(r)
	if key == "" {
		return "", apperr.Authentication(errors.New("missing API key"))
	}
	entry, ok := a.lookupKey(key)
	if !ok {
		return "", apperr.Authentication(errors.New("unknown API key"))
	}
	return entry.Owner, nil
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, the X-API-Key
// header and the api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares in constant time.
func (a *Authenticator) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for k, entry := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return entry, true
		}
	}
	return config.APIKeyEntry{}, false
}

// requireIdentity resolves the caller and, on routes with an :owner
// segment, rejects a path owner that differs from the identity.
func (a *Authenticator) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := a.Identify(c.Request)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if path := c.Param("owner"); path != "" && path != owner {
			abortWithError(c, apperr.Authorization(fmt.Errorf("path owner %q does not match identity", path)))
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerOf(c *gin.Context) string {
	return c.GetString(ownerKey)
}
