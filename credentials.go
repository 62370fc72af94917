package chatlink

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// CredentialSource supplies the current access token and the identity of
// the local user. The client reads it fresh at every connect; nothing is
// cached inside a session.
type CredentialSource interface {
	// Token returns the current bearer token, empty when unauthenticated.
	Token() string
	// UserID returns the local user's id, zero when unauthenticated.
	UserID() int64
	// Username returns the local user's name, used for the per-recipient
	// queue destination.
	Username() string
}

type tokenClaims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// TokenCredentials is a CredentialSource backed by a rotating JWT. The
// user id and username come from the token's claims; the signature is
// not verified here, the broker does that at the handshake.
type TokenCredentials struct {
	mu        sync.RWMutex
	token     string
	userID    int64
	username  string
	listeners map[int]func()
	nextID    int
}

func NewTokenCredentials(token string) *TokenCredentials {
	c := &TokenCredentials{listeners: make(map[int]func())}
	c.set(token)
	return c
}

func (c *TokenCredentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *TokenCredentials) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *TokenCredentials) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Rotate installs a new token and notifies every refresh listener.
func (c *TokenCredentials) Rotate(token string) {
	c.set(token)

	c.mu.RLock()
	listeners := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnRefresh registers fn to run after every Rotate. The returned closure
// removes the registration.
func (c *TokenCredentials) OnRefresh(fn func()) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *TokenCredentials) set(token string) {
	var userID int64
	var username string

	if token != "" {
		claims := &tokenClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			glog.Warningf("chatlink: token has no readable claims: %v", err)
		} else {
			userID = claims.UserID
			username = claims.Subject
		}
	}

	c.mu.Lock()
	c.token = token
	c.userID = userID
	c.username = username
	c.mu.Unlock()
}
