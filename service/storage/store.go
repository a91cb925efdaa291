package storage

import "sync"

// Credentials 持久化的凭证对 + 账号快照。
// UserJSON is stored opaque; only the session manager decodes it.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserJSON     string `json:"user"`
}

func (c Credentials) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Store is the durable credential store the session manager owns.
//
// Single-writer discipline: only the session manager calls Save/Clear. The
// realtime channel reads the current access token through Current at dial
// time and never caches it across a refresh.
type Store interface {
	// Load reads the persisted credentials. ok is false when none are stored;
	// that is not an error.
	Load() (creds Credentials, ok bool, err error)

	// Save persists the credentials and makes them visible to Current.
	Save(creds Credentials) error

	// Clear removes all persisted credentials. Idempotent.
	Clear() error

	// Current returns the last saved credentials without touching the backing
	// medium. Zero value after Clear or before the first Save/Load.
	Current() Credentials
}

// current is the shared in-memory mirror embedded by every implementation.
type current struct {
	mu    sync.RWMutex
	creds Credentials
}

func (c *current) set(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *current) Current() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}
