// Package appctx describes the application (tenant) the SDK is acting for
// and the user currently signed in to it.
package appctx

import "sync"

// User is the authenticated user as reported by the platform. Permissions
// maps a section name to the action names granted in it.
type User struct {
	UserName    string              `json:"userName"`
	Email       string              `json:"email,omitempty"`
	Permissions map[string][]string `json:"permissions"`
}

// UserContainer wraps the current user. A present container with a nil
// User means a session exists without user details.
type UserContainer struct {
	User *User `json:"user"`
}

// Application identifies the tenant by API key and exposes the current
// user. User reports ok=false when nobody is signed in.
type Application interface {
	APIKey() string
	User() (container UserContainer, ok bool)
}

// App is a concurrency-safe Application whose user can be swapped as
// sign-in state changes.
type App struct {
	apiKey string

	mu   sync.RWMutex
	user *UserContainer
}

var _ Application = (*App)(nil)

// New returns an App for apiKey with nobody signed in.
func New(apiKey string) *App {
	return &App{apiKey: apiKey}
}

// APIKey returns the application's API key.
func (a *App) APIKey() string { return a.apiKey }

// User returns a copy of the current user container.
func (a *App) User() (UserContainer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.user == nil {
		return UserContainer{}, false
	}
	return *a.user, true
}

// SetUser records u as the signed-in user. A nil u keeps the session but
// drops user details.
func (a *App) SetUser(u *User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = &UserContainer{User: u}
}

// ClearUser signs the current user out.
func (a *App) ClearUser() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = nil
}
