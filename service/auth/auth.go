package auth

import (
	"context"
	"time"
)

// Role 对应后台的账号角色。
type Role string

const (
	RoleGuard    Role = "guard"
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleClient   Role = "client"
)

func (r Role) Valid() bool {
	switch r {
	case RoleGuard, RoleAdmin, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// User is the account record the backend returns from login and who-am-i.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// TokenPair 登录返回的凭证对。
type TokenPair struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    time.Duration `json:"-"`
}

// Authenticator is the auth surface of the console backend as seen by the
// session core. Implementations must return tools/errs.CodeError values for
// credential failures so the UI can render them verbatim.
type Authenticator interface {
	// Login exchanges credentials for a token pair and the account record.
	Login(ctx context.Context, identifier, secret string) (TokenPair, User, error)

	// Refresh mints a new access token from a refresh token. ExpiresIn may be
	// zero when the backend omits the hint.
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn time.Duration, err error)

	// WhoAmI validates an access token and returns the current account record.
	WhoAmI(ctx context.Context, accessToken string) (User, error)

	// Invalidate revokes a refresh token. Best effort: callers ignore the error.
	Invalidate(ctx context.Context, refreshToken string) error
}
