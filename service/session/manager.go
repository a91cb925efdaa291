package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"PAccess/logger"
	"PAccess/service/auth"
	"PAccess/service/storage"
	errs "PAccess/tools/errs"
	safe "PAccess/tools/safe"
	security "PAccess/tools/security"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ===== 配置 =====

type Conf struct {
	RefreshEvery      time.Duration    // 后台刷新周期（默认 14m）
	InactivityTimeout time.Duration    // 无操作登出（默认 30m）
	RequestTimeout    time.Duration    // 后台调用超时（默认 10s）
	Clock             func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	c.RefreshEvery = safe.DefaultDuration(c.RefreshEvery, 14*time.Minute)
	c.InactivityTimeout = safe.DefaultDuration(c.InactivityTimeout, 30*time.Minute)
	c.RequestTimeout = safe.DefaultDuration(c.RequestTimeout, 10*time.Second)
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ===== 数据结构 =====

// Session is the authenticated principal. Values handed out by Current and the
// event callbacks are copies; only the manager mutates the live one.
type Session struct {
	UserID         string
	Name           string
	Role           auth.Role
	AccessToken    string
	RefreshToken   string
	ExpiresInHint  time.Duration
	LastActivityAt time.Time
}

type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventRefreshed
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "session started"
	case EventRefreshed:
		return "session refreshed"
	case EventEnded:
		return "session ended"
	}
	return "unknown"
}

// Manager owns the single authoritative Session plus the refresh and
// inactivity timers. All session-destroying paths funnel through Logout, so
// there is exactly one place that clears storage and timers.
type Manager struct {
	conf  Conf
	authn auth.Authenticator
	store storage.Store

	mu           sync.Mutex
	sess         *Session
	gen          uint64 // bumps on every install/clear; stale timer callbacks check it
	refreshTimer *time.Timer
	idleTimer    *time.Timer

	sf singleflight.Group // serializes refresh attempts across timer and callers

	lmu       sync.RWMutex
	listeners []func(EventKind, Session)
}

func NewManager(conf Conf, authn auth.Authenticator, store storage.Store) *Manager {
	conf.norm()
	return &Manager{conf: conf, authn: authn, store: store}
}

// Subscribe registers an observer for session lifecycle events. Callbacks run
// synchronously on the goroutine that caused the transition; keep them short.
func (m *Manager) Subscribe(fn func(EventKind, Session)) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

func (m *Manager) notify(kind EventKind, snap Session) {
	m.lmu.RLock()
	ls := make([]func(EventKind, Session), len(m.listeners))
	copy(ls, m.listeners)
	m.lmu.RUnlock()
	for _, fn := range ls {
		fn(kind, snap)
	}
}

// Current returns a read-only snapshot, or nil when logged out.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	snap := *m.sess
	return &snap
}

// AccessToken is the token query used by the realtime channel. Empty when
// logged out.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.AccessToken
}

// ===== 生命周期 =====

// Bootstrap restores a session from durable storage on startup. A stored
// access token is never trusted blindly: it must pass who-am-i first. ok is
// false both when nothing is stored and when the stored token is rejected (in
// which case storage is cleared); neither is an error.
func (m *Manager) Bootstrap(ctx context.Context) (ok bool, err error) {
	creds, found, err := m.store.Load()
	if err != nil {
		return false, errors.Wrap(err, "load credentials")
	}
	if !found {
		return false, nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.conf.RequestTimeout)
	defer cancel()
	user, err := m.authn.WhoAmI(cctx, creds.AccessToken)
	if err != nil {
		logger.Info("bootstrap: stored token rejected, clearing credentials",
			zap.String("token", security.HashToken(creds.AccessToken)), zap.Error(err))
		m.Logout(ctx)
		if err := m.store.Clear(); err != nil {
			logger.Warn("bootstrap: clear credentials failed", zap.Error(err))
		}
		return false, nil
	}

	m.install(auth.TokenPair{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}, user)
	return true, nil
}

// Login authenticates and starts a session. Authenticator errors (wrong
// credentials, locked account) are returned verbatim, no retry.
func (m *Manager) Login(ctx context.Context, identifier, secret string) error {
	cctx, cancel := context.WithTimeout(ctx, m.conf.RequestTimeout)
	defer cancel()

	pair, user, err := m.authn.Login(cctx, identifier, secret)
	if err != nil {
		return err
	}
	if err := m.persist(pair, user); err != nil {
		return err
	}
	m.install(pair, user)
	return nil
}

// Logout is idempotent: cancels both timers, best-effort invalidates the
// refresh token, clears storage and the in-memory session. Safe to call when
// already logged out.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.gen++
	m.stopTimersLocked()
	m.mu.Unlock()

	if sess == nil {
		return
	}

	// 先吊销，再清存储；吊销失败只记日志。
	cctx, cancel := context.WithTimeout(ctx, m.conf.RequestTimeout)
	defer cancel()
	if err := m.authn.Invalidate(cctx, sess.RefreshToken); err != nil {
		logger.Debug("logout: invalidate refresh token failed", zap.Error(err))
	}
	if err := m.store.Clear(); err != nil {
		logger.Warn("logout: clear credentials failed", zap.Error(err))
	}

	logger.Info("session ended", zap.String("user", sess.UserID))
	m.notify(EventEnded, *sess)
}

// RefreshUser re-fetches the account record (role may have changed
// server-side) and updates the session in place. Failure ends the session.
func (m *Manager) RefreshUser(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return errs.NewCodeError(errs.CodeUnauthorized, "no active session")
	}
	gen := m.gen
	token := m.sess.AccessToken
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.conf.RequestTimeout)
	defer cancel()
	user, err := m.authn.WhoAmI(cctx, token)
	if err != nil {
		logger.Warn("refresh user failed, ending session", zap.Error(err))
		m.Logout(ctx)
		return err
	}

	m.mu.Lock()
	if m.sess != nil && m.gen == gen {
		m.sess.UserID = user.ID
		m.sess.Name = user.Name
		m.sess.Role = user.Role
	}
	m.mu.Unlock()
	return nil
}

// ForceRefresh runs a credential refresh now, sharing flight with the
// background timer so two triggers never race and invalidate each other's
// tokens.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

// Touch records a user interaction and re-arms the inactivity timer by
// cancel-and-reschedule. A session with continuous small interactions never
// expires; one without expires exactly once at the timeout mark.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	m.sess.LastActivityAt = m.conf.Clock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	gen := m.gen
	m.idleTimer = time.AfterFunc(m.conf.InactivityTimeout, func() { m.onIdleTimeout(gen) })
}

// ===== 内部实现 =====

// install replaces the session and re-arms both timers. The old session's
// timers are guaranteed cancelled (gen bump + Stop) before the new one is
// visible, so a stale timer can never log out a newer session.
func (m *Manager) install(pair auth.TokenPair, user auth.User) {
	hint := pair.ExpiresIn
	if hint <= 0 {
		if d, ok := security.ExpiryHint(pair.AccessToken, m.conf.Clock()); ok {
			hint = d
		}
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopTimersLocked()
	m.sess = &Session{
		UserID:         user.ID,
		Name:           user.Name,
		Role:           user.Role,
		AccessToken:    pair.AccessToken,
		RefreshToken:   pair.RefreshToken,
		ExpiresInHint:  hint,
		LastActivityAt: m.conf.Clock(),
	}
	m.refreshTimer = time.AfterFunc(m.refreshIn(hint), func() { m.onRefreshTimer(gen) })
	m.idleTimer = time.AfterFunc(m.conf.InactivityTimeout, func() { m.onIdleTimeout(gen) })
	snap := *m.sess
	m.mu.Unlock()

	if !user.Role.Valid() {
		logger.Warn("backend returned unknown role", zap.String("role", string(user.Role)))
	}
	logger.Info("session started",
		zap.String("user", user.ID), zap.String("role", string(user.Role)),
		zap.String("token", security.HashToken(pair.AccessToken)))
	m.notify(EventStarted, snap)
}

func (m *Manager) persist(pair auth.TokenPair, user auth.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "encode user record")
	}
	return m.store.Save(storage.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UserJSON:     string(raw),
	})
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

// refreshIn picks the next refresh delay: the fixed interval, pulled in when
// the token's expiry hint is shorter than the interval.
func (m *Manager) refreshIn(hint time.Duration) time.Duration {
	every := m.conf.RefreshEvery
	if hint > 0 && hint < every {
		d := hint * 3 / 4
		if d < time.Second {
			d = time.Second
		}
		return d
	}
	return every
}

func (m *Manager) onIdleTimeout(gen uint64) {
	m.mu.Lock()
	// 定时器可能在取消与触发之间竞争，先确认会话还在。
	if m.sess == nil || m.gen != gen {
		m.mu.Unlock()
		return
	}
	idle := m.conf.Clock().Sub(m.sess.LastActivityAt)
	user := m.sess.UserID
	m.mu.Unlock()

	logger.Info("inactivity timeout, ending session",
		zap.String("user", user), zap.Duration("idle", idle))
	m.Logout(context.Background())
}

func (m *Manager) onRefreshTimer(gen uint64) {
	m.mu.Lock()
	stale := m.sess == nil || m.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.ForceRefresh(context.Background()); err != nil {
		logger.Warn("background refresh failed", zap.Error(err))
	}
}

// doRefresh is the single refresh path (only ever entered via the
// singleflight group). A failed refresh means the refresh token is no longer
// valid, so failure is an unconditional logout, never a retry. The same
// applies when the follow-up who-am-i fails: a half-refreshed session is
// never exposed.
func (m *Manager) doRefresh(ctx context.Context) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return errs.NewCodeError(errs.CodeUnauthorized, "no active session")
	}
	gen := m.gen
	refreshToken := m.sess.RefreshToken
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, m.conf.RequestTimeout)
	defer cancel()

	access, expiresIn, err := m.authn.Refresh(cctx, refreshToken)
	if err != nil {
		logger.Warn("refresh rejected, ending session", zap.Error(err))
		m.Logout(ctx)
		return err
	}
	user, err := m.authn.WhoAmI(cctx, access)
	if err != nil {
		logger.Warn("post-refresh who-am-i failed, ending session", zap.Error(err))
		m.Logout(ctx)
		return err
	}

	hint := expiresIn
	if hint <= 0 {
		if d, ok := security.ExpiryHint(access, m.conf.Clock()); ok {
			hint = d
		}
	}

	m.mu.Lock()
	if m.sess == nil || m.gen != gen {
		// 刷新期间已登出，丢弃结果。
		m.mu.Unlock()
		return nil
	}
	m.sess.AccessToken = access
	m.sess.ExpiresInHint = hint
	m.sess.UserID = user.ID
	m.sess.Name = user.Name
	m.sess.Role = user.Role
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(m.refreshIn(hint), func() { m.onRefreshTimer(gen) })
	pair := auth.TokenPair{AccessToken: access, RefreshToken: refreshToken}
	snap := *m.sess
	// 持久化留在临界区内：并发的 Logout 只能排在它之后执行，
	// 清掉的存储不会被刷新结果写回。
	if err := m.persist(pair, user); err != nil {
		logger.Warn("persist refreshed credentials failed", zap.Error(err))
	}
	m.mu.Unlock()

	logger.Debug("access token refreshed",
		zap.String("token", security.HashToken(access)), zap.Duration("hint", hint))
	m.notify(EventRefreshed, snap)
	return nil
}
