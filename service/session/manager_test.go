package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PAccess/service/auth"
	"PAccess/service/storage"
	errs "PAccess/tools/errs"
)

// ===== fakes =====

type memStore struct {
	mu     sync.Mutex
	creds  storage.Credentials
	stored bool
	clears int
}

func (s *memStore) Load() (storage.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, s.stored, nil
}

func (s *memStore) Save(creds storage.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.stored = true
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = storage.Credentials{}
	s.stored = false
	s.clears++
	return nil
}

func (s *memStore) Current() storage.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

type fakeAuth struct {
	mu sync.Mutex

	user       auth.User
	loginErr   error
	refreshErr error
	whoErr     error

	nextAccess string

	loginCalls      int
	refreshCalls    int
	whoCalls        int
	invalidateCalls int

	refreshGate chan struct{} // 非 nil 时刷新阻塞在此
}

func (f *fakeAuth) Login(ctx context.Context, identifier, secret string) (auth.TokenPair, auth.User, error) {
	f.mu.Lock()
	f.loginCalls++
	err := f.loginErr
	user := f.user
	f.mu.Unlock()
	if err != nil {
		return auth.TokenPair{}, auth.User{}, err
	}
	return auth.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}, user, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error) {
	f.mu.Lock()
	f.refreshCalls++
	err := f.refreshErr
	access := f.nextAccess
	gate := f.refreshGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", 0, err
	}
	if access == "" {
		access = "access-2"
	}
	return access, 0, nil
}

func (f *fakeAuth) WhoAmI(ctx context.Context, accessToken string) (auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whoCalls++
	if f.whoErr != nil {
		return auth.User{}, f.whoErr
	}
	return f.user, nil
}

func (f *fakeAuth) Invalidate(ctx context.Context, refreshToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidateCalls++
	return nil
}

func (f *fakeAuth) counts() (login, refresh, who, invalidate int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.refreshCalls, f.whoCalls, f.invalidateCalls
}

// gatedStore blocks the blockAt-th Save until gate is closed, to force an
// interleaving between a persist and a concurrent logout.
type gatedStore struct {
	memStore
	gate    chan struct{}
	blockAt int32
	saves   int32
}

func (s *gatedStore) Save(creds storage.Credentials) error {
	if atomic.AddInt32(&s.saves, 1) >= s.blockAt {
		<-s.gate
	}
	return s.memStore.Save(creds)
}

type eventLog struct {
	mu     sync.Mutex
	events []EventKind
}

func (l *eventLog) record(kind EventKind, _ Session) {
	l.mu.Lock()
	l.events = append(l.events, kind)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range l.events {
		if k == kind {
			n++
		}
	}
	return n
}

func testUser() auth.User {
	return auth.User{ID: "u-100", Name: "Desk Guard", Role: auth.RoleGuard}
}

// ===== tests =====

func TestLoginCreatesSessionAndPersists(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	st := &memStore{}
	m := NewManager(Conf{}, fa, st)
	var log eventLog
	m.Subscribe(log.record)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	sess := m.Current()
	if sess == nil {
		t.Fatal("no session after login")
	}
	if sess.UserID != "u-100" || sess.Role != auth.RoleGuard {
		t.Errorf("session user = %q role = %q", sess.UserID, sess.Role)
	}
	if sess.AccessToken != "access-1" {
		t.Errorf("access token = %q", sess.AccessToken)
	}
	creds := st.Current()
	if creds.AccessToken != "access-1" || creds.RefreshToken != "refresh-1" {
		t.Errorf("persisted creds = %+v", creds)
	}
	if creds.UserJSON == "" {
		t.Error("user record not persisted")
	}
	if log.count(EventStarted) != 1 {
		t.Errorf("started events = %d, want 1", log.count(EventStarted))
	}
}

func TestLoginErrorSurfacesVerbatim(t *testing.T) {
	wantErr := errs.NewCodeError(errs.CodeBadCredentials, "wrong credentials")
	fa := &fakeAuth{loginErr: wantErr}
	m := NewManager(Conf{}, fa, &memStore{})

	err := m.Login(context.Background(), "guard1", "bad")
	if err == nil {
		t.Fatal("expected login error")
	}
	if errs.AsCode(err) != errs.CodeBadCredentials {
		t.Errorf("error code = %d, want %d", errs.AsCode(err), errs.CodeBadCredentials)
	}
	if m.Current() != nil {
		t.Error("session exists after failed login")
	}
}

func TestBootstrapWithoutCredentials(t *testing.T) {
	m := NewManager(Conf{}, &fakeAuth{user: testUser()}, &memStore{})
	ok, err := m.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if ok {
		t.Error("bootstrap reported a session with empty storage")
	}
}

func TestBootstrapValidatesStoredToken(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	st := &memStore{}
	_ = st.Save(storage.Credentials{AccessToken: "stored-access", RefreshToken: "stored-refresh", UserJSON: "{}"})
	m := NewManager(Conf{}, fa, st)

	ok, err := m.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !ok {
		t.Fatal("bootstrap did not restore the session")
	}
	_, _, who, _ := fa.counts()
	if who != 1 {
		t.Errorf("who-am-i calls = %d, want 1 (stored token must be verified)", who)
	}
	sess := m.Current()
	if sess == nil || sess.AccessToken != "stored-access" {
		t.Fatalf("session = %+v", sess)
	}
}

func TestBootstrapRejectedTokenClearsStorage(t *testing.T) {
	fa := &fakeAuth{user: testUser(), whoErr: errs.NewCodeError(errs.CodeTokenExpired, "token expired")}
	st := &memStore{}
	_ = st.Save(storage.Credentials{AccessToken: "stale-access", RefreshToken: "stale-refresh"})
	m := NewManager(Conf{}, fa, st)

	ok, err := m.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap must not fail on a rejected token: %v", err)
	}
	if ok {
		t.Error("bootstrap trusted a rejected token")
	}
	if _, stored, _ := st.Load(); stored {
		t.Error("storage not cleared after rejected token")
	}
	if m.Current() != nil {
		t.Error("session exists after rejected bootstrap")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	st := &memStore{}
	m := NewManager(Conf{}, fa, st)
	var log eventLog
	m.Subscribe(log.record)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	m.Logout(context.Background())
	m.Logout(context.Background())
	m.Logout(context.Background())

	_, _, _, invalidate := fa.counts()
	if invalidate != 1 {
		t.Errorf("invalidate calls = %d, want 1", invalidate)
	}
	if log.count(EventEnded) != 1 {
		t.Errorf("ended events = %d, want 1", log.count(EventEnded))
	}
	if _, stored, _ := st.Load(); stored {
		t.Error("storage not cleared")
	}
}

func TestInactivityTimeoutEndsSessionOnce(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{InactivityTimeout: 50 * time.Millisecond}, fa, &memStore{})
	var log eventLog
	m.Subscribe(log.record)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if m.Current() != nil {
		t.Fatal("session survived the inactivity timeout")
	}
	if got := log.count(EventEnded); got != 1 {
		t.Errorf("ended events = %d, want exactly 1", got)
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{InactivityTimeout: 100 * time.Millisecond}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// 持续小间隔操作，跨过数个超时窗口。
	for i := 0; i < 12; i++ {
		time.Sleep(25 * time.Millisecond)
		m.Touch()
	}
	if m.Current() == nil {
		t.Fatal("session expired despite continuous interactions")
	}

	// 停止操作后按期过期。
	time.Sleep(400 * time.Millisecond)
	if m.Current() != nil {
		t.Fatal("session survived after interactions stopped")
	}
}

func TestBackgroundRefreshRotatesToken(t *testing.T) {
	fa := &fakeAuth{user: testUser(), nextAccess: "access-rotated"}
	st := &memStore{}
	m := NewManager(Conf{RefreshEvery: 40 * time.Millisecond}, fa, st)
	var log eventLog
	m.Subscribe(log.record)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	sess := m.Current()
	if sess == nil {
		t.Fatal("session gone after refresh")
	}
	if sess.AccessToken != "access-rotated" {
		t.Errorf("access token = %q, want access-rotated", sess.AccessToken)
	}
	if st.Current().AccessToken != "access-rotated" {
		t.Errorf("persisted token = %q", st.Current().AccessToken)
	}
	if log.count(EventRefreshed) == 0 {
		t.Error("no refreshed event observed")
	}
	_, refresh, _, _ := fa.counts()
	if refresh == 0 {
		t.Error("refresh never fired")
	}
}

func TestRefreshFailureLogsOut(t *testing.T) {
	fa := &fakeAuth{user: testUser(), refreshErr: errs.NewCodeError(errs.CodeRefreshDenied, "refresh rejected")}
	m := NewManager(Conf{RefreshEvery: 30 * time.Millisecond}, fa, &memStore{})
	var log eventLog
	m.Subscribe(log.record)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if m.Current() != nil {
		t.Fatal("session survived a rejected refresh")
	}
	if log.count(EventEnded) != 1 {
		t.Errorf("ended events = %d, want 1", log.count(EventEnded))
	}
}

func TestWhoAmIFailureAfterRefreshLogsOut(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	fa.mu.Lock()
	fa.whoErr = errs.NewCodeError(errs.CodeTokenExpired, "token expired")
	fa.mu.Unlock()

	if err := m.ForceRefresh(context.Background()); err == nil {
		t.Fatal("expected refresh to fail")
	}
	if m.Current() != nil {
		t.Fatal("half-refreshed session left behind")
	}
}

func TestNoRefreshAfterLogout(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{RefreshEvery: 30 * time.Millisecond}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	m.Logout(context.Background())

	time.Sleep(150 * time.Millisecond)
	_, refresh, _, _ := fa.counts()
	if refresh != 0 {
		t.Errorf("refresh fired %d times after logout", refresh)
	}
}

func TestRefreshUserFailureLogsOut(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	fa.mu.Lock()
	fa.whoErr = errs.NewCodeError(errs.CodeUnauthorized, "unauthorized")
	fa.mu.Unlock()

	if err := m.RefreshUser(context.Background()); err == nil {
		t.Fatal("expected refresh user to fail")
	}
	if m.Current() != nil {
		t.Fatal("session survived a failed user refresh")
	}
}

func TestRefreshUserUpdatesRole(t *testing.T) {
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	fa.mu.Lock()
	fa.user.Role = auth.RoleAdmin
	fa.mu.Unlock()

	if err := m.RefreshUser(context.Background()); err != nil {
		t.Fatalf("refresh user: %v", err)
	}
	if got := m.Current().Role; got != auth.RoleAdmin {
		t.Errorf("role = %q, want admin", got)
	}
}

func TestLogoutDuringRefreshKeepsStorageClear(t *testing.T) {
	// 登录是第 1 次 Save，刷新的持久化是第 2 次，卡住后者。
	st := &gatedStore{gate: make(chan struct{}), blockAt: 2}
	fa := &fakeAuth{user: testUser()}
	m := NewManager(Conf{}, fa, st)

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- m.ForceRefresh(context.Background()) }()

	// 等刷新流程走到被卡住的持久化。
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&st.saves) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&st.saves) < 2 {
		t.Fatal("refresh never reached the persist step")
	}

	logoutDone := make(chan struct{})
	go func() {
		m.Logout(context.Background())
		close(logoutDone)
	}()
	// 给登出机会插进持久化中间，然后放行。
	time.Sleep(50 * time.Millisecond)
	close(st.gate)

	if err := <-refreshDone; err != nil {
		t.Fatalf("refresh: %v", err)
	}
	<-logoutDone

	// 登出后存储必须保持清空，刷新结果不能写回。
	if _, stored, _ := st.Load(); stored {
		t.Error("refresh wrote credentials back around logout")
	}
	if !st.Current().Empty() {
		t.Errorf("current creds = %+v, want empty", st.Current())
	}
	if m.Current() != nil {
		t.Error("session survived logout")
	}
}

func TestConcurrentRefreshesShareOneFlight(t *testing.T) {
	gate := make(chan struct{})
	fa := &fakeAuth{user: testUser(), refreshGate: gate}
	m := NewManager(Conf{}, fa, &memStore{})

	if err := m.Login(context.Background(), "guard1", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.ForceRefresh(context.Background())
		}()
	}
	// 等并发方都挂上同一个 in-flight 刷新再放行。
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	_, refresh, _, _ := fa.counts()
	if refresh != 1 {
		t.Errorf("refresh calls = %d, want 1 (singleflight)", refresh)
	}
}
