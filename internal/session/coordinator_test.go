package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/pkg/auth"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
)

type transportFunc func(ctx context.Context, req *Request, token string) (*Response, error)

func (f transportFunc) Send(ctx context.Context, req *Request, token string) (*Response, error) {
	return f(ctx, req, token)
}

type refresherFunc func(ctx context.Context, refreshToken, stale string) (TokenPair, error)

func (f refresherFunc) Refresh(ctx context.Context, refreshToken, stale string) (TokenPair, error) {
	return f(ctx, refreshToken, stale)
}

// tokenServer accepts only its current token.
type tokenServer struct {
	mu      sync.Mutex
	current string
	sends   []string
}

func (s *tokenServer) Send(_ context.Context, req *Request, token string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, token)
	if token != s.current {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "token expired")
	}
	return &Response{StatusCode: 200, Data: []byte(`{"path":"` + req.Path + `"}`)}, nil
}

func (s *tokenServer) rotate(token string) {
	s.mu.Lock()
	s.current = token
	s.mu.Unlock()
}

func newCreds(t *testing.T, access, refresh string) *credentials.Store {
	t.Helper()
	store := credentials.NewStore(storage.NewMemory(), nil, nil)
	if access != "" || refresh != "" {
		if err := store.SetTokens(context.Background(), access, refresh); err != nil {
			t.Fatalf("seed credentials: %v", err)
		}
	}
	return store
}

func newTestCoordinator(t *testing.T, tr Transport, rf Refresher, creds *credentials.Store, opts Options) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(tr, rf, creds, opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitForPending(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := 0
		if c.pending != nil {
			got = c.pending.len()
		}
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending requests", n)
}

func TestDoAttachesCurrentAccessToken(t *testing.T) {
	server := &tokenServer{current: "access-1"}
	creds := newCreds(t, "access-1", "refresh-1")
	c := newTestCoordinator(t, server, refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		t.Fatal("refresh should not run")
		return TokenPair{}, nil
	}), creds, Options{})

	resp, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/api/v1/cart"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if len(server.sends) != 1 || server.sends[0] != "access-1" {
		t.Fatalf("unexpected sends %v", server.sends)
	}
}

func TestConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	server := &tokenServer{current: "access-2"}
	creds := newCreds(t, "access-1", "refresh-1")

	release := make(chan struct{})
	var refreshes int32
	refresher := refresherFunc(func(_ context.Context, refreshToken, stale string) (TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		if refreshToken != "refresh-1" || stale != "access-1" {
			t.Errorf("unexpected refresh input %q %q", refreshToken, stale)
		}
		<-release
		return TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, refresher, creds, Options{})

	const callers = 5
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := c.Do(ctx, &Request{Method: "GET", Path: "/api/v1/notifications"})
			return err
		})
	}

	waitForPending(t, c, callers)
	if c.State() != StateRefreshing {
		t.Fatalf("expected refreshing, got %s", c.State())
	}
	close(release)

	if err := g.Wait(); err != nil {
		t.Fatalf("expected every caller to succeed: %v", err)
	}
	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	rec := creds.Snapshot()
	if rec.AccessToken != "access-2" || rec.RefreshToken != "refresh-2" {
		t.Fatalf("credentials not rotated: %+v", rec)
	}
}

func TestRetriedRequestRejectedAgainIsFinal(t *testing.T) {
	var sends int32
	tr := transportFunc(func(_ context.Context, req *Request, _ string) (*Response, error) {
		n := atomic.AddInt32(&sends, 1)
		if n == 2 && !req.Retried() {
			t.Error("replay should be marked as retried")
		}
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "nope")
	})
	var refreshes int32
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		return TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, tr, rf, newCreds(t, "access-1", "refresh-1"), Options{})

	req := &Request{Method: "GET", Path: "/api/v1/orders"}
	_, err := c.Do(context.Background(), req)
	if !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if !errors.Is(err, ErrRetryRejected) {
		t.Fatalf("expected ErrRetryRejected in chain, got %v", err)
	}
	if req.Retried() {
		t.Fatal("caller's request must not be mutated into a replay")
	}
	if sends != 2 {
		t.Fatalf("expected original plus one replay, got %d sends", sends)
	}
	if refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes)
	}
}

func TestRefreshFailureLogsOutAndRejectsWaiters(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "refresh-1")
	cause := errors.New("refresh token revoked")

	release := make(chan struct{})
	var refreshes int32
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		<-release
		return TokenPair{}, cause
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	var states []State
	var statesMu sync.Mutex
	c.Subscribe(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/api/v1/cart"})
			errs <- err
		}()
	}
	waitForPending(t, c, callers)
	close(release)

	for i := 0; i < callers; i++ {
		err := <-errs
		if !pkgerrors.IsCode(err, pkgerrors.CodeSessionExpired) {
			t.Fatalf("expected session expired, got %v", err)
		}
		if !errors.Is(err, cause) {
			t.Fatalf("expected refresh cause in chain, got %v", err)
		}
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
	if creds.Validity() != credentials.ValidityLoggedOut {
		t.Fatalf("credentials should be cleared, got %s", creds.Validity())
	}

	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/api/v1/cart"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeSessionExpired) || !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected logged out rejection, got %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("logged out state must not refresh again, got %d", refreshes)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) == 0 || states[len(states)-1] != StateLoggedOut {
		t.Fatalf("expected logged out transition, got %v", states)
	}
}

func TestMissingRefreshTokenLogsOutWithoutRefreshing(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "")
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		t.Fatal("refresh should not run without a refresh token")
		return TokenPair{}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/api/v1/cart"})
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected no refresh token error, got %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
	if creds.Validity() != credentials.ValidityLoggedOut {
		t.Fatal("credentials should be cleared")
	}
}

func TestMalformedRefreshResponseLogsOut(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "refresh-1")
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		return TokenPair{RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/api/v1/cart"})
	if !errors.Is(err, ErrMalformedRefresh) {
		t.Fatalf("expected malformed refresh error, got %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	server := &tokenServer{current: "access-2"}
	creds := newCreds(t, "access-1", "refresh-1")
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		return TokenPair{AccessToken: "access-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	if _, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/x"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := creds.RefreshToken(); got != "refresh-1" {
		t.Fatalf("expected refresh token to survive, got %q", got)
	}
}

func TestNonAuthErrorsPassThroughUnretried(t *testing.T) {
	var sends int32
	upstream := pkgerrors.New(pkgerrors.CodeDependency, "bad gateway")
	tr := transportFunc(func(context.Context, *Request, string) (*Response, error) {
		atomic.AddInt32(&sends, 1)
		return nil, upstream
	})
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		t.Fatal("refresh should not run")
		return TokenPair{}, nil
	})
	c := newTestCoordinator(t, tr, rf, newCreds(t, "access-1", "refresh-1"), Options{})

	_, err := c.Do(context.Background(), &Request{Method: "POST", Path: "/api/v1/checkout"})
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error unchanged, got %v", err)
	}
	if sends != 1 {
		t.Fatalf("expected a single send, got %d", sends)
	}
}

func TestStaleTokenRetriesWithoutSecondRefresh(t *testing.T) {
	creds := newCreds(t, "access-1", "refresh-1")
	server := &tokenServer{current: "access-2"}
	tr := transportFunc(func(ctx context.Context, req *Request, token string) (*Response, error) {
		if token == "access-1" {
			// another refresh settles while this request is on the wire
			if err := creds.SetTokens(ctx, "access-2", "refresh-2"); err != nil {
				t.Errorf("rotate: %v", err)
			}
		}
		return server.Send(ctx, req, token)
	})
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		t.Fatal("a stale token must not trigger a refresh")
		return TokenPair{}, nil
	})
	c := newTestCoordinator(t, tr, rf, creds, Options{})

	if _, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/x"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := server.sends; len(got) != 2 || got[1] != "access-2" {
		t.Fatalf("expected replay with the current token, got %v", got)
	}
}

func TestPendingQueueOverflowRejectsImmediately(t *testing.T) {
	server := &tokenServer{current: "access-2"}
	release := make(chan struct{})
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		<-release
		return TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, newCreds(t, "access-1", "refresh-1"), Options{MaxPending: 1})

	first := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/a"})
		first <- err
	}()
	waitForPending(t, c, 1)

	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/b"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeRateLimit) {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("queued request should succeed: %v", err)
	}
}

func TestRefreshTimeoutLogsOut(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "refresh-1")
	rf := refresherFunc(func(ctx context.Context, _, _ string) (TokenPair, error) {
		<-ctx.Done()
		return TokenPair{}, ctx.Err()
	})
	c := newTestCoordinator(t, server, rf, creds, Options{RefreshTimeout: 20 * time.Millisecond})

	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/x"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeSessionExpired) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected expired session after timeout, got %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
}

func TestCancelledCallerDoesNotStrandOthers(t *testing.T) {
	server := &tokenServer{current: "access-2"}
	release := make(chan struct{})
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		<-release
		return TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, newCreds(t, "access-1", "refresh-1"), Options{})

	cancelled, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Do(cancelled, &Request{Method: "GET", Path: "/a"})
		firstErr <- err
	}()
	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/b"})
		secondErr <- err
	}()
	waitForPending(t, c, 2)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller should still succeed: %v", err)
	}
}

func TestLoginReArmsAfterLogout(t *testing.T) {
	server := &tokenServer{current: "access-1"}
	creds := newCreds(t, "access-1", "refresh-1")
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		return TokenPair{}, errors.New("unused")
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})
	ctx := context.Background()

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
	if creds.Validity() != credentials.ValidityLoggedOut {
		t.Fatal("logout should clear credentials")
	}

	if err := c.Login(ctx, TokenPair{AccessToken: "access-1", RefreshToken: "refresh-9"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("login should re-arm the coordinator, got %s", c.State())
	}
	if _, err := c.Do(ctx, &Request{Method: "GET", Path: "/x"}); err != nil {
		t.Fatalf("do after login: %v", err)
	}
}

func TestLoginRequiresAccessToken(t *testing.T) {
	c := newTestCoordinator(t, &tokenServer{}, refresherFunc(nil), newCreds(t, "", ""), Options{})
	err := c.Login(context.Background(), TokenPair{RefreshToken: "r"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExternalClearMovesToLoggedOut(t *testing.T) {
	creds := newCreds(t, "access-1", "refresh-1")
	c := newTestCoordinator(t, &tokenServer{}, refresherFunc(nil), creds, Options{})
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
	if err := creds.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out after credentials cleared, got %s", c.State())
	}
}

func TestLogoutDuringRefreshRejectsWaitersAndDropsResult(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "refresh-1")

	release := make(chan struct{})
	returned := make(chan struct{})
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		defer close(returned)
		<-release
		return TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/a"})
		errs <- err
	}()
	waitForPending(t, c, 1)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := <-errs; !pkgerrors.IsCode(err, pkgerrors.CodeSessionExpired) || !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected waiter rejected by logout, got %v", err)
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)
	if creds.Validity() != credentials.ValidityLoggedOut {
		t.Fatalf("refreshed pair must not be stored after logout, got %+v", creds.Snapshot())
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
}

func TestLoginDuringRefreshReplaysWaitersWithNewToken(t *testing.T) {
	server := &tokenServer{current: "access-2"}
	creds := newCreds(t, "access-1", "refresh-1")

	release := make(chan struct{})
	defer close(release)
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		<-release
		return TokenPair{AccessToken: "access-old", RefreshToken: "refresh-old"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/a"})
		errs <- err
	}()
	waitForPending(t, c, 1)

	if err := c.Login(context.Background(), TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("waiter should replay with the login token: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after login, got %s", c.State())
	}
}

func TestLoginAfterLogoutStartsFreshRefreshCycle(t *testing.T) {
	server := &tokenServer{current: "never"}
	creds := newCreds(t, "access-1", "refresh-1")

	release := make(chan struct{})
	returned := make(chan struct{})
	var (
		seenMu sync.Mutex
		seen   []string
	)
	rf := refresherFunc(func(_ context.Context, refreshToken, _ string) (TokenPair, error) {
		seenMu.Lock()
		seen = append(seen, refreshToken)
		seenMu.Unlock()
		if refreshToken == "refresh-1" {
			defer close(returned)
			<-release
			return TokenPair{AccessToken: "access-stale", RefreshToken: "refresh-stale"}, nil
		}
		return TokenPair{AccessToken: "access-3", RefreshToken: "refresh-3"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, &Request{Method: "GET", Path: "/a"})
		first <- err
	}()
	waitForPending(t, c, 1)

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := <-first; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected first waiter rejected, got %v", err)
	}
	if err := c.Login(ctx, TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	server.rotate("access-3")
	if _, err := c.Do(ctx, &Request{Method: "GET", Path: "/b"}); err != nil {
		t.Fatalf("new session should refresh with its own refresh token: %v", err)
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)

	seenMu.Lock()
	defer seenMu.Unlock()
	if len(seen) != 2 || seen[1] != "refresh-2" {
		t.Fatalf("expected a second refresh with refresh-2, got %v", seen)
	}
	if rec := creds.Snapshot(); rec.AccessToken != "access-3" || rec.RefreshToken != "refresh-3" {
		t.Fatalf("superseded refresh overwrote credentials: %+v", rec)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func TestExternalClearDuringRefreshRejectsWaiters(t *testing.T) {
	creds := newCreds(t, "access-1", "refresh-1")
	release := make(chan struct{})
	defer close(release)
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		<-release
		return TokenPair{AccessToken: "access-2"}, nil
	})
	c := newTestCoordinator(t, &tokenServer{current: "never"}, rf, creds, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/a"})
		errs <- err
	}()
	waitForPending(t, c, 1)

	if err := creds.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := <-errs; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected logged out rejection, got %v", err)
	}
	if c.State() != StateLoggedOut {
		t.Fatalf("expected logged out, got %s", c.State())
	}
}

func TestGuestAuthRejectionKeepsGuestSession(t *testing.T) {
	creds := newCreds(t, "", "")
	if err := creds.SetGuest(context.Background()); err != nil {
		t.Fatalf("set guest: %v", err)
	}
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		t.Fatal("guests have nothing to refresh")
		return TokenPair{}, nil
	})
	c := newTestCoordinator(t, &tokenServer{current: "never"}, rf, creds, Options{})

	_, err := c.Do(context.Background(), &Request{Method: "PUT", Path: "/api/v1/cart/intent"})
	if !pkgerrors.IsCode(err, pkgerrors.CodeSessionExpired) || !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected session expired without refresh token, got %v", err)
	}
	if creds.Validity() != credentials.ValidityGuest {
		t.Fatalf("guest record should survive, got %s", creds.Validity())
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle, got %s", c.State())
	}
}

func mintAccessToken(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.AccessTokenClaims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiresAt)},
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestExpiringTokenRefreshesBeforeSend(t *testing.T) {
	expiring := mintAccessToken(t, "user-1", time.Now().Add(5*time.Second))
	fresh := mintAccessToken(t, "user-1", time.Now().Add(time.Hour))
	server := &tokenServer{current: fresh}
	creds := newCreds(t, expiring, "refresh-1")

	var refreshes int32
	rf := refresherFunc(func(_ context.Context, _, stale string) (TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		if stale != expiring {
			t.Errorf("expected the expiring token as stale bearer")
		}
		return TokenPair{AccessToken: fresh, RefreshToken: "refresh-2"}, nil
	})
	c := newTestCoordinator(t, server, rf, creds, Options{ExpirySkew: 30 * time.Second})

	if _, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/x"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("expected one proactive refresh, got %d", refreshes)
	}
	if len(server.sends) != 1 || server.sends[0] != fresh {
		t.Fatal("expected a single send carrying the refreshed token")
	}

	token, err := c.FreshToken(context.Background())
	if err != nil || token != fresh {
		t.Fatalf("fresh token should be returned as is: %v", err)
	}
	if refreshes != 1 {
		t.Fatalf("a token outside the skew must not refresh, got %d", refreshes)
	}
}

func TestRenewJoinsSharedRefresh(t *testing.T) {
	creds := newCreds(t, "access-1", "refresh-1")
	var refreshes int32
	rf := refresherFunc(func(context.Context, string, string) (TokenPair, error) {
		atomic.AddInt32(&refreshes, 1)
		return TokenPair{AccessToken: "access-2"}, nil
	})
	c := newTestCoordinator(t, &tokenServer{}, rf, creds, Options{})

	token, err := c.Renew(context.Background(), "access-1")
	if err != nil || token != "access-2" {
		t.Fatalf("renew: %q %v", token, err)
	}
	token, err = c.Renew(context.Background(), "access-1")
	if err != nil || token != "access-2" {
		t.Fatalf("renew with an already replaced token: %q %v", token, err)
	}
	if refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes)
	}
}

func TestResponseDecode(t *testing.T) {
	resp := &Response{Data: []byte(`{"count":3}`)}
	var out struct {
		Count int `json:"count"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 3 {
		t.Fatalf("unexpected count %d", out.Count)
	}
	if err := (&Response{}).Decode(&out); err == nil {
		t.Fatal("expected error for empty data")
	}
}
