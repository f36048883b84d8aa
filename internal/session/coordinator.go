package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	"github.com/angelmondragon/packfinderz-client/pkg/auth"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	defaultMaxPending     = 256
	defaultExpirySkew     = 30 * time.Second
)

var (
	// ErrNoRefreshToken means an auth rejection arrived with nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrMalformedRefresh means the refresh endpoint answered without an access token.
	ErrMalformedRefresh = errors.New("refresh response missing access token")
	// ErrLoggedOut is the cause reported while the coordinator is logged out.
	ErrLoggedOut = errors.New("session is logged out")
	// ErrRetryRejected means the replay carrying a fresh token was rejected too.
	ErrRetryRejected = errors.New("request rejected after token refresh")
)

type credentialStore interface {
	Snapshot() credentials.Record
	SetTokens(ctx context.Context, accessToken, refreshToken string) error
	Clear(ctx context.Context) error
	Subscribe(fn func(credentials.Record)) events.Unsubscribe
}

type Options struct {
	RefreshTimeout time.Duration
	MaxPending     int
	// ExpirySkew is how close to exp an access token is refreshed before use.
	ExpirySkew time.Duration
	Logger     *logger.Logger
	Metrics    *metrics.ClientMetrics
}

// Coordinator attaches bearer tokens to outbound requests and recovers from
// access token expiry with one shared refresh per expiry event.
type Coordinator struct {
	transport Transport
	refresher Refresher
	creds     credentialStore
	logg      *logger.Logger
	metrics   *metrics.ClientMetrics

	refreshTimeout time.Duration
	maxPending     int
	expirySkew     time.Duration

	// writeMu serializes the coordinator's own credential writes against
	// epoch changes. Order: writeMu, then mu.
	writeMu sync.Mutex
	mu      sync.Mutex
	state   State
	pending *pendingQueue
	epoch   uint64

	changes     *events.Broker[State]
	unsubscribe events.Unsubscribe
}

func NewCoordinator(transport Transport, refresher Refresher, creds credentialStore, opts Options) (*Coordinator, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if creds == nil {
		return nil, errors.New("credential store is required")
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaultMaxPending
	}
	if opts.ExpirySkew <= 0 {
		opts.ExpirySkew = defaultExpirySkew
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	c := &Coordinator{
		transport:      transport,
		refresher:      refresher,
		creds:          creds,
		logg:           opts.Logger,
		metrics:        opts.Metrics,
		refreshTimeout: opts.RefreshTimeout,
		maxPending:     opts.MaxPending,
		expirySkew:     opts.ExpirySkew,
		state:          StateIdle,
		changes:        events.NewBroker[State](),
	}
	if creds.Snapshot().Validity() == credentials.ValidityLoggedOut {
		c.state = StateLoggedOut
	}
	c.unsubscribe = creds.Subscribe(c.onCredentialsChanged)
	return c, nil
}

// Close detaches the coordinator from the credential store.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe is notified on every state transition.
func (c *Coordinator) Subscribe(fn func(State)) events.Unsubscribe {
	return c.changes.Subscribe(fn)
}

// Do sends req with the current access token. An auth rejection parks the
// request behind the shared refresh and replays it once with the new token.
func (c *Coordinator) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = c.logg.WithRequestID(ctx, req.ID)

	sent, err := c.FreshToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Send(ctx, req, sent)
	if !isAuthFailure(err) {
		return resp, err
	}
	authErr := err

	token, err := c.awaitToken(ctx, sent)
	if err != nil {
		return nil, multierr.Append(err, authErr)
	}

	resp, err = c.transport.Send(ctx, req.replay(), token)
	switch {
	case isAuthFailure(err):
		c.metrics.IncRetry("rejected")
		c.logg.Warn(ctx, "session.retry.rejected")
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, multierr.Append(ErrRetryRejected, err), ErrRetryRejected.Error())
	case err != nil:
		c.metrics.IncRetry("error")
	default:
		c.metrics.IncRetry("ok")
	}
	return resp, err
}

// Login stores a freshly issued pair and re-arms refresh handling. Requests
// parked behind a refresh of the previous session replay with the new token.
func (c *Coordinator) Login(ctx context.Context, pair TokenPair) error {
	if strings.TrimSpace(pair.AccessToken) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "access token is required")
	}
	c.writeMu.Lock()
	c.mu.Lock()
	c.epoch++
	waiters := c.drainLocked()
	var changed bool
	if c.state == StateRefreshing {
		changed = c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	err := c.creds.SetTokens(ctx, pair.AccessToken, pair.RefreshToken)
	c.writeMu.Unlock()
	c.publish(changed)

	c.logg.Info(ctx, "session.login")
	for _, w := range waiters {
		w.settle(pair.AccessToken, nil)
	}
	return err
}

// Logout clears credentials. A refresh still in flight is discarded and its
// waiters are rejected.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.writeMu.Lock()
	c.mu.Lock()
	c.epoch++
	waiters := c.drainLocked()
	changed := c.setStateLocked(StateLoggedOut)
	c.mu.Unlock()
	err := c.creds.Clear(ctx)
	c.writeMu.Unlock()
	c.publish(changed)

	c.logg.Info(ctx, "session.logout")
	rejectLoggedOut(waiters)
	return err
}

// Renew exchanges a token the server rejected for a fresh one, joining the
// refresh in flight if there is one.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (string, error) {
	return c.awaitToken(ctx, rejected)
}

// FreshToken returns the access token to send next. A token whose exp falls
// inside the expiry skew is refreshed first, unless its whole lifetime is
// shorter than the skew.
func (c *Coordinator) FreshToken(ctx context.Context) (string, error) {
	rec := c.creds.Snapshot()
	if rec.AccessToken == "" || rec.RefreshToken == "" {
		return rec.AccessToken, nil
	}
	claims, err := auth.ParseUnverified(rec.AccessToken)
	if err != nil || !claims.ExpiresWithin(time.Now(), c.expirySkew) {
		return rec.AccessToken, nil
	}
	if claims.IssuedAt != nil && claims.ExpiresAt.Sub(claims.IssuedAt.Time) <= c.expirySkew {
		return rec.AccessToken, nil
	}
	c.logg.Debug(ctx, "session.refresh.proactive")
	return c.awaitToken(ctx, rec.AccessToken)
}

// awaitToken returns the token to replay with, joining or starting a refresh.
func (c *Coordinator) awaitToken(ctx context.Context, sent string) (string, error) {
	c.mu.Lock()
	if c.state == StateLoggedOut {
		c.mu.Unlock()
		return "", pkgerrors.Wrap(pkgerrors.CodeSessionExpired, ErrLoggedOut, "session expired")
	}

	rec := c.creds.Snapshot()
	if c.state == StateIdle && rec.AccessToken != "" && rec.AccessToken != sent {
		c.mu.Unlock()
		c.logg.Debug(ctx, "session.refresh.already_settled")
		return rec.AccessToken, nil
	}

	w := newWaiter()
	var changed bool
	if c.pending == nil {
		if rec.RefreshToken == "" {
			if rec.IsGuest {
				c.mu.Unlock()
				c.logg.Debug(ctx, "session.refresh.guest")
				return "", pkgerrors.Wrap(pkgerrors.CodeSessionExpired, ErrNoRefreshToken, "session expired")
			}
			changed = c.setStateLocked(StateLoggedOut)
			c.epoch++
			epoch := c.epoch
			c.mu.Unlock()
			c.publish(changed)
			c.logg.Warn(ctx, "session.refresh.no_refresh_token")
			c.clearIfCurrent(ctx, epoch)
			return "", pkgerrors.Wrap(pkgerrors.CodeSessionExpired, ErrNoRefreshToken, "session expired")
		}
		c.pending = newPendingQueue(c.maxPending)
		go c.refresh(c.epoch, rec.RefreshToken, rec.AccessToken)
	}
	changed = c.setStateLocked(StateRefreshing)
	if err := c.pending.push(w); err != nil {
		c.mu.Unlock()
		c.publish(changed)
		c.logg.Warn(ctx, "session.refresh.queue_full")
		return "", err
	}
	c.metrics.SetPending(c.pending.len())
	c.mu.Unlock()
	c.publish(changed)

	select {
	case out := <-w.done:
		return out.token, out.err
	case <-ctx.Done():
		return "", pkgerrors.WrapContext(pkgerrors.CodeTimeout, ctx.Err(), "waiting for token refresh")
	}
}

// refresh runs detached from every caller so one cancelled request cannot
// strand the others.
func (c *Coordinator) refresh(epoch uint64, refreshToken, staleAccess string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	ctx = c.logg.WithTokenFingerprint(ctx, staleAccess)

	c.logg.Info(ctx, "session.refresh.start")
	start := time.Now()
	pair, err := c.refresher.Refresh(ctx, refreshToken, staleAccess)
	if err == nil && strings.TrimSpace(pair.AccessToken) == "" {
		err = ErrMalformedRefresh
	}
	if err != nil {
		c.metrics.ObserveRefresh("failed", time.Since(start))
		c.fail(ctx, epoch, err)
		return
	}
	c.metrics.ObserveRefresh("ok", time.Since(start))
	if strings.TrimSpace(pair.RefreshToken) == "" {
		pair.RefreshToken = refreshToken
	}
	c.succeed(ctx, epoch, pair)
}

// succeed stores the refreshed pair and releases the waiters. A result whose
// epoch was overtaken by a login or logout is dropped; those already settled
// the waiters of this cycle.
func (c *Coordinator) succeed(ctx context.Context, epoch uint64, pair TokenPair) {
	c.writeMu.Lock()
	if c.superseded(epoch) {
		c.writeMu.Unlock()
		c.logg.Info(ctx, "session.refresh.superseded")
		return
	}
	if err := c.creds.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		c.logg.Error(ctx, "session.refresh.persist_failed", err)
	}
	c.mu.Lock()
	waiters := c.drainLocked()
	changed := c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.writeMu.Unlock()
	c.publish(changed)

	c.logg.Info(ctx, "session.refresh.succeeded")
	for _, w := range waiters {
		w.settle(pair.AccessToken, nil)
	}
}

func (c *Coordinator) fail(ctx context.Context, epoch uint64, cause error) {
	c.logg.Error(ctx, "session.refresh.failed", cause)

	c.writeMu.Lock()
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.logg.Info(ctx, "session.refresh.superseded")
		return
	}
	waiters := c.drainLocked()
	c.epoch++
	changed := c.setStateLocked(StateLoggedOut)
	c.mu.Unlock()
	if err := c.creds.Clear(ctx); err != nil {
		c.logg.Error(ctx, "session.logout.persist_failed", err)
	}
	c.writeMu.Unlock()
	c.publish(changed)

	expired := pkgerrors.Wrap(pkgerrors.CodeSessionExpired, cause, "token refresh failed")
	for _, w := range waiters {
		w.settle("", expired)
	}
}

// clearIfCurrent wipes the credentials unless a login or logout has moved the
// epoch on since the caller decided to log out.
func (c *Coordinator) clearIfCurrent(ctx context.Context, epoch uint64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.superseded(epoch) {
		return
	}
	if err := c.creds.Clear(ctx); err != nil {
		c.logg.Error(ctx, "session.logout.persist_failed", err)
	}
}

func (c *Coordinator) superseded(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch != c.epoch
}

func (c *Coordinator) drainLocked() []*waiter {
	if c.pending == nil {
		return nil
	}
	waiters := c.pending.drain()
	c.pending = nil
	c.metrics.SetPending(0)
	return waiters
}

func rejectLoggedOut(waiters []*waiter) {
	if len(waiters) == 0 {
		return
	}
	expired := pkgerrors.Wrap(pkgerrors.CodeSessionExpired, ErrLoggedOut, "session expired")
	for _, w := range waiters {
		w.settle("", expired)
	}
}

// onCredentialsChanged runs under the credential store's write lock and must
// not write back into it.
func (c *Coordinator) onCredentialsChanged(rec credentials.Record) {
	c.mu.Lock()
	var (
		changed bool
		waiters []*waiter
	)
	switch {
	case c.state == StateLoggedOut && rec.RefreshToken != "":
		changed = c.setStateLocked(StateIdle)
	case c.state != StateLoggedOut && rec.Validity() == credentials.ValidityLoggedOut:
		c.epoch++
		waiters = c.drainLocked()
		changed = c.setStateLocked(StateLoggedOut)
	}
	c.mu.Unlock()
	c.publish(changed)
	rejectLoggedOut(waiters)
}

func (c *Coordinator) setStateLocked(next State) bool {
	if c.state == next {
		return false
	}
	c.state = next
	return true
}

func (c *Coordinator) publish(changed bool) {
	if !changed {
		return
	}
	state := c.State()
	c.logg.Debug(c.logg.WithSessionState(context.Background(), string(state)), "session.state.changed")
	c.changes.Publish(state)
}
