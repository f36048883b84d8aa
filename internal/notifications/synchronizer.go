package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/packfinderz-client/internal/credentials"
	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
)

const (
	defaultPullTimeout = 5 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
)

type tokenSource interface {
	AccessToken() string
}

type credentialSource interface {
	tokenSource
	Validity() credentials.Validity
	Subscribe(fn func(credentials.Record)) events.Unsubscribe
}

// TokenRenewer hands out access tokens through the session's shared refresh.
type TokenRenewer interface {
	FreshToken(ctx context.Context) (string, error)
	Renew(ctx context.Context, rejected string) (string, error)
}

type Options struct {
	// Renewer, when set, supplies dial tokens and replaces a token the
	// realtime handshake rejected.
	Renewer     TokenRenewer
	PullTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *logger.Logger
	Metrics     *metrics.ClientMetrics
}

// Synchronizer keeps the unread counter aligned with the server across
// connect and disconnect cycles. Every (re)connect pulls the authoritative
// count; push deltas only adjust it in between.
type Synchronizer struct {
	dialer  Dialer
	puller  UnreadCounter
	tokens  tokenSource
	renewer TokenRenewer
	counter *Counter
	logg    *logger.Logger
	metrics *metrics.ClientMetrics

	pullTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	mu         sync.Mutex
	state      ConnState
	run        uint64
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	pulls      sync.WaitGroup

	changes *events.Broker[ConnState]
}

func NewSynchronizer(dialer Dialer, puller UnreadCounter, tokens tokenSource, counter *Counter, opts Options) (*Synchronizer, error) {
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if puller == nil {
		return nil, errors.New("unread counter source is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if counter == nil {
		return nil, errors.New("counter is required")
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = defaultPullTimeout
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = defaultBackoffMax
		if opts.BackoffMax < opts.BackoffBase {
			opts.BackoffMax = opts.BackoffBase
		}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Synchronizer{
		dialer:      dialer,
		puller:      puller,
		tokens:      tokens,
		renewer:     opts.Renewer,
		counter:     counter,
		logg:        opts.Logger,
		metrics:     opts.Metrics,
		pullTimeout: opts.PullTimeout,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		state:       StateDisconnected,
		changes:     events.NewBroker[ConnState](),
	}, nil
}

func (s *Synchronizer) Unread() int {
	return s.counter.Value()
}

func (s *Synchronizer) SubscribeUnread(fn func(int)) events.Unsubscribe {
	return s.counter.Subscribe(fn)
}

func (s *Synchronizer) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe is notified on connection state transitions.
func (s *Synchronizer) Subscribe(fn func(ConnState)) events.Unsubscribe {
	return s.changes.Subscribe(fn)
}

// Start launches the connect loop. It is a no-op while a loop is running.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.run++
	s.generation++
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	run := s.run
	s.mu.Unlock()

	s.logg.Info(ctx, "notifications.sync.start")
	go s.loop(runCtx, run, done)
}

// Stop tears the loop down and waits for it to exit.
func (s *Synchronizer) Stop() {
	done := s.halt()
	if done != nil {
		<-done
	}
	s.pulls.Wait()
}

// halt invalidates the running loop immediately without waiting for it.
func (s *Synchronizer) halt() chan struct{} {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.run++
	s.generation++
	done := s.done
	s.done = nil
	changed := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.metrics.SetConnected(false)
	s.publish(changed, StateDisconnected)
	s.logg.Info(context.Background(), "notifications.sync.stop")
	return done
}

// BindSession runs the synchronizer only while the session is logged in.
// Leaving the logged-in state also resets the counter.
func (s *Synchronizer) BindSession(ctx context.Context, creds credentialSource) events.Unsubscribe {
	apply := func(v credentials.Validity) {
		if v == credentials.ValidityLoggedIn {
			s.Start(ctx)
			return
		}
		s.halt()
		s.counter.Reset(ctx)
	}
	unsubscribe := creds.Subscribe(func(rec credentials.Record) {
		apply(rec.Validity())
	})
	apply(creds.Validity())
	return unsubscribe
}

func (s *Synchronizer) loop(ctx context.Context, run uint64, done chan struct{}) {
	defer close(done)

	backoff := s.newBackoff()
	for ctx.Err() == nil {
		gen, ok := s.beginAttempt(run)
		if !ok {
			return
		}
		attemptCtx := s.logg.WithConnAttempt(ctx, gen)

		token, err := s.dialToken(ctx)
		var ch Channel
		if err == nil {
			ch, err = s.dialer.Connect(ctx, token)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logg.Warn(s.logg.WithField(attemptCtx, "error", err.Error()), "notifications.connect.failed")
			s.renewRejected(attemptCtx, token, err)
			if !s.disconnected(gen) || !s.sleep(ctx, backoff) {
				return
			}
			s.metrics.IncReconnect()
			continue
		}

		if !s.connected(gen) {
			_ = ch.Close()
			return
		}
		backoff = s.newBackoff()
		s.startPull(ctx, gen)

		s.consume(ctx, gen, ch)
		_ = ch.Close()
		if ctx.Err() != nil {
			return
		}
		if err := ch.Err(); err != nil {
			s.logg.Warn(s.logg.WithField(attemptCtx, "error", err.Error()), "notifications.channel.dropped")
		}
		if !s.disconnected(gen) || !s.sleep(ctx, backoff) {
			return
		}
		s.metrics.IncReconnect()
	}
}

func (s *Synchronizer) dialToken(ctx context.Context) (string, error) {
	if s.renewer == nil {
		return s.tokens.AccessToken(), nil
	}
	return s.renewer.FreshToken(ctx)
}

// renewRejected refreshes the session when the handshake refused token, so
// the next attempt does not dial with the same expired credentials.
func (s *Synchronizer) renewRejected(ctx context.Context, token string, err error) {
	if s.renewer == nil || !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
		return
	}
	if _, err := s.renewer.Renew(ctx, token); err != nil && ctx.Err() == nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "notifications.connect.renew_failed")
	}
}

func (s *Synchronizer) consume(ctx context.Context, gen uint64, ch Channel) {
	stream := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			s.apply(ctx, gen, ev)
		}
	}
}

// apply folds one push delta into the counter unless its connection is stale.
func (s *Synchronizer) apply(ctx context.Context, gen uint64, ev Event) {
	var fn func(int) int
	switch ev.Kind {
	case EventNewItem:
		fn = func(v int) int { return v + 1 }
	case EventMarkedRead:
		n := len(ev.IDs)
		fn = func(v int) int { return v - n }
	case EventMarkedAllRead:
		fn = func(int) int { return 0 }
	default:
		s.logg.Debug(s.logg.WithField(ctx, "kind", string(ev.Kind)), "notifications.event.ignored")
		return
	}
	if _, ok := s.counter.updateIf(ctx, func() bool { return s.current(gen, true) }, fn); !ok {
		s.logg.Debug(ctx, "notifications.event.stale")
	}
}

// current reports whether gen is still the live attempt. The counter calls it
// under its own lock, so a halt cannot slip between the check and the write.
func (s *Synchronizer) current(gen uint64, requireConnected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	return !requireConnected || s.state == StateConnected
}

func (s *Synchronizer) startPull(ctx context.Context, gen uint64) {
	s.pulls.Add(1)
	go func() {
		defer s.pulls.Done()
		s.pull(ctx, gen)
	}()
}

// pull overwrites the local counter with the server's value. A pull that
// resolves after its connection was replaced is dropped.
func (s *Synchronizer) pull(ctx context.Context, gen uint64) {
	pullCtx, cancel := context.WithTimeout(ctx, s.pullTimeout)
	defer cancel()

	n, err := s.puller.UnreadCount(pullCtx)
	if err != nil {
		if ctx.Err() == nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "notifications.pull.failed")
		}
		return
	}

	if _, ok := s.counter.updateIf(ctx, func() bool { return s.current(gen, false) }, func(int) int { return n }); !ok {
		s.logg.Debug(ctx, "notifications.pull.stale")
	}
}

func (s *Synchronizer) beginAttempt(run uint64) (uint64, bool) {
	s.mu.Lock()
	if run != s.run {
		s.mu.Unlock()
		return 0, false
	}
	s.generation++
	gen := s.generation
	changed := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.publish(changed, StateConnecting)
	return gen, true
}

func (s *Synchronizer) connected(gen uint64) bool {
	return s.transition(gen, StateConnected)
}

func (s *Synchronizer) disconnected(gen uint64) bool {
	return s.transition(gen, StateDisconnected)
}

func (s *Synchronizer) transition(gen uint64, next ConnState) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	changed := s.setStateLocked(next)
	s.mu.Unlock()

	s.metrics.SetConnected(next == StateConnected)
	s.publish(changed, next)
	return true
}

func (s *Synchronizer) setStateLocked(next ConnState) bool {
	if s.state == next {
		return false
	}
	s.state = next
	return true
}

func (s *Synchronizer) publish(changed bool, state ConnState) {
	if changed {
		s.changes.Publish(state)
	}
}

// newBackoff is exponential with jitter, capped at backoffMax and unlimited
// in attempts. A fresh one is built after every successful connect.
func (s *Synchronizer) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.backoffBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(s.backoffMax, b)
}

func (s *Synchronizer) sleep(ctx context.Context, b retry.Backoff) bool {
	d, stop := b.Next()
	if stop {
		d = s.backoffMax
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
