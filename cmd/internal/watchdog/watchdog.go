// Package watchdog ends a learner session after a period without input on a
// protected view, or as soon as the server-held active session id stops
// matching the one the client holds.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Deps are the collaborators a Watchdog drives. All but Clock, Logger and
// Metrics are required.
type Deps struct {
	Auth     Authenticator
	Profiles ProfileSource
	Local    LocalSession
	Surface  Surface
	Clock    Clock
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Watchdog monitors one client. It is safe for concurrent use: input,
// profile snapshots and the timer arrive on different goroutines.
type Watchdog struct {
	cfg      Config
	auth     Authenticator
	profiles ProfileSource
	local    LocalSession
	surface  Surface
	log      *slog.Logger
	metrics  *Metrics
	timer    *Timer

	mu    sync.Mutex
	state State
	user  User
	view  string
	// gen invalidates snapshots from a released subscription.
	gen uint64
	// armSeq is the timer sequence of the latest arm; older callbacks are stale.
	armSeq    uint64
	parent    context.Context
	cancelSub context.CancelFunc
}

func New(cfg Config, deps Deps) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Auth == nil || deps.Profiles == nil || deps.Local == nil || deps.Surface == nil {
		return nil, fmt.Errorf("%w: missing collaborator", ErrConfig)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	w := &Watchdog{
		cfg:      cfg.clone(),
		auth:     deps.Auth,
		profiles: deps.Profiles,
		local:    deps.Local,
		surface:  deps.Surface,
		log:      log,
		metrics:  deps.Metrics,
		parent:   context.Background(),
	}
	w.timer = NewTimer(deps.Clock, w.onTimerFired)
	return w, nil
}

// State returns the current monitoring state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins monitoring user on view. Outside the protected area it only
// records the view; SetView arms the watchdog later.
//
// A subscription failure leaves the inactivity timer armed and is returned
// wrapped in ErrSubscribe.
func (w *Watchdog) Start(ctx context.Context, u User, view string) error {
	if u.ID == "" {
		return ErrNotSignedIn
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateTriggered {
		return nil
	}
	if w.state == StateArmed && w.user.ID != u.ID {
		w.stopLocked()
	}

	w.user = u
	w.view = view
	w.parent = context.WithoutCancel(ctx)

	if !w.cfg.IsProtected(view) {
		if w.state == StateArmed {
			w.stopLocked()
		}
		return nil
	}
	if w.state == StateArmed {
		return nil
	}
	return w.armLocked(ctx)
}

// SetView records a route change and arms or releases the watchdog when the
// client crosses the protected-area boundary.
func (w *Watchdog) SetView(ctx context.Context, view string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.view = view
	protected := w.cfg.IsProtected(view)

	switch w.state {
	case StateArmed:
		if !protected {
			w.stopLocked()
			w.log.Debug("watchdog.leave", "user_id", w.user.ID, "view", view)
		}
	case StateIdle:
		if protected && w.user.ID != "" {
			return w.armLocked(ctx)
		}
	}
	return nil
}

// Stop cancels the timer and releases the profile subscription. Input and
// profile updates that arrive afterwards have no effect.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Close stops monitoring and forgets the user.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.user = User{}
}

// OnInput re-arms the inactivity timer. It reports whether the input was
// applied; input outside the Armed state is ignored.
func (w *Watchdog) OnInput(kind InputKind) bool {
	if !kind.Qualifying() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateArmed {
		return false
	}
	w.armSeq = w.timer.Arm(w.cfg.InactivityTimeout)
	w.metrics.timerReset()
	return true
}

// OnProfileChanged compares snap with the locally held session id and forces
// a logout on mismatch. It reports whether a logout was triggered.
func (w *Watchdog) OnProfileChanged(snap ProfileSnapshot) bool {
	w.mu.Lock()
	gen := w.gen
	w.mu.Unlock()
	return w.handleSnapshot(gen, snap)
}

// ForcedLogout signs the user out, navigates to the login view and shows the
// notice for reason. While one logout is in flight further calls return
// false without side effects.
func (w *Watchdog) ForcedLogout(ctx context.Context, reason Reason) bool {
	if !reason.Valid() {
		return false
	}

	w.mu.Lock()
	if !w.triggerLocked() {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	w.runLogout(ctx, reason)
	return true
}

func (w *Watchdog) handleSnapshot(gen uint64, snap ProfileSnapshot) bool {
	w.mu.Lock()
	if gen != w.gen || w.state != StateArmed {
		w.mu.Unlock()
		return false
	}
	if snap.UserID != "" && snap.UserID != w.user.ID {
		w.mu.Unlock()
		return false
	}

	local, ok := w.local.ActiveSessionID()
	if !ok || local == "" {
		// Not established yet; first load must not look like a takeover.
		w.mu.Unlock()
		return false
	}
	if !snap.HasActiveSession || snap.ActiveSessionID == "" || snap.ActiveSessionID == local {
		w.mu.Unlock()
		return false
	}

	userID := w.user.ID
	w.triggerLocked()
	parent := w.parent
	w.mu.Unlock()

	w.log.Info("watchdog.superseded", "user_id", userID, "local_session_id", local, "active_session_id", snap.ActiveSessionID)
	w.runLogout(parent, ReasonSessionSuperseded)
	return true
}

// onTimerFired runs on the timer goroutine. Input can re-arm between the
// timer releasing its lock and this one taking w.mu, so seq must still be
// the latest arm.
func (w *Watchdog) onTimerFired(seq uint64) {
	w.mu.Lock()
	if w.state != StateArmed || seq != w.armSeq {
		w.mu.Unlock()
		return
	}
	userID := w.user.ID
	w.triggerLocked()
	parent := w.parent
	w.mu.Unlock()

	w.log.Info("watchdog.inactive", "user_id", userID, "timeout", w.cfg.InactivityTimeout.String())
	w.runLogout(parent, ReasonInactivity)
}

// armLocked moves Idle -> Armed. Caller holds w.mu.
func (w *Watchdog) armLocked(ctx context.Context) error {
	w.gen++
	gen := w.gen
	w.setStateLocked(StateArmed)
	w.armSeq = w.timer.Arm(w.cfg.InactivityTimeout)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := w.profiles.Subscribe(subCtx, w.user.ID)
	if err != nil {
		cancel()
		w.log.Warn("watchdog.subscribe.fail", "user_id", w.user.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrSubscribe, err)
	}
	w.cancelSub = cancel

	go func() {
		for snap := range ch {
			w.handleSnapshot(gen, snap)
		}
	}()

	w.log.Debug("watchdog.arm", "user_id", w.user.ID, "view", w.view)
	return nil
}

// stopLocked releases the timer and subscription. Caller holds w.mu.
func (w *Watchdog) stopLocked() {
	w.gen++
	w.timer.Cancel()
	if w.cancelSub != nil {
		w.cancelSub()
		w.cancelSub = nil
	}
	if w.state == StateArmed {
		w.setStateLocked(StateIdle)
	}
}

// triggerLocked moves to Triggered unless a logout is already in flight.
func (w *Watchdog) triggerLocked() bool {
	if w.state == StateTriggered {
		return false
	}
	w.stopLocked()
	w.setStateLocked(StateTriggered)
	return true
}

func (w *Watchdog) setStateLocked(s State) {
	switch {
	case w.state != StateArmed && s == StateArmed:
		w.metrics.armedDelta(1)
	case w.state == StateArmed && s != StateArmed:
		w.metrics.armedDelta(-1)
	}
	w.state = s
}

func (w *Watchdog) runLogout(parent context.Context, reason Reason) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.LogoutTimeout)
	defer cancel()

	defer func() {
		w.mu.Lock()
		w.user = User{}
		w.setStateLocked(StateIdle)
		w.mu.Unlock()
	}()

	if u, ok := w.auth.CurrentUser(ctx); ok {
		if err := w.signOut(ctx, u, reason); err != nil {
			w.metrics.signOutFailed()
			w.log.Error("watchdog.signout.fail", "user_id", u.ID, "reason", string(reason), "err", err)
			if cerr := w.local.Clear(ctx); cerr != nil {
				w.log.Error("watchdog.local_clear.fail", "user_id", u.ID, "err", cerr)
			}
		}
	} else {
		w.log.Debug("watchdog.signout.skip", "reason", string(reason))
	}

	if err := w.surface.Navigate(ctx, w.cfg.LoginPath); err != nil {
		w.log.Warn("watchdog.navigate.fail", "path", w.cfg.LoginPath, "err", err)
	}
	if err := w.surface.Notify(ctx, w.cfg.NoticeFor(reason)); err != nil {
		w.log.Warn("watchdog.notify.fail", "reason", string(reason), "err", err)
	}

	w.metrics.forcedLogout(reason)
	w.log.Info("watchdog.forced_logout", "reason", string(reason))
}

func (w *Watchdog) signOut(ctx context.Context, u User, reason Reason) error {
	var last error
	for attempt := 1; attempt <= w.cfg.SignOutAttempts; attempt++ {
		err := w.auth.SignOut(ctx, u, reason)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return SignOutError{UserID: u.ID, Attempts: attempt, Err: err}
		}
		w.log.Warn("watchdog.signout.retry", "user_id", u.ID, "attempt", attempt, "err", err)
	}
	return SignOutError{UserID: u.ID, Attempts: w.cfg.SignOutAttempts, Err: last}
}
