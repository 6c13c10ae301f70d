package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	clock *manualClock
	id    int
	at    time.Time
	f     func()
}

func (t *manualTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.tasks[t.id]; !ok {
		return false
	}
	delete(t.clock.tasks, t.id)
	return true
}

func newManualClock() *manualClock {
	return &manualClock{
		now:   time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		tasks: map[int]*manualTask{},
	}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &manualTask{clock: c, id: c.nextID, at: c.now.Add(d), f: f}
	c.tasks[t.id] = t
	return t
}

// Advance moves time forward and runs due callbacks in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTask
		for _, t := range c.tasks {
			if !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		delete(c.tasks, next.id)
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

type fakeAuth struct {
	mu       sync.Mutex
	user     User
	signedIn bool
	signOuts int
	reasons  []Reason
	failN    int
	// gate, when set, blocks SignOut until closed; entered is signalled first.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeAuth(u User) *fakeAuth {
	return &fakeAuth{user: u, signedIn: true}
}

func (a *fakeAuth) CurrentUser(context.Context) (User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user, a.signedIn
}

func (a *fakeAuth) SignOut(ctx context.Context, u User, reason Reason) error {
	a.mu.Lock()
	gate, entered := a.gate, a.entered
	a.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.signOuts++
	a.reasons = append(a.reasons, reason)
	if a.failN > 0 {
		a.failN--
		return errors.New("backend unavailable")
	}
	a.signedIn = false
	return nil
}

func (a *fakeAuth) SignOutCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signOuts
}

func (a *fakeAuth) Reasons() []Reason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Reason(nil), a.reasons...)
}

type fakeProfiles struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

type fakeSub struct {
	userID string
	ch     chan ProfileSnapshot
	ctx    context.Context
}

func (p *fakeProfiles) Subscribe(ctx context.Context, userID string) (<-chan ProfileSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := &fakeSub{userID: userID, ch: make(chan ProfileSnapshot), ctx: ctx}
	p.subs = append(p.subs, s)
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		close(s.ch)
	}()
	return s.ch, nil
}

// Push delivers snap to the latest live subscription and reports false when
// there is none. The lock is held across the send so the channel cannot be
// closed under it.
func (p *fakeProfiles) Push(snap ProfileSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var live *fakeSub
	for i := len(p.subs) - 1; i >= 0; i-- {
		if p.subs[i].ctx.Err() == nil {
			live = p.subs[i]
			break
		}
	}
	if live == nil {
		return false
	}
	select {
	case live.ch <- snap:
		return true
	case <-live.ctx.Done():
		return false
	}
}

func (p *fakeProfiles) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

type fakeLocal struct {
	mu      sync.Mutex
	id      string
	cleared int
}

func (l *fakeLocal) ActiveSessionID() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id, l.id != ""
}

func (l *fakeLocal) Clear(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.id = ""
	l.cleared++
	return nil
}

func (l *fakeLocal) Cleared() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleared
}

type fakeSurface struct {
	mu          sync.Mutex
	navigations []string
	notices     []Notice
}

func (s *fakeSurface) Notify(_ context.Context, n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
	return nil
}

func (s *fakeSurface) Navigate(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, path)
	return nil
}

func (s *fakeSurface) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *fakeSurface) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}

type harness struct {
	clock    *manualClock
	auth     *fakeAuth
	profiles *fakeProfiles
	local    *fakeLocal
	surface  *fakeSurface
	w        *Watchdog
}

var testUser = User{ID: "01JUSER", SessionID: "sess-123"}

func newHarness(localID string) (*harness, error) {
	h := &harness{
		clock:    newManualClock(),
		auth:     newFakeAuth(testUser),
		profiles: &fakeProfiles{},
		local:    &fakeLocal{id: localID},
		surface:  &fakeSurface{},
	}
	w, err := New(DefaultConfig(), Deps{
		Auth:     h.auth,
		Profiles: h.profiles,
		Local:    h.local,
		Surface:  h.surface,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return nil, err
	}
	h.w = w
	return h, nil
}
