package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func startOnDashboard(t *testing.T, localID string) *harness {
	t.Helper()
	h, err := newHarness(localID)
	require.NoError(t, err)
	require.NoError(t, h.w.Start(context.Background(), testUser, "/dashboard"))
	require.Equal(t, StateArmed, h.w.State())
	t.Cleanup(h.w.Close)
	return h
}

func waitIdle(t *testing.T, w *Watchdog) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State() == StateIdle }, eventually, time.Millisecond)
}

func TestStart_RequiresUser(t *testing.T) {
	t.Parallel()

	h, err := newHarness("sess-123")
	require.NoError(t, err)

	err = h.w.Start(context.Background(), User{}, "/dashboard")
	require.ErrorIs(t, err, ErrNotSignedIn)
	assert.Equal(t, StateIdle, h.w.State())
	assert.Zero(t, h.clock.Pending())
}

func TestStart_UnprotectedViewStaysIdle(t *testing.T) {
	t.Parallel()

	h, err := newHarness("sess-123")
	require.NoError(t, err)

	require.NoError(t, h.w.Start(context.Background(), testUser, "/catalog"))
	assert.Equal(t, StateIdle, h.w.State())
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.profiles.Live())

	// Input outside the protected area is a no-op.
	assert.False(t, h.w.OnInput(InputKeyDown))
	assert.Zero(t, h.clock.Pending())
}

func TestStart_ArmsTimerAndSubscribes(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, 1, h.profiles.Live())

	// Starting again on a protected view does not stack timers or subscriptions.
	require.NoError(t, h.w.Start(context.Background(), testUser, "/dashboard/progress"))
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, 1, h.profiles.Live())
}

func TestInactivity_FiresOnceAfterWindow(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")

	h.clock.Advance(29*time.Minute + 59*time.Second)
	assert.Empty(t, h.surface.Navigations())

	h.clock.Advance(2 * time.Second)
	require.Equal(t, []string{"/login"}, h.surface.Navigations())
	notices := h.surface.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonInactivity, notices[0].Reason)
	assert.Equal(t, "Session Expired", notices[0].Title)
	assert.Contains(t, notices[0].Description, "session expired due to inactivity")
	assert.Equal(t, "destructive", notices[0].Variant)
	assert.Equal(t, 1, h.auth.SignOutCalls())
	assert.Equal(t, []Reason{ReasonInactivity}, h.auth.Reasons())

	// Nothing left pending: no second logout however long we wait.
	h.clock.Advance(time.Hour)
	assert.Len(t, h.surface.Navigations(), 1)
	assert.Equal(t, StateIdle, h.w.State())
	assert.Zero(t, h.profiles.Live())
}

func TestInactivity_ContinuousInputNeverFires(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")

	// Pointer movement every five minutes for two hours.
	for i := 0; i < 24; i++ {
		h.clock.Advance(5 * time.Minute)
		require.True(t, h.w.OnInput(InputPointerMove))
		require.Equal(t, 1, h.clock.Pending(), "at most one pending timer")
	}

	assert.Empty(t, h.surface.Navigations())
	assert.Zero(t, h.auth.SignOutCalls())
	assert.Equal(t, StateArmed, h.w.State())
}

func TestInactivity_EveryQualifyingKindResets(t *testing.T) {
	t.Parallel()

	kinds := []InputKind{InputPointerDown, InputPointerMove, InputKeyDown, InputScroll, InputTouchStart}
	for _, k := range kinds {
		k := k
		t.Run(string(k), func(t *testing.T) {
			t.Parallel()

			h := startOnDashboard(t, "sess-123")
			h.clock.Advance(25 * time.Minute)
			require.True(t, h.w.OnInput(k))
			h.clock.Advance(25 * time.Minute)
			assert.Empty(t, h.surface.Navigations())
		})
	}
}

func TestInactivity_CallbackFromEarlierArmIgnored(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.w.mu.Lock()
	earlier := h.w.armSeq
	h.w.mu.Unlock()

	// The earlier callback already passed the timer's own check when input
	// re-armed; it must not log the user out.
	h.clock.Advance(29 * time.Minute)
	require.True(t, h.w.OnInput(InputScroll))
	h.w.onTimerFired(earlier)

	assert.Equal(t, StateArmed, h.w.State())
	assert.Empty(t, h.surface.Navigations())
	assert.Zero(t, h.auth.SignOutCalls())

	h.clock.Advance(30*time.Minute + time.Second)
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
}

func TestInactivity_NonQualifyingInputIgnored(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.clock.Advance(25 * time.Minute)
	assert.False(t, h.w.OnInput(InputKind("focus")))
	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
}

func TestLeaveProtectedArea_CancelsTimer(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	require.NoError(t, h.w.SetView(context.Background(), "/catalog"))

	assert.Equal(t, StateIdle, h.w.State())
	assert.Zero(t, h.clock.Pending())
	assert.Zero(t, h.profiles.Live())

	h.clock.Advance(40 * time.Minute)
	assert.Empty(t, h.surface.Navigations())

	// Coming back re-arms with a fresh window.
	require.NoError(t, h.w.SetView(context.Background(), "/dashboard"))
	assert.Equal(t, StateArmed, h.w.State())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestStop_LaterEventsHaveNoEffect(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.w.Stop()

	assert.False(t, h.w.OnInput(InputKeyDown))
	assert.False(t, h.w.OnProfileChanged(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-999", HasActiveSession: true}))
	assert.False(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-999", HasActiveSession: true}))

	h.clock.Advance(2 * time.Hour)
	assert.Zero(t, h.clock.Pending())
	assert.Empty(t, h.surface.Navigations())
	assert.Zero(t, h.auth.SignOutCalls())
}

func TestSuperseded_ForcesLogout(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")

	require.True(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-999", HasActiveSession: true}))
	waitIdle(t, h.w)

	require.Equal(t, []string{"/login"}, h.surface.Navigations())
	notices := h.surface.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, ReasonSessionSuperseded, notices[0].Reason)
	assert.Equal(t, "Session Invalidated", notices[0].Title)
	assert.Contains(t, notices[0].Description, "new login was detected on another device")
	assert.Equal(t, []Reason{ReasonSessionSuperseded}, h.auth.Reasons())

	// Input after the takeover is not processed.
	assert.False(t, h.w.OnInput(InputKeyDown))
	assert.Zero(t, h.clock.Pending())
}

func TestSuperseded_MatchingOrAbsentServerValueKeepsArmed(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")

	require.True(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-123", HasActiveSession: true}))
	require.True(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID}))
	// A second push only returns once the first snapshot has been consumed.
	require.True(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-123", HasActiveSession: true}))

	assert.Equal(t, StateArmed, h.w.State())
	assert.Empty(t, h.surface.Navigations())
}

func TestSuperseded_LocalIDAbsentNeverTriggers(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "")

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		require.True(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: id, HasActiveSession: true}))
	}
	assert.False(t, h.w.OnProfileChanged(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-1", HasActiveSession: true}))

	assert.Equal(t, StateArmed, h.w.State())
	assert.Empty(t, h.surface.Navigations())
	assert.Zero(t, h.auth.SignOutCalls())
}

func TestSuperseded_OtherUsersSnapshotIgnored(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	assert.False(t, h.w.OnProfileChanged(ProfileSnapshot{UserID: "someone-else", ActiveSessionID: "sess-999", HasActiveSession: true}))
	assert.Equal(t, StateArmed, h.w.State())
}

func TestForcedLogout_ConcurrentCallsNavigateOnce(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.auth.gate = make(chan struct{})
	h.auth.entered = make(chan struct{}, 1)

	done := make(chan bool, 1)
	go func() { done <- h.w.ForcedLogout(context.Background(), ReasonInactivity) }()
	<-h.auth.entered

	// The first logout is parked inside SignOut; every racer must back off.
	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.w.ForcedLogout(context.Background(), ReasonSessionSuperseded)
		}()
	}
	wg.Wait()
	close(results)
	for r := range results {
		assert.False(t, r)
	}
	assert.False(t, h.profiles.Push(ProfileSnapshot{UserID: testUser.ID, ActiveSessionID: "sess-999", HasActiveSession: true}))
	h.clock.Advance(time.Hour)

	close(h.auth.gate)
	require.True(t, <-done)

	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
	assert.Equal(t, 1, h.auth.SignOutCalls())
	assert.Equal(t, StateIdle, h.w.State())
}

func TestForcedLogout_NoUserSkipsSignOutButNavigates(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.auth.signedIn = false

	require.True(t, h.w.ForcedLogout(context.Background(), ReasonInactivity))
	assert.Zero(t, h.auth.SignOutCalls())
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
}

func TestForcedLogout_SignOutRetriedOnce(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.auth.failN = 1

	require.True(t, h.w.ForcedLogout(context.Background(), ReasonInactivity))
	assert.Equal(t, 2, h.auth.SignOutCalls())
	assert.Zero(t, h.local.Cleared())
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
}

func TestForcedLogout_SignOutFailureClearsLocalCredentials(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h, err := newHarness("sess-123")
	require.NoError(t, err)
	h.w.metrics = NewMetrics(reg)
	require.NoError(t, h.w.Start(context.Background(), testUser, "/dashboard"))
	h.auth.failN = 5

	require.True(t, h.w.ForcedLogout(context.Background(), ReasonSessionSuperseded))

	assert.Equal(t, DefaultSignOutAttempts, h.auth.SignOutCalls())
	assert.Equal(t, 1, h.local.Cleared())
	_, ok := h.local.ActiveSessionID()
	assert.False(t, ok)
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.w.metrics.signOutFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.w.metrics.forcedLogouts.WithLabelValues(string(ReasonSessionSuperseded))))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.w.metrics.armed))
}

func TestForcedLogout_RejectsUnknownReason(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	assert.False(t, h.w.ForcedLogout(context.Background(), Reason("bored")))
	assert.Equal(t, StateArmed, h.w.State())
}

func TestAfterLogout_ProtectedViewDoesNotRearm(t *testing.T) {
	t.Parallel()

	h := startOnDashboard(t, "sess-123")
	h.clock.Advance(31 * time.Minute)
	require.Len(t, h.surface.Navigations(), 1)

	require.NoError(t, h.w.SetView(context.Background(), "/dashboard"))
	assert.Equal(t, StateIdle, h.w.State())
	assert.Zero(t, h.clock.Pending())
}

func TestStart_SubscribeFailureKeepsInactivityTimer(t *testing.T) {
	t.Parallel()

	h, err := newHarness("sess-123")
	require.NoError(t, err)
	h.profiles.err = errors.New("redis down")

	err = h.w.Start(context.Background(), testUser, "/dashboard")
	require.ErrorIs(t, err, ErrSubscribe)
	assert.Equal(t, StateArmed, h.w.State())

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, []string{"/login"}, h.surface.Navigations())
}

func TestParseInputKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    InputKind
		wantErr bool
	}{
		{in: "pointer_down", want: InputPointerDown},
		{in: " KEY_DOWN ", want: InputKeyDown},
		{in: "touch_start", want: InputTouchStart},
		{in: "resize", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseInputKind(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownInput, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
