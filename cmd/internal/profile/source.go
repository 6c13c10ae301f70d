package profile

import (
	"context"

	"finlearn/cmd/internal/watchdog"
)

// WatchdogSource adapts a Store to the watchdog's profile subscription.
type WatchdogSource struct {
	Store Store
}

func (w WatchdogSource) Subscribe(ctx context.Context, userID string) (<-chan watchdog.ProfileSnapshot, error) {
	in, err := w.Store.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make(chan watchdog.ProfileSnapshot)
	go func() {
		defer close(out)
		for s := range in {
			ws := watchdog.ProfileSnapshot{UserID: s.UserID, UpdatedAt: s.UpdatedAt}
			ws.ActiveSessionID, ws.HasActiveSession = s.ActiveSession()
			select {
			case out <- ws:
			case <-ctx.Done():
				// Drain so the store can close its side.
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}
