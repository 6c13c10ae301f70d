package realtime

import "time"

const (
	// Max bytes per websocket frame read. Inbound frames are tiny.
	maxFrameBytes = 8 << 10

	// Max length of a route path in hello/view.
	maxViewLen = 512
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// The first frame must be hello.
	helloTimeout = 10 * time.Second

	// Per-connection inbound budget. Clients throttle pointer_move before
	// forwarding it, so this is generous.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
