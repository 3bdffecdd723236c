package client

import (
	"math/rand"
	"time"
)

// Reconnect delays in seconds; the final value repeats. Each delay is
// jittered by ±20% so a server restart does not synchronize every client's
// retry.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

const reconnectJitter = 0.2

// reconnectDelay returns the jittered delay for the given attempt number
// (1-based).
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	index := attempt - 1
	if index >= len(reconnectDelays) {
		index = len(reconnectDelays) - 1
	}
	base := reconnectDelays[index]

	jitter := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(base) * jitter)
}
