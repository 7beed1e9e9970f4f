package live

import (
	"context"
	"sync/atomic"
)

// EchoGate mutes microphone audio while the model is speaking. It is meant
// for setups where speaker and microphone share a room and the model would
// otherwise hear itself.
type EchoGate struct {
	client  *Client
	enabled bool
	dropped atomic.Int64
}

// NewEchoGate wraps c. A disabled gate forwards everything.
func NewEchoGate(c *Client, enabled bool) *EchoGate {
	return &EchoGate{client: c, enabled: enabled}
}

// SubmitAudioChunk forwards samples unless the gate is enabled and the model
// is speaking. It reports whether the samples were forwarded.
func (g *EchoGate) SubmitAudioChunk(ctx context.Context, samples []int16) (bool, error) {
	if g.enabled && g.client.ModelSpeaking() {
		g.dropped.Add(int64(len(samples)))
		return false, nil
	}
	if err := g.client.SubmitAudioChunk(ctx, samples); err != nil {
		return false, err
	}
	return true, nil
}

// Dropped returns the number of samples muted so far.
func (g *EchoGate) Dropped() int64 {
	return g.dropped.Load()
}
