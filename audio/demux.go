package audio

import (
	"io"
	"sync"
	"time"

	"github.com/badrtairlbahrepro/VisionClaw/logger"
)

// Sink receives model audio in arrival order.
type Sink interface {
	Write(pcm []byte) error
}

// Flusher is implemented by sinks that buffer audio and can discard it on barge-in.
type Flusher interface {
	Flush()
}

// SpeakingFunc observes changes of the model speaking flag.
type SpeakingFunc func(speaking bool)

// Demuxer queues model audio for playback and tracks whether the model is speaking.
//
// Chunks are handed to the sink in exactly the order Push receives them by a
// single drain goroutine, so a slow sink never blocks the session read loop.
type Demuxer struct {
	sink   Sink
	policy TurnEndPolicy

	mu        sync.Mutex
	queue     [][]byte
	queued    int
	speaking  bool
	turn      uint64
	timer     *time.Timer
	observers []SpeakingFunc
	closed    bool

	// notifyMu orders observer calls; reported is the flag they last saw.
	// Taken before mu.
	notifyMu sync.Mutex
	reported bool

	wake chan struct{}
	done chan struct{}
}

// NewDemuxer starts a demuxer draining into sink. A nil sink discards audio.
func NewDemuxer(sink Sink, policy TurnEndPolicy) *Demuxer {
	if sink == nil {
		sink = NewWriterSink(io.Discard)
	}
	d := &Demuxer{
		sink:   sink,
		policy: policy,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.drain()
	return d
}

// OnSpeakingChange registers fn to be called after every speaking flag change.
// Callbacks run synchronously and must not call back into the Demuxer.
func (d *Demuxer) OnSpeakingChange(fn SpeakingFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Push appends one chunk to the playback queue. The first chunk of a turn sets
// the speaking flag; every chunk restarts the silence timer.
func (d *Demuxer) Push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, pcm)
	d.queued += len(pcm)
	d.speaking = true
	if d.policy.usesSilence() {
		d.armSilenceLocked()
	}
	d.mu.Unlock()

	d.publish()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// TurnEnded reports an explicit turn-complete marker from the service.
// It clears the speaking flag unless the policy is silence-only.
func (d *Demuxer) TurnEnded() {
	if !d.policy.usesMarker() {
		return
	}
	d.endTurn()
}

// Interrupt drops all queued audio and clears the speaking flag. Used when the
// user barges in and the service abandons the current model turn.
func (d *Demuxer) Interrupt() {
	d.mu.Lock()
	d.queue = nil
	d.queued = 0
	d.mu.Unlock()

	if f, ok := d.sink.(Flusher); ok {
		f.Flush()
	}
	d.endTurn()
}

// Speaking reports whether the model is currently speaking.
func (d *Demuxer) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Queued returns the number of bytes waiting for the sink.
func (d *Demuxer) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Close stops the drain goroutine. Queued audio is discarded.
func (d *Demuxer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.queued = 0
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	close(d.done)
}

func (d *Demuxer) endTurn() {
	d.mu.Lock()
	d.speaking = false
	d.turn++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.publish()
}

// armSilenceLocked restarts the silence timer. A timer that fires after a newer
// chunk or turn boundary sees a different turn counter and does nothing.
func (d *Demuxer) armSilenceLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.turn++
	turn := d.turn
	d.timer = time.AfterFunc(d.policy.Silence, func() {
		d.mu.Lock()
		current := d.turn == turn
		d.mu.Unlock()
		if current {
			logger.Debug("model speech ended after silence", "component", "audio", "silence", d.policy.Silence)
			d.endTurn()
		}
	})
}

// publish tells observers the current flag if it differs from what they last
// saw. The flag is read under notifyMu, so concurrent changes are delivered in
// order and observers always end on the latest value.
func (d *Demuxer) publish() {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	speaking := d.speaking
	if speaking == d.reported {
		d.mu.Unlock()
		return
	}
	d.reported = speaking
	observers := make([]SpeakingFunc, len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()

	for _, fn := range observers {
		fn(speaking)
	}
}

func (d *Demuxer) drain() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			chunk := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.queued -= len(chunk)
			d.mu.Unlock()

			if err := d.sink.Write(chunk); err != nil {
				logger.Warn("audio sink write failed", "component", "audio", "error", err)
			}
		}
	}
}

// WriterSink writes raw PCM to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w as a Sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements Sink.
func (s *WriterSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(pcm)
	return err
}
