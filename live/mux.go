package live

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/time/rate"

	"github.com/badrtairlbahrepro/VisionClaw/audio"
	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/logger"
	metrics "github.com/badrtairlbahrepro/VisionClaw/metrics/prometheus"
)

// newVideoLimiter allows one frame per interval with no accumulated burst,
// so frames arriving early are dropped rather than queued.
func newVideoLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = config.DefaultVideoMinInterval
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// SubmitAudioChunk sends 16 kHz mono PCM samples. Audio is never throttled;
// long buffers are split into chunks of the configured size (100 ms by
// default) and sent in order.
func (c *Client) SubmitAudioChunk(ctx context.Context, samples []int16) error {
	a, err := c.readyAttempt()
	if err != nil {
		return err
	}

	size := c.cfg.Media.AudioChunkSamples
	if size <= 0 {
		size = audio.DefaultChunkSamples
	}
	chunks, err := audio.Chunk(samples, size)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := c.sendAudio(ctx, a, audio.EncodePCM16(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// SubmitPCM sends already-encoded little-endian PCM16 bytes as one chunk.
func (c *Client) SubmitPCM(ctx context.Context, pcm []byte) error {
	if len(pcm)%audio.BytesPerSample != 0 {
		return audio.ErrOddLength
	}
	a, err := c.readyAttempt()
	if err != nil {
		return err
	}
	return c.sendAudio(ctx, a, pcm)
}

func (c *Client) sendAudio(ctx context.Context, a *attempt, pcm []byte) error {
	msg, err := BuildAudioMessage(pcm)
	if err != nil {
		return fmt.Errorf("failed to encode audio message: %w", err)
	}
	return c.send(ctx, a, "audio", msg)
}

// SubmitVideoFrame encodes img as JPEG and sends it unless a frame was sent
// less than the minimum interval ago. It reports whether the frame was sent;
// a dropped frame is not an error.
func (c *Client) SubmitVideoFrame(ctx context.Context, img image.Image) (bool, error) {
	a, err := c.readyAttempt()
	if err != nil {
		return false, err
	}
	// Throttle before encoding so dropped frames cost nothing. The slot is
	// only taken once the frame encodes.
	now := c.now()
	if !frameDue(a, now) {
		return false, nil
	}
	jpeg, err := c.encoder.Encode(img)
	if err != nil {
		return false, err
	}
	if !admitFrame(a, now) {
		return false, nil
	}
	return c.sendVideo(ctx, a, jpeg)
}

// SubmitJPEG sends an already-encoded JPEG frame under the same throttle as
// SubmitVideoFrame.
func (c *Client) SubmitJPEG(ctx context.Context, jpeg []byte) (bool, error) {
	a, err := c.readyAttempt()
	if err != nil {
		return false, err
	}
	if !admitFrame(a, c.now()) {
		return false, nil
	}
	return c.sendVideo(ctx, a, jpeg)
}

// frameDue reports whether a frame offered at now would be admitted, without
// taking the slot.
func frameDue(a *attempt, now time.Time) bool {
	if a.limiter.TokensAt(now) >= 1 {
		return true
	}
	metrics.RecordVideoFrameDropped()
	return false
}

// admitFrame takes the throttle slot for a frame offered at now.
func admitFrame(a *attempt, now time.Time) bool {
	if a.limiter.AllowN(now, 1) {
		return true
	}
	metrics.RecordVideoFrameDropped()
	return false
}

func (c *Client) sendVideo(ctx context.Context, a *attempt, jpeg []byte) (bool, error) {
	msg, err := BuildVideoMessage(jpeg)
	if err != nil {
		return false, fmt.Errorf("failed to encode video message: %w", err)
	}
	if err := c.send(ctx, a, "video", msg); err != nil {
		return false, err
	}
	logger.DebugContext(a.ctx, "video frame sent", "component", "live", "bytes", len(jpeg))
	return true, nil
}

// FrameSource yields camera frames. NextFrame blocks until a frame is
// available and returns io.EOF when the source is exhausted.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
}

// StreamFrames submits frames from src until it is exhausted, ctx ends, or a
// send fails. Frames offered while the session is not ready are skipped.
// It returns the number of frames actually sent.
func (c *Client) StreamFrames(ctx context.Context, src FrameSource) (int, error) {
	sent := 0
	for {
		img, err := src.NextFrame(ctx)
		if err != nil {
			return sent, err
		}
		ok, err := c.SubmitVideoFrame(ctx, img)
		switch {
		case err == nil:
			if ok {
				sent++
			}
		case errors.Is(err, ErrNotReady):
			continue
		default:
			return sent, err
		}
	}
}
