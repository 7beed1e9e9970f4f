package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/badrtairlbahrepro/VisionClaw/audio"
	"github.com/badrtairlbahrepro/VisionClaw/media"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// dirFrameSource replays the images of a directory in name order, one every
// interval, standing in for a camera.
type dirFrameSource struct {
	paths    []string
	next     int
	interval time.Duration
	loop     bool
	last     time.Time
}

func newDirFrameSource(dir string, interval time.Duration, loop bool) (*dirFrameSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(paths)
	return &dirFrameSource{paths: paths, interval: interval, loop: loop}, nil
}

// NextFrame implements live.FrameSource.
func (s *dirFrameSource) NextFrame(ctx context.Context) (image.Image, error) {
	if s.next >= len(s.paths) {
		if !s.loop {
			return nil, io.EOF
		}
		s.next = 0
	}
	if !s.last.IsZero() && s.interval > 0 {
		wait := time.Until(s.last.Add(s.interval))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	s.last = time.Now()

	path := s.paths[s.next]
	s.next++
	return media.DecodeFile(path)
}

// pcmReader yields fixed-size chunks of 16-bit little-endian PCM.
type pcmReader struct {
	r       io.Reader
	samples int
	pace    bool
	last    time.Time
}

func newPCMReader(r io.Reader, samples int, pace bool) *pcmReader {
	if samples <= 0 {
		samples = audio.DefaultChunkSamples
	}
	return &pcmReader{r: r, samples: samples, pace: pace}
}

// Next returns the next chunk. The final chunk may be short. It returns
// io.EOF once the input is exhausted. With pacing enabled chunks are released
// at the rate they would have been captured.
func (p *pcmReader) Next(ctx context.Context) ([]int16, error) {
	buf := make([]byte, p.samples*audio.BytesPerSample)
	n, err := io.ReadFull(p.r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	n -= n % audio.BytesPerSample
	samples, err := audio.DecodePCM16(buf[:n])
	if err != nil {
		return nil, err
	}

	if p.pace {
		if !p.last.IsZero() {
			wait := time.Until(p.last.Add(audio.Duration(p.samples*audio.BytesPerSample, audio.InputSampleRate)))
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		p.last = time.Now()
	}
	return samples, nil
}
