// Package audio provides file- and pipe-backed audio plumbing for server
// deployments: a capture source that recognizer backends read from, a playback
// sink that synthesizer backends write to, and a microphone check built on the
// capture path. Typical paths are named pipes fed by an external capture
// process (e.g. an arecord or ffmpeg wrapper).
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// PipeSource opens the configured path once per recognition session.
type PipeSource struct {
	// Path is the capture device or named pipe to read PCM from.
	Path string
}

// Open implements the audio-source contract shared by the recognizer
// backends.
func (s *PipeSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("audio: open capture path: %w", err)
	}
	return f, nil
}

// RequestMicrophone implements [capability.MediaAccess] semantics: the check
// succeeds when the capture path can actually be opened for reading right now.
func (s *PipeSource) RequestMicrophone(ctx context.Context) error {
	rc, err := s.Open(ctx)
	if err != nil {
		return err
	}
	return rc.Close()
}

// PipePlayer appends each utterance's audio to the configured path.
type PipePlayer struct {
	// Path is the playback device or named pipe to write audio to.
	Path string
}

// Play copies the audio stream to the playback path, stopping early when ctx
// is cancelled.
func (p *PipePlayer) Play(ctx context.Context, format string, audioStream io.Reader) error {
	f, err := os.OpenFile(p.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audio: open playback path: %w", err)
	}
	defer f.Close()

	_, err = io.Copy(f, &cancelReader{ctx: ctx, r: audioStream})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audio: playback: %w", err)
	}
	return nil
}

// DiscardPlayer drains the audio stream without playing it. Useful when the
// deployment has no output device.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(ctx context.Context, format string, audioStream io.Reader) error {
	_, err := io.Copy(io.Discard, &cancelReader{ctx: ctx, r: audioStream})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// cancelReader aborts reads once its context ends.
type cancelReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, context.Canceled
	}
	return c.r.Read(b)
}
