// Package deepgram implements [capability.Recognizer] on the Deepgram
// streaming WebSocket API. Audio is pulled from an [AudioSource] and forwarded
// as binary frames; transcription results stream back as JSON.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxweave/voxweave/pkg/capability"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000

	// audioChunkBytes is the read size for one outbound binary frame.
	audioChunkBytes = 4096
)

// AudioSource supplies the microphone stream for a recognition session. Open
// is called once per session; the recognizer reads PCM from the returned
// stream until EOF or session stop.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Option configures a [Recognizer].
type Option func(*Recognizer)

// WithModel selects the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithEndpoint overrides the streaming endpoint URL, for tests and proxies.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) { r.endpoint = endpoint }
}

// WithSampleRate sets the PCM sample rate in Hz. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(r *Recognizer) { r.sampleRate = rate }
}

// Recognizer implements [capability.Recognizer] backed by Deepgram.
type Recognizer struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
	source     AudioSource
}

var _ capability.Recognizer = (*Recognizer)(nil)

// New creates a Deepgram recognizer. apiKey must be non-empty and source
// supplies the audio for each session.
func New(apiKey string, source AudioSource, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	r := &Recognizer{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		source:     source,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens a streaming transcription session.
func (r *Recognizer) Start(ctx context.Context, cfg capability.RecognitionConfig) (capability.RecognitionSession, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	audio, err := r.source.Open(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "audio source failed")
		return nil, fmt.Errorf("deepgram: open audio source: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		audio:      audio,
		continuous: cfg.Continuous,
		maxAlts:    cfg.MaxAlternatives,
		results:    make(chan capability.Result, 64),
		done:       make(chan error, 1),
		ctx:        sctx,
		cancel:     cancel,
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()
	go sess.finishWhenDrained()

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg capability.RecognitionConfig) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", r.model)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.sampleRate))
	q.Set("channels", "1")
	if cfg.MaxAlternatives > 1 {
		q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// resultMessage is the JSON shape of a Deepgram Results event.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one live Deepgram stream. It implements
// [capability.RecognitionSession].
type session struct {
	conn       *websocket.Conn
	audio      io.ReadCloser
	continuous bool
	maxAlts    int

	results chan capability.Result
	done    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	failure error
}

func (s *session) Results() <-chan capability.Result { return s.results }

func (s *session) Done() <-chan error { return s.done }

// Stop requests cancellation. The CloseStream frame asks Deepgram to flush
// pending audio before closing.
func (s *session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	s.cancel()
	return nil
}

// fail records the first hard failure; later calls keep the original cause.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.failure == nil && !s.stopped {
		s.failure = err
	}
	s.mu.Unlock()
	s.cancel()
}

// finishWhenDrained waits for both loops, then settles Done exactly once.
func (s *session) finishWhenDrained() {
	s.wg.Wait()
	_ = s.audio.Close()
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
	close(s.results)

	s.mu.Lock()
	err := s.failure
	s.mu.Unlock()
	if err != nil {
		s.done <- err
	} else {
		s.done <- nil
	}
	close(s.done)
}

// writeLoop pumps audio chunks from the source to Deepgram.
func (s *session) writeLoop() {
	defer s.wg.Done()
	buf := make([]byte, audioChunkBytes)
	for {
		n, err := s.audio.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Ask Deepgram to flush pending audio and close; the read
				// loop drains the remaining finals.
				_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			} else if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("deepgram: audio source: %w", err))
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

// readLoop receives Deepgram messages and dispatches recognition results. In
// non-continuous mode the first final result ends the session.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.fail(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}

		res, ok := s.parse(msg)
		if !ok {
			continue
		}

		select {
		case s.results <- res:
		case <-s.ctx.Done():
			return
		}

		if res.Final && !s.continuous {
			s.Stop()
			return
		}
	}
}

// parse converts one raw message into a [capability.Result]. Messages other
// than non-empty Results events are ignored.
func (s *session) parse(data []byte) (capability.Result, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return capability.Result{}, false
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return capability.Result{}, false
	}
	if msg.Channel.Alternatives[0].Transcript == "" {
		return capability.Result{}, false
	}

	alts := msg.Channel.Alternatives
	if s.maxAlts > 0 && len(alts) > s.maxAlts {
		alts = alts[:s.maxAlts]
	}
	out := make([]capability.Alternative, 0, len(alts))
	for _, a := range alts {
		out = append(out, capability.Alternative{
			Text:       a.Transcript,
			Confidence: a.Confidence,
		})
	}
	return capability.Result{Alternatives: out, Final: msg.IsFinal}, true
}
