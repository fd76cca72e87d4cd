// Package openai implements [capability.Recognizer] and
// [capability.Synthesizer] on the OpenAI audio APIs.
//
// Recognition is push-to-talk rather than streaming: audio is captured from
// an [AudioSource] until the source ends or the session is stopped, then
// transcribed in one Whisper request that yields a single final result.
// Synthesis renders the utterance with the speech API and hands the audio
// stream to a [Player].
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxweave/voxweave/pkg/capability"
)

const (
	defaultTranscribeModel = oai.AudioModelWhisper1
	defaultSpeechModel     = oai.SpeechModelTTS1
	defaultVoice           = "alloy"

	// transcribeTimeout bounds the Whisper request issued after capture ends.
	transcribeTimeout = 30 * time.Second

	// maxCaptureBytes caps buffered audio per session (Whisper rejects files
	// over 25 MB).
	maxCaptureBytes = 24 << 20

	captureChunkBytes = 4096
)

// AudioSource supplies the microphone stream for a recognition session. Open
// is called once per session; capture reads PCM WAV from the returned stream
// until EOF or session stop.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Player renders a synthesized audio stream. Play blocks until playback
// completes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, format string, audio io.Reader) error
}

// Option configures a [Recognizer] or [Synthesizer].
type Option func(*config)

type config struct {
	baseURL         string
	transcribeModel string
	speechModel     string
}

// WithBaseURL overrides the OpenAI API base URL, for tests and proxies.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTranscribeModel selects the transcription model (e.g. "whisper-1").
func WithTranscribeModel(model string) Option {
	return func(c *config) { c.transcribeModel = model }
}

// WithSpeechModel selects the speech model (e.g. "tts-1", "tts-1-hd").
func WithSpeechModel(model string) Option {
	return func(c *config) { c.speechModel = model }
}

func newClient(apiKey string, cfg *config) oai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	return oai.NewClient(reqOpts...)
}

// ---- recognition ----

// Recognizer implements [capability.Recognizer] backed by Whisper.
type Recognizer struct {
	client oai.Client
	model  string
	source AudioSource
}

var _ capability.Recognizer = (*Recognizer)(nil)

// NewRecognizer creates a Whisper-backed recognizer. apiKey must be non-empty
// and source supplies the audio for each session.
func NewRecognizer(apiKey string, source AudioSource, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("openai: audio source must not be nil")
	}
	cfg := &config{transcribeModel: defaultTranscribeModel}
	for _, o := range opts {
		o(cfg)
	}
	return &Recognizer{
		client: newClient(apiKey, cfg),
		model:  cfg.transcribeModel,
		source: source,
	}, nil
}

// Start opens a capture-then-transcribe session.
func (r *Recognizer) Start(ctx context.Context, cfg capability.RecognitionConfig) (capability.RecognitionSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: start: %w", err)
	}
	audio, err := r.source.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: open audio source: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &recognitionSession{
		client:   r.client,
		model:    r.model,
		language: cfg.Language,
		audio:    audio,
		results:  make(chan capability.Result, 1),
		done:     make(chan error, 1),
		ctx:      sctx,
		cancel:   cancel,
	}
	go sess.run()
	return sess, nil
}

// recognitionSession captures audio, then issues one transcription request.
type recognitionSession struct {
	client   oai.Client
	model    string
	language string
	audio    io.ReadCloser

	results chan capability.Result
	done    chan error

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *recognitionSession) Results() <-chan capability.Result { return s.results }

func (s *recognitionSession) Done() <-chan error { return s.done }

// Stop ends capture. Audio gathered so far is still transcribed; the session
// settles through Done as usual.
func (s *recognitionSession) Stop() error {
	s.once.Do(func() {
		s.cancel()
		_ = s.audio.Close()
	})
	return nil
}

func (s *recognitionSession) run() {
	text, err := s.captureAndTranscribe()
	if text != "" {
		s.results <- capability.Result{
			Alternatives: []capability.Alternative{{Text: text}},
			Final:        true,
		}
	}
	close(s.results)
	s.done <- err
	close(s.done)
	s.Stop()
}

func (s *recognitionSession) captureAndTranscribe() (string, error) {
	var buf bytes.Buffer
	chunk := make([]byte, captureChunkBytes)
	for buf.Len() < maxCaptureBytes {
		n, err := s.audio.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				return "", fmt.Errorf("openai: audio source: %w", err)
			}
			break
		}
	}
	if buf.Len() == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	params := oai.AudioTranscriptionNewParams{
		Model: s.model,
		File:  oai.File(&buf, "audio.wav", "audio/wav"),
	}
	if s.language != "" {
		params.Language = param.NewOpt(s.language)
	}
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return resp.Text, nil
}

// ---- synthesis ----

// Synthesizer implements [capability.Synthesizer] backed by the OpenAI speech
// API.
type Synthesizer struct {
	client oai.Client
	model  string
	player Player
}

var _ capability.Synthesizer = (*Synthesizer)(nil)

// NewSynthesizer creates a speech-API synthesizer. apiKey must be non-empty
// and player renders the returned audio.
func NewSynthesizer(apiKey string, player Player, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if player == nil {
		return nil, errors.New("openai: player must not be nil")
	}
	cfg := &config{speechModel: defaultSpeechModel}
	for _, o := range opts {
		o(cfg)
	}
	return &Synthesizer{
		client: newClient(apiKey, cfg),
		model:  cfg.speechModel,
		player: player,
	}, nil
}

// Speak renders req and starts playback.
func (s *Synthesizer) Speak(ctx context.Context, req capability.SpeechRequest) (capability.Utterance, error) {
	if req.Text == "" {
		return nil, errors.New("openai: speak: empty text")
	}

	voice := req.Voice
	if voice == "" {
		voice = defaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Model:          s.model,
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if req.Rate > 0 {
		params.Speed = param.NewOpt(req.Rate)
	}

	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: synthesize: %w", err)
	}

	uctx, cancel := context.WithCancel(context.Background())
	utt := &utterance{
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer resp.Body.Close()
		err := s.player.Play(uctx, "mp3", resp.Body)
		if uctx.Err() != nil {
			err = nil // Stop is a clean end
		}
		utt.done <- err
		close(utt.done)
	}()
	return utt, nil
}

// utterance is one in-flight playback. Pause and resume are not supported by
// streamed playback.
type utterance struct {
	done   chan error
	cancel context.CancelFunc
}

var _ capability.Utterance = (*utterance)(nil)

func (u *utterance) Done() <-chan error { return u.done }

func (u *utterance) Pause() error { return capability.ErrNotSupported }

func (u *utterance) Resume() error { return capability.ErrNotSupported }

func (u *utterance) Stop() error {
	u.cancel()
	return nil
}
