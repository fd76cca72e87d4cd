// Package polly implements [capability.Synthesizer] on Amazon Polly.
// Synthesis is request-response: each utterance is rendered with one
// SynthesizeSpeech call and the MP3 stream is handed to a [Player].
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/voxweave/voxweave/pkg/capability"
)

const (
	defaultRegion = "us-east-1"
	defaultVoice  = "Joanna"

	// synthesizeTimeout bounds one SynthesizeSpeech call.
	synthesizeTimeout = 15 * time.Second
)

// synthClient is the subset of the Polly API the synthesizer uses.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Player renders a synthesized audio stream. Play blocks until playback
// completes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, format string, audio io.Reader) error
}

// Option configures a [Synthesizer].
type Option func(*Synthesizer)

// WithRegion sets the AWS region used when loading the default config.
func WithRegion(region string) Option {
	return func(s *Synthesizer) { s.region = region }
}

// WithVoice sets the default Polly voice used when the request leaves the
// voice empty.
func WithVoice(voice string) Option {
	return func(s *Synthesizer) { s.voice = voice }
}

// WithStandardEngine selects the standard engine instead of neural.
func WithStandardEngine() Option {
	return func(s *Synthesizer) { s.engine = pollytypes.EngineStandard }
}

// WithClient injects a Polly client, for tests.
func WithClient(client synthClient) Option {
	return func(s *Synthesizer) { s.client = client }
}

// Synthesizer implements [capability.Synthesizer] backed by Amazon Polly.
type Synthesizer struct {
	region string
	voice  string
	engine pollytypes.Engine
	player Player

	mu     sync.Mutex
	client synthClient
}

var _ capability.Synthesizer = (*Synthesizer)(nil)

// New creates a Polly synthesizer. player renders the returned audio. AWS
// credentials are resolved lazily from the default chain on first use.
func New(player Player, opts ...Option) (*Synthesizer, error) {
	if player == nil {
		return nil, errors.New("polly: player must not be nil")
	}
	s := &Synthesizer{
		region: defaultRegion,
		voice:  defaultVoice,
		engine: pollytypes.EngineNeural,
		player: player,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Speak renders req and starts playback.
func (s *Synthesizer) Speak(ctx context.Context, req capability.SpeechRequest) (capability.Utterance, error) {
	if req.Text == "" {
		return nil, errors.New("polly: speak: empty text")
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	voice := req.Voice
	if voice == "" {
		voice = s.voice
	}
	text, textType := renderText(req)

	sctx, cancel := context.WithTimeout(ctx, synthesizeTimeout)
	defer cancel()

	out, err := client.SynthesizeSpeech(sctx, &polly.SynthesizeSpeechInput{
		Engine:       s.engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     textType,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, errors.New("polly: empty audio stream")
	}

	uctx, ucancel := context.WithCancel(context.Background())
	utt := &utterance{
		done:   make(chan error, 1),
		cancel: ucancel,
	}
	go func() {
		defer out.AudioStream.Close()
		err := s.player.Play(uctx, "mp3", out.AudioStream)
		if uctx.Err() != nil {
			err = nil // Stop is a clean end
		}
		utt.done <- err
		close(utt.done)
	}()
	return utt, nil
}

// renderText builds the synthesis input. Rate and volume adjustments need
// SSML prosody; plain requests stay plain text.
func renderText(req capability.SpeechRequest) (string, pollytypes.TextType) {
	var attrs []string
	if req.Rate > 0 && req.Rate != 1.0 {
		attrs = append(attrs, fmt.Sprintf(`rate="%d%%"`, int(req.Rate*100)))
	}
	if req.Volume > 0 && req.Volume < 1.0 {
		attrs = append(attrs, fmt.Sprintf(`volume="%.1fdB"`, volumeToDecibels(req.Volume)))
	}
	if len(attrs) == 0 {
		return req.Text, pollytypes.TextTypeText
	}
	ssml := fmt.Sprintf("<speak><prosody %s>%s</prosody></speak>",
		strings.Join(attrs, " "), escapeSSML(req.Text))
	return ssml, pollytypes.TextTypeSsml
}

// volumeToDecibels maps the linear [0, 1] volume onto Polly's dB attenuation
// range, clamped to -12dB at the quiet end.
func volumeToDecibels(volume float64) float64 {
	db := (volume - 1.0) * 12
	if db < -12 {
		db = -12
	}
	return db
}

func escapeSSML(text string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(text)
}

// wrapError converts AWS failures into [capability.Error] values the error
// classifier can bucket by code.
func wrapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("polly: synthesize: %w", &capability.Error{
			Code:    apiErr.ErrorCode(),
			Message: apiErr.ErrorMessage(),
		})
	}
	return fmt.Errorf("polly: synthesize: %w", err)
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
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
