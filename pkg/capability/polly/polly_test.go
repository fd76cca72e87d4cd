package polly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/voxweave/voxweave/pkg/capability"
)

// ---- fakes ----

type fakeClient struct {
	mu    sync.Mutex
	input *pollysdk.SynthesizeSpeechInput
	out   *pollysdk.SynthesizeSpeechOutput
	err   error
}

func (f *fakeClient) SynthesizeSpeech(ctx context.Context, params *pollysdk.SynthesizeSpeechInput, optFns ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.mu.Lock()
	f.input = params
	f.mu.Unlock()
	return f.out, f.err
}

func (f *fakeClient) lastInput() *pollysdk.SynthesizeSpeechInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string { return e.code + ": " + e.msg }

func (e fakeAPIError) ErrorCode() string { return e.code }

func (e fakeAPIError) ErrorMessage() string { return e.msg }

func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type recordingPlayer struct {
	mu     sync.Mutex
	format string
	audio  []byte
}

func (p *recordingPlayer) Play(ctx context.Context, format string, audio io.Reader) error {
	data, _ := io.ReadAll(audio)
	p.mu.Lock()
	p.format = format
	p.audio = data
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) got() (string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format, p.audio
}

func audioStream(data string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(data)))
}

// ---- constructor tests ----

func TestNew_NilPlayer(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil player")
	}
}

// ---- speak tests ----

func TestSpeak_RendersAndPlays(t *testing.T) {
	client := &fakeClient{
		out: &pollysdk.SynthesizeSpeechOutput{AudioStream: audioStream("mp3-bytes")},
	}
	player := &recordingPlayer{}
	syn, err := New(player, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := syn.Speak(context.Background(), capability.SpeechRequest{Text: "hello there"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	select {
	case err := <-utt.Done():
		if err != nil {
			t.Errorf("Done = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Done")
	}

	format, audio := player.got()
	if format != "mp3" {
		t.Errorf("format = %q, want mp3", format)
	}
	if string(audio) != "mp3-bytes" {
		t.Errorf("audio = %q, want mp3-bytes", audio)
	}

	in := client.lastInput()
	if *in.Text != "hello there" {
		t.Errorf("text = %q, want hello there", *in.Text)
	}
	if in.TextType != pollytypes.TextTypeText {
		t.Errorf("text type = %v, want text", in.TextType)
	}
	if in.VoiceId != pollytypes.VoiceId("Joanna") {
		t.Errorf("voice = %v, want Joanna", in.VoiceId)
	}
	if in.Engine != pollytypes.EngineNeural {
		t.Errorf("engine = %v, want neural", in.Engine)
	}
}

func TestSpeak_VoiceAndEngineOverrides(t *testing.T) {
	client := &fakeClient{
		out: &pollysdk.SynthesizeSpeechOutput{AudioStream: audioStream("mp3")},
	}
	syn, err := New(&recordingPlayer{}, WithClient(client), WithVoice("Matthew"), WithStandardEngine())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := syn.Speak(context.Background(), capability.SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	<-utt.Done()

	in := client.lastInput()
	if in.VoiceId != pollytypes.VoiceId("Matthew") {
		t.Errorf("voice = %v, want Matthew", in.VoiceId)
	}
	if in.Engine != pollytypes.EngineStandard {
		t.Errorf("engine = %v, want standard", in.Engine)
	}
}

func TestSpeak_RateUsesSSMLProsody(t *testing.T) {
	client := &fakeClient{
		out: &pollysdk.SynthesizeSpeechOutput{AudioStream: audioStream("mp3")},
	}
	syn, err := New(&recordingPlayer{}, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	utt, err := syn.Speak(context.Background(), capability.SpeechRequest{Text: "fast & loud", Rate: 1.5})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	<-utt.Done()

	in := client.lastInput()
	if in.TextType != pollytypes.TextTypeSsml {
		t.Fatalf("text type = %v, want ssml", in.TextType)
	}
	if !strings.Contains(*in.Text, `rate="150%"`) {
		t.Errorf("ssml = %q, want rate attribute", *in.Text)
	}
	if !strings.Contains(*in.Text, "fast &amp; loud") {
		t.Errorf("ssml = %q, want escaped text", *in.Text)
	}
}

func TestSpeak_EmptyText(t *testing.T) {
	syn, err := New(&recordingPlayer{}, WithClient(&fakeClient{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := syn.Speak(context.Background(), capability.SpeechRequest{}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestSpeak_APIErrorCarriesCode(t *testing.T) {
	client := &fakeClient{err: fakeAPIError{code: "TooManyRequestsException", msg: "slow down"}}
	syn, err := New(&recordingPlayer{}, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = syn.Speak(context.Background(), capability.SpeechRequest{Text: "hi"})
	if err == nil {
		t.Fatal("expected synthesis error")
	}
	var capErr *capability.Error
	if !errors.As(err, &capErr) {
		t.Fatalf("error %v does not wrap capability.Error", err)
	}
	if capErr.Code != "TooManyRequestsException" {
		t.Errorf("code = %q, want TooManyRequestsException", capErr.Code)
	}
}

func TestSpeak_EmptyAudioStream(t *testing.T) {
	client := &fakeClient{out: &pollysdk.SynthesizeSpeechOutput{}}
	syn, err := New(&recordingPlayer{}, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := syn.Speak(context.Background(), capability.SpeechRequest{Text: "hi"}); err == nil {
		t.Error("expected error for empty audio stream")
	}
}

func TestUtterance_PauseNotSupported(t *testing.T) {
	client := &fakeClient{
		out: &pollysdk.SynthesizeSpeechOutput{AudioStream: audioStream("mp3")},
	}
	syn, _ := New(&recordingPlayer{}, WithClient(client))
	utt, err := syn.Speak(context.Background(), capability.SpeechRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if !errors.Is(utt.Pause(), capability.ErrNotSupported) {
		t.Error("Pause should report ErrNotSupported")
	}
	if !errors.Is(utt.Resume(), capability.ErrNotSupported) {
		t.Error("Resume should report ErrNotSupported")
	}
	<-utt.Done()
}

func TestRenderText_VolumeAttenuation(t *testing.T) {
	text, typ := renderText(capability.SpeechRequest{Text: "quiet", Volume: 0.5})
	if typ != pollytypes.TextTypeSsml {
		t.Fatalf("text type = %v, want ssml", typ)
	}
	if !strings.Contains(text, `volume="-6.0dB"`) {
		t.Errorf("ssml = %q, want -6.0dB volume attribute", text)
	}
}
