package deepgram

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxweave/voxweave/pkg/capability"
)

// ---- helpers ----

// staticSource replays a fixed PCM buffer once per session.
type staticSource struct {
	data []byte
}

func (s *staticSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

// startServer launches a test WebSocket server standing in for Deepgram.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("", &staticSource{})
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_NilSource(t *testing.T) {
	_, err := New("key", nil)
	if err == nil {
		t.Error("expected error for nil audio source")
	}
}

func TestNew_Defaults(t *testing.T) {
	r, err := New("key", &staticSource{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, r.model)
	assertEqual(t, "endpoint", defaultEndpoint, r.endpoint)
	if r.sampleRate != defaultSampleRate {
		t.Errorf("sampleRate = %d, want %d", r.sampleRate, defaultSampleRate)
	}
}

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	r, err := New("key", &staticSource{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL(capability.RecognitionConfig{
		Language:       "en-US",
		InterimResults: true,
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Options(t *testing.T) {
	r, err := New("key", &staticSource{}, WithModel("base"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL(capability.RecognitionConfig{MaxAlternatives: 3})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "alternatives", "3", q.Get("alternatives"))
	if _, ok := q["language"]; ok {
		t.Error("expected no language param when config leaves it empty")
	}
}

func TestBuildURL_InterimResultsOff(t *testing.T) {
	r, _ := New("key", &staticSource{})

	rawURL, err := r.buildURL(capability.RecognitionConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "interim_results", "false", u.Query().Get("interim_results"))
}

// ---- JSON parsing tests ----

func TestParse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [
				{"transcript": "Hello world", "confidence": 0.95},
				{"transcript": "Yellow world", "confidence": 0.41}
			]
		}
	}`)

	s := &session{maxAlts: 3}
	res, ok := s.parse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !res.Final {
		t.Error("expected Final=true")
	}
	if len(res.Alternatives) != 2 {
		t.Fatalf("alternatives = %d, want 2", len(res.Alternatives))
	}
	assertEqual(t, "best text", "Hello world", res.Best().Text)
	if res.Best().Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", res.Best().Confidence)
	}
}

func TestParse_CapsAlternatives(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [
				{"transcript": "one", "confidence": 0.9},
				{"transcript": "two", "confidence": 0.8},
				{"transcript": "three", "confidence": 0.7}
			]
		}
	}`)

	s := &session{maxAlts: 2}
	res, ok := s.parse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(res.Alternatives) != 2 {
		t.Errorf("alternatives = %d, want 2", len(res.Alternatives))
	}
}

func TestParse_IgnoresMetadataAndEmpty(t *testing.T) {
	s := &session{}
	cases := map[string][]byte{
		"metadata":           []byte(`{"type":"Metadata","request_id":"abc"}`),
		"empty alternatives": []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`),
		"empty transcript":   []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`),
		"invalid JSON":       []byte(`{invalid`),
	}
	for name, raw := range cases {
		if _, ok := s.parse(raw); ok {
			t.Errorf("%s: expected ok=false", name)
		}
	}
}

// ---- live session tests against a fake server ----

func TestStart_StreamsAudioAndResults(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotAudio := make(chan []byte, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			conn.Close(websocket.StatusInternalError, "expected binary audio")
			return
		}
		gotAudio <- data

		final := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"turn left","confidence":0.92}]}}`)
		_ = conn.Write(ctx, websocket.MessageText, final)

		// Wait for CloseStream, then close normally.
		_, _, _ = conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	r, err := New("secret-key", &staticSource{data: []byte("pcm-audio-bytes")}, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := r.Start(context.Background(), capability.RecognitionConfig{Language: "en-US"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if auth := <-gotAuth; auth != "Token secret-key" {
		t.Errorf("Authorization = %q, want Token secret-key", auth)
	}
	if audio := <-gotAudio; string(audio) != "pcm-audio-bytes" {
		t.Errorf("audio = %q, want pcm-audio-bytes", audio)
	}

	select {
	case res := <-sess.Results():
		assertEqual(t, "text", "turn left", res.Best().Text)
		if !res.Final {
			t.Error("expected final result")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	select {
	case err := <-sess.Done():
		if err != nil {
			t.Errorf("Done = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Done")
	}
}

func TestStop_EndsSessionCleanly(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Read frames until the client goes away.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	// An empty source keeps the write loop parked on EOF handling.
	r, err := New("key", &staticSource{}, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := r.Start(context.Background(), capability.RecognitionConfig{Continuous: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := sess.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	select {
	case err := <-sess.Done():
		if err != nil {
			t.Errorf("Done = %v, want nil after Stop", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Done")
	}
}

func TestStart_DialFailure(t *testing.T) {
	r, err := New("key", &staticSource{}, WithEndpoint("ws://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.Start(ctx, capability.RecognitionConfig{}); err == nil {
		t.Error("expected dial error")
	}
}
