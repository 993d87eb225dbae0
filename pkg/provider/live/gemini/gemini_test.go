package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/provider/live"
	"github.com/MrWong99/owl/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server running handler for each
// accepted connection. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
		return false
	}
	return true
}

// writeJSON sends v as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func setupComplete() map[string]any {
	return map[string]any{"setupComplete": map[string]any{}}
}

// nextMessage waits for the next message on s.
func nextMessage(t *testing.T, s live.Stream) (live.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		return m, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for a stream message")
		return live.Message{}, false
	}
}

type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
	} `json:"setup"`
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	received := make(chan setupFrame, 1)
	keys := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var f setupFrame
		if readJSON(t, conn, &f) {
			received <- f
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{
		SystemPrompt:  "You are the Owl.",
		Transcription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if k := <-keys; k != "secret key" {
		t.Errorf("api key = %q", k)
	}

	var f setupFrame
	select {
	case f = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
	if f.Setup.Model != "models/"+gemini.DefaultModel {
		t.Errorf("model = %q", f.Setup.Model)
	}
	if got := f.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if sc := f.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Charon" {
		t.Errorf("voice not set to the default Charon: %+v", sc)
	}
	if si := f.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "You are the Owl." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if f.Setup.OutputAudioTranscription == nil {
		t.Error("outputAudioTranscription not requested")
	}
	if f.Setup.InputAudioTranscription != nil {
		t.Error("inputAudioTranscription requested but not configured")
	}
}

func TestConnect_CustomModelAndVoice(t *testing.T) {
	t.Parallel()

	received := make(chan setupFrame, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var f setupFrame
		if readJSON(t, conn, &f) {
			received <- f
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{
		Voice:              live.VoiceProfile{ID: "Puck"},
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	f := <-received
	if f.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", f.Setup.Model)
	}
	if got := f.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
		t.Errorf("voice = %q, want Puck", got)
	}
	if f.Setup.InputAudioTranscription == nil {
		t.Error("inputAudioTranscription not requested")
	}
	if f.Setup.SystemInstruction != nil {
		t.Error("systemInstruction sent for an empty prompt")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if _, err := p.Connect(context.Background(), live.Config{}); err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestStream_ServerContent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, setupComplete())
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQAB"}},
					},
				},
				"outputTranscription": map[string]any{"text": "Who"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	m, _ := nextMessage(t, s)
	if !m.SetupComplete {
		t.Fatalf("first message = %+v, want SetupComplete", m)
	}

	m, _ = nextMessage(t, s)
	want := []audio.EncodedChunk{
		{MIMEType: "audio/pcm;rate=24000", Data: "AAAA"},
		{MIMEType: "audio/pcm;rate=24000", Data: "AQAB"},
	}
	if len(m.Audio) != len(want) {
		t.Fatalf("audio chunks = %d, want %d", len(m.Audio), len(want))
	}
	for i := range want {
		if m.Audio[i] != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, m.Audio[i], want[i])
		}
	}
	if m.OutputTranscription != "Who" {
		t.Errorf("transcription = %q", m.OutputTranscription)
	}

	m, _ = nextMessage(t, s)
	if !m.Interrupted {
		t.Errorf("expected Interrupted, got %+v", m)
	}
	m, _ = nextMessage(t, s)
	if !m.TurnComplete {
		t.Errorf("expected TurnComplete, got %+v", m)
	}
}

func TestStream_Send(t *testing.T) {
	t.Parallel()

	type mediaFrame struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan mediaFrame, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		var f mediaFrame
		if readJSON(t, conn, &f) {
			got <- f
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	chunk, _ := audio.EncodeChunk([]byte{1, 0, 2, 0}, 16000)
	if err := s.Send(context.Background(), chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-got:
		mc := f.RealtimeInput.MediaChunks
		if len(mc) != 1 || mc[0].MIMEType != "audio/pcm;rate=16000" || mc[0].Data != chunk.Data {
			t.Errorf("media chunks = %+v", mc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestStream_ServerError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	m, ok := nextMessage(t, s)
	if !ok {
		t.Fatal("channel closed before the error message")
	}
	var se *gemini.ServerError
	if !errors.As(m.Err, &se) {
		t.Fatalf("Err = %v, want *ServerError", m.Err)
	}
	if se.Code != 429 || se.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("server error = %+v", se)
	}
	if _, ok := nextMessage(t, s); ok {
		t.Error("expected the stream to end after a server error")
	}
}

func TestStream_AbnormalClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if _, ok := nextMessage(t, s); ok {
		t.Fatal("expected the message channel to close")
	}
	if s.Err() == nil {
		t.Error("expected Err after an abnormal close")
	}
}

func TestStream_CloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := nextMessage(t, s); ok {
		t.Error("expected the message channel to be closed")
	}
	if s.Err() != nil {
		t.Errorf("Err after clean close = %v", s.Err())
	}
	chunk, _ := audio.EncodeChunk([]byte{0, 0}, 16000)
	if err := s.Send(context.Background(), chunk); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.MaxSessionDuration == 0 {
		t.Error("MaxSessionDuration should be non-zero")
	}
	found := false
	for _, v := range caps.Voices {
		if v.ID == gemini.DefaultVoice {
			found = true
		}
	}
	if !found {
		t.Errorf("default voice %q not listed", gemini.DefaultVoice)
	}
}
