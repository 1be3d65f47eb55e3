package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/doramirdor/friday-stream/pkg/audio"
	"github.com/doramirdor/friday-stream/pkg/transcribe"
	"github.com/doramirdor/friday-stream/pkg/transcribe/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	return gemini.New("test-api-key", opts...)
}

func testConfig() transcribe.StreamConfig {
	return transcribe.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en-US",
		Encoding:   transcribe.EncodingPCM16,
	}
}

func pcmChunk(seq uint64, data []byte) audio.Chunk {
	return audio.Chunk{
		Seq:    seq,
		Data:   data,
		Frames: 1,
		Format: audio.Format{SampleRate: 16000, Channels: 1},
		Start:  time.Now(),
	}
}

// waitErrored polls the session until it reaches a terminal state.
func waitErrored(t *testing.T, sess *gemini.Session) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := sess.State()
		if st == gemini.StateErrored || st == gemini.StateClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached a terminal state; state = %v", sess.State())
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p == nil {
		t.Fatal("New returned nil")
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("custom-model"))
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

// ── TestOpen ───────────────────────────────────────────────────────────────────

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model               string `json:"model"`
			RealtimeInputConfig *struct {
				AutomaticActivityDetection *struct {
					SilenceDurationMs int `json:"silenceDurationMs"`
					PrefixPaddingMs   int `json:"prefixPaddingMs"`
				} `json:"automaticActivityDetection"`
			} `json:"realtimeInputConfig"`
			InputAudioTranscription *map[string]any `json:"inputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := testConfig()
	cfg.Activity = transcribe.ActivityDetection{
		PrefixPaddingMs:   200,
		SilenceDurationMs: 800,
	}

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		if msg.Setup.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription should be present")
		}
		if msg.Setup.RealtimeInputConfig == nil || msg.Setup.RealtimeInputConfig.AutomaticActivityDetection == nil {
			t.Fatal("automaticActivityDetection should be present")
		}
		ad := msg.Setup.RealtimeInputConfig.AutomaticActivityDetection
		if ad.SilenceDurationMs != 800 {
			t.Errorf("silenceDurationMs = %d; want 800", ad.SilenceDurationMs)
		}
		if ad.PrefixPaddingMs != 200 {
			t.Errorf("prefixPaddingMs = %d; want 200", ad.PrefixPaddingMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestOpen_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestOpen_UnreachableEndpoint_ReturnsConnectionError(t *testing.T) {
	t.Parallel()

	p := gemini.New("key",
		gemini.WithBaseURL("ws://127.0.0.1:1"),
		gemini.WithConnectTimeout(500*time.Millisecond),
	)
	_, err := p.Open(context.Background(), testConfig())
	if err == nil {
		t.Fatal("Open against an unreachable endpoint should fail")
	}
	var connErr *transcribe.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error = %T; want *transcribe.ConnectionError", err)
	}
}

// ── TestSendChunk ──────────────────────────────────────────────────────────────

func TestSendChunk_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Consume setup.
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		// Read audio message.
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	// Wait for the setup ack to land so the chunk goes straight out.
	waitStreaming(t, handle.(*gemini.Session))

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendChunk(pcmChunk(1, wantPCM)); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

// waitStreaming polls the session until the setup ack has been processed.
func waitStreaming(t *testing.T, sess *gemini.Session) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == gemini.StateStreaming {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached streaming; state = %v", sess.State())
}

func TestSendChunk_InlineAudioShape(t *testing.T) {
	t.Parallel()

	type inlineInput struct {
		RealtimeInput struct {
			Audio *struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan inlineInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg inlineInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithAudioMessageShape(transcribe.ShapeInlineAudio))
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	waitStreaming(t, handle.(*gemini.Session))

	if err := handle.SendChunk(pcmChunk(1, []byte{0xAA, 0xBB})); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.RealtimeInput.Audio == nil {
			t.Fatal("audio field missing in inline shape")
		}
		if msg.RealtimeInput.Audio.Data == "" {
			t.Error("audio data is empty")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inline audio message")
	}
}

func TestSendChunk_QueuedBeforeSetupAck(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	order := make(chan string, 3)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// Hold the ack until the client has queued its chunks.
		<-release
		sendSetupComplete(t, conn)

		for range 2 {
			var msg struct {
				RealtimeInput struct {
					MediaChunks []struct {
						Data string `json:"data"`
					} `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			readJSON(t, conn, &msg)
			if len(msg.RealtimeInput.MediaChunks) > 0 {
				decoded, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
				order <- string(decoded)
			}
		}

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	// Both chunks arrive before the ack; both must be queued in order.
	if err := handle.SendChunk(pcmChunk(1, []byte("first"))); err != nil {
		t.Fatalf("SendChunk 1: %v", err)
	}
	if err := handle.SendChunk(pcmChunk(2, []byte("second"))); err != nil {
		t.Fatalf("SendChunk 2: %v", err)
	}
	close(release)

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("chunk = %q; want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for queued chunk %q", want)
		}
	}
}

func TestSendChunk_RacingSetupAckFlush_KeepsWireOrder(t *testing.T) {
	t.Parallel()

	const queued = 40

	release := make(chan struct{})
	payloads := make(chan string, queued+1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		// Hold the ack so the client builds up a deep queue.
		<-release
		sendSetupComplete(t, conn)

		for range queued + 1 {
			var msg struct {
				RealtimeInput struct {
					MediaChunks []struct {
						Data string `json:"data"`
					} `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			readJSON(t, conn, &msg)
			if len(msg.RealtimeInput.MediaChunks) > 0 {
				decoded, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
				payloads <- string(decoded)
			}
		}

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	for i := range queued {
		if err := handle.SendChunk(pcmChunk(uint64(i+1), fmt.Appendf(nil, "q-%03d", i))); err != nil {
			t.Fatalf("SendChunk %d: %v", i, err)
		}
	}

	// Send one more chunk the instant the state flips to streaming. The
	// flush of the queue may still be in flight; the new chunk must land
	// on the wire after every queued one.
	close(release)
	waitStreaming(t, handle.(*gemini.Session))
	if err := handle.SendChunk(pcmChunk(queued+1, []byte("tail"))); err != nil {
		t.Fatalf("SendChunk tail: %v", err)
	}

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < queued+1 {
		select {
		case pl := <-payloads:
			got = append(got, pl)
		case <-timeout:
			t.Fatalf("timeout; received %d of %d wire messages", len(got), queued+1)
		}
	}
	for i, pl := range got[:queued] {
		if want := fmt.Sprintf("q-%03d", i); pl != want {
			t.Fatalf("wire position %d = %q; want %q", i, pl, want)
		}
	}
	if got[queued] != "tail" {
		t.Fatalf("last wire message = %q; the post-ack chunk overtook queued audio", got[queued])
	}
}

func TestSendChunk_AfterClose_ReturnsSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := handle.SendChunk(pcmChunk(1, []byte{1, 2})); !errors.Is(err, transcribe.ErrSessionClosed) {
		t.Errorf("SendChunk after Close = %v; want ErrSessionClosed", err)
	}
}

func TestSendChunk_EmptyPayload_ReturnsEncodingError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	waitStreaming(t, handle.(*gemini.Session))

	err = handle.SendChunk(pcmChunk(7, nil))
	var encErr *transcribe.EncodingError
	if !errors.As(err, &encErr) {
		t.Fatalf("error = %T; want *transcribe.EncodingError", err)
	}
	if encErr.Seq != 7 {
		t.Errorf("Seq = %d; want 7", encErr.Seq)
	}

	// The session must survive a bad chunk.
	if err := handle.SendChunk(pcmChunk(8, []byte{1, 2})); err != nil {
		t.Errorf("SendChunk after encoding error: %v", err)
	}
}

// ── TestResults ────────────────────────────────────────────────────────────────

func TestResults_InputTranscription(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{
					"text": "Speaker 1: hello there",
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{
					"text":     "Speaker 1: hello there, everyone",
					"finished": true,
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	var got []transcribe.Result
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case r, ok := <-handle.Results():
			if !ok {
				t.Fatal("results channel closed early")
			}
			got = append(got, r)
		case <-timeout:
			t.Fatalf("timeout; received %d results", len(got))
		}
	}

	if got[0].Final {
		t.Error("first result should be partial")
	}
	if !got[1].Final {
		t.Error("second result should be final")
	}
	if got[1].Text != "Speaker 1: hello there, everyone" {
		t.Errorf("final text = %q", got[1].Text)
	}
}

func TestResults_ModelTurnAggregatedOnTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{"text": "Speaker 2: the quarterly "}},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{"text": "numbers look strong"}},
				},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	var final *transcribe.Result
	timeout := time.After(3 * time.Second)
	for final == nil {
		select {
		case r, ok := <-handle.Results():
			if !ok {
				t.Fatal("results channel closed early")
			}
			if r.Final {
				final = &r
			}
		case <-timeout:
			t.Fatal("timeout waiting for final result")
		}
	}

	if want := "Speaker 2: the quarterly numbers look strong"; final.Text != want {
		t.Errorf("final text = %q; want %q", final.Text, want)
	}
}

func TestResults_MalformedMessageSkipped(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		// Not valid JSON at all; the session must skip it and keep reading.
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "still alive", "finished": true},
			},
		})

		<-conn.CloseRead(ctx).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case r, ok := <-handle.Results():
		if !ok {
			t.Fatal("results channel closed; malformed message should not kill the session")
		}
		if r.Text != "still alive" {
			t.Errorf("text = %q; want %q", r.Text, "still alive")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for result after malformed message")
	}
}

func TestMalformedMessage_InvokesProtocolErrorHandler(t *testing.T) {
	t.Parallel()

	handled := make(chan error, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "carries on", "finished": true},
			},
		})

		<-conn.CloseRead(ctx).Done()
	})

	p := newProvider(srv, gemini.WithProtocolErrorHandler(func(err error) {
		select {
		case handled <- err:
		default:
		}
	}))
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case err := <-handled:
		var protoErr *transcribe.ProtocolError
		if !errors.As(err, &protoErr) {
			t.Errorf("handler got %T (%v); want *transcribe.ProtocolError", err, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for protocol error handler")
	}

	// The handler observes the violation; the session itself continues.
	select {
	case r, ok := <-handle.Results():
		if !ok {
			t.Fatal("results channel closed; handled violation must not end the session")
		}
		if r.Text != "carries on" {
			t.Errorf("text = %q; want %q", r.Text, "carries on")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for result after protocol violation")
	}
}

func TestGoAway_DoesNotTerminateSession(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"goAway": map[string]any{"timeLeft": "30s"},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "after warning", "finished": true},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	select {
	case r, ok := <-handle.Results():
		if !ok {
			t.Fatal("results channel closed; goAway is a notice, not a termination")
		}
		if r.Text != "after warning" {
			t.Errorf("text = %q; want %q", r.Text, "after warning")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for result after goAway")
	}
}

// ── Unexpected close classification ────────────────────────────────────────────

func TestUnexpectedClose_QuotaExceeded(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		// Let the client reach Streaming, then kill the session with the
		// application-level quota code.
		time.Sleep(50 * time.Millisecond)
		conn.Close(websocket.StatusCode(transcribe.CodeQuotaExceeded), "quota exceeded")
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	sess := handle.(*gemini.Session)
	waitStreaming(t, sess)
	waitErrored(t, sess)

	if st := sess.State(); st != gemini.StateErrored {
		t.Errorf("state = %v; want errored", st)
	}
	if reason := handle.CloseReason(); reason != transcribe.ReasonQuotaExceeded {
		t.Errorf("close reason = %v; want quota exceeded", reason)
	}
	if handle.CloseReason().Retryable() {
		t.Error("quota exceeded must not be retryable")
	}

	var svcErr *transcribe.ServiceError
	if !errors.As(handle.Err(), &svcErr) {
		t.Fatalf("Err() = %T (%v); want *transcribe.ServiceError", handle.Err(), handle.Err())
	}
	if svcErr.Reason != transcribe.ReasonQuotaExceeded {
		t.Errorf("service error reason = %v; want quota exceeded", svcErr.Reason)
	}
	if !strings.Contains(svcErr.Error(), "quota") {
		t.Errorf("error message %q should mention the quota", svcErr.Error())
	}

	// The results channel must be closed after the terminal error.
	select {
	case _, open := <-handle.Results():
		if open {
			t.Error("results channel should be closed after terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for results channel to close")
	}
}

func TestUnexpectedClose_GoingAwayIsRetryable(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		time.Sleep(50 * time.Millisecond)
		conn.Close(websocket.StatusGoingAway, "maintenance")
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	sess := handle.(*gemini.Session)
	waitStreaming(t, sess)
	waitErrored(t, sess)

	if reason := handle.CloseReason(); reason != transcribe.ReasonGoingAway {
		t.Errorf("close reason = %v; want going away", reason)
	}
	if !handle.CloseReason().Retryable() {
		t.Error("going away should be retryable")
	}
	if handle.Err() == nil {
		t.Error("unexpected close should record a terminal error")
	}
}

// ── TestClose ──────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_RecordsNormalReason(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitStreaming(t, handle.(*gemini.Session))
	_ = handle.Close()
	waitErrored(t, handle.(*gemini.Session))

	if handle.Err() != nil {
		t.Errorf("Err() = %v; caller-initiated close must not record an error", handle.Err())
	}
	if reason := handle.CloseReason(); reason != transcribe.ReasonNormal {
		t.Errorf("close reason = %v; want normal", reason)
	}
}

// ── TestConcurrentSendChunk ────────────────────────────────────────────────────

func TestConcurrentSendChunk_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Consume setup, then drain all messages.
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		for {
			_, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
		}
	})

	p := newProvider(srv)
	handle, err := p.Open(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	waitStreaming(t, handle.(*gemini.Session))

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for i := range chunksPerGoroutine {
				_ = handle.SendChunk(pcmChunk(uint64(i), []byte{0x01, 0x02, 0x03, 0x04}))
			}
		})
	}
	wg.Wait()
}
