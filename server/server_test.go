package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrsingh-rishi/voice-bridge/call"
	"github.com/mrsingh-rishi/voice-bridge/llm"
	"github.com/mrsingh-rishi/voice-bridge/metrics"
	"github.com/mrsingh-rishi/voice-bridge/output"
	"github.com/mrsingh-rishi/voice-bridge/pipeline"
	"github.com/mrsingh-rishi/voice-bridge/stt"
	"github.com/mrsingh-rishi/voice-bridge/tts"
)

type fakeDialer struct {
	to  string
	err error
}

func (d *fakeDialer) Call(to string) (string, error) {
	d.to = to
	if d.err != nil {
		return "", d.err
	}
	return "CAoutbound", nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	p, err := pipeline.New(pipeline.Deps{
		Transcriber: stt.Mock{Text: "hello"},
		Replier:     llm.Mock{},
		Synthesizer: tts.SynthesizerFunc(func(context.Context, string) ([]byte, error) {
			return make([]byte, 640*2), nil
		}),
	}, pipeline.Options{})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	return Deps{
		Pipeline: p,
		Output:   output.NewTwilioOutput(nil, output.WithFrameInterval(0)),
		Session: call.Config{
			Silence:      50 * time.Millisecond,
			ListenWindow: -1,
			PollInterval: 10 * time.Millisecond,
		},
		Gatherer: reg,
		Metrics:  metrics.NewCollector("bridge", reg),
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestHealth(t *testing.T) {
	app := New(testDeps(t))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
}

func TestPlaceCall(t *testing.T) {
	tests := []struct {
		name       string
		dialer     *fakeDialer
		target     string
		body       string
		wantStatus int
		wantTo     string
	}{
		{"json body", &fakeDialer{}, "/api/call", `{"to":"+15550001111"}`, fiber.StatusOK, "+15550001111"},
		{"query phone", &fakeDialer{}, "/api/call?phone=%2B15550002222", "", fiber.StatusOK, "+15550002222"},
		{"legacy route", &fakeDialer{}, "/call", `{"to":"+15550003333"}`, fiber.StatusOK, "+15550003333"},
		{"missing destination", &fakeDialer{}, "/api/call", `{}`, fiber.StatusBadRequest, ""},
		{"bad json", &fakeDialer{}, "/api/call", `{"to":`, fiber.StatusBadRequest, ""},
		{"twilio error", &fakeDialer{err: errors.New("21211 invalid number")}, "/api/call", `{"to":"+1"}`, fiber.StatusBadGateway, "+1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(t)
			deps.Dialer = tt.dialer
			app := New(deps)

			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			body := readBody(t, resp)

			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)
			assert.Equal(t, tt.wantTo, tt.dialer.to)
			if tt.wantStatus == fiber.StatusOK {
				assert.JSONEq(t, `{"status":"calling","call_sid":"CAoutbound"}`, body)
			}
		})
	}
}

func TestPlaceCallWithoutDialer(t *testing.T) {
	app := New(testDeps(t))
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/call?phone=123", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestVoiceWebhook(t *testing.T) {
	deps := testDeps(t)
	deps.BaseWSURL = "wss://bridge.example.com/"
	app := New(deps)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp, err := app.Test(httptest.NewRequest(method, "/voice?CallSid=CA999", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "xml")

		xml := readBody(t, resp)
		assert.Contains(t, xml, `url="wss://bridge.example.com/twilio/ws"`)
		assert.Contains(t, xml, `name="CallSid"`)
		assert.Contains(t, xml, `value="CA999"`)
		assert.Contains(t, xml, `<Pause length="3600"`)
	}
}

func TestTwimlDerivesStreamURLFromHost(t *testing.T) {
	app := New(testDeps(t))
	req := httptest.NewRequest(http.MethodGet, "/twiml", nil)
	req.Host = "abc.ngrok.io"
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Contains(t, readBody(t, resp), `url="ws://abc.ngrok.io/twilio/ws"`)
}

func TestStreamRequiresUpgrade(t *testing.T) {
	app := New(testDeps(t))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, StreamPath, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	deps := testDeps(t)
	deps.Metrics.SessionStarted("twilio")
	app := New(deps)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `bridge_sessions_total{kind="twilio"} 1`)
}

func serve(t *testing.T, deps Deps) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	deps.Context = ctx
	app := New(deps)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
	})
	return ln.Addr().String()
}

// placeStreamCall runs one Twilio stream through the server: a short
// utterance, its reply, then a stop that the server answers by closing.
func placeStreamCall(t *testing.T, addr, streamSid string) {
	t.Helper()
	ws, _, err := gws.DefaultDialer.Dial("ws://"+addr+StreamPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": "connected", "protocol": "Call"}))
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{"streamSid": streamSid, "callSid": "CA123"},
	}))
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	for i := 0; i < 5; i++ {
		require.NoError(t, ws.WriteJSON(map[string]interface{}{
			"event":     "media",
			"streamSid": streamSid,
			"media":     map[string]string{"track": "inbound", "payload": payload},
		}))
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var events []map[string]interface{}
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
		if ev["event"] == "mark" {
			break
		}
	}

	// 1280 bytes at 16kHz become two 320-byte frames at 8kHz.
	require.Len(t, events, 3)
	for _, ev := range events[:2] {
		assert.Equal(t, "media", ev["event"])
		assert.Equal(t, streamSid, ev["streamSid"])
		media := ev["media"].(map[string]interface{})
		assert.Equal(t, "outbound", media["track"])
	}
	mark := events[2]["mark"].(map[string]interface{})
	assert.Equal(t, output.EndOfUtterance, mark["name"])

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": "stop", "streamSid": streamSid}))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "server closes the socket after stop")
}

func TestTwilioStreamEndToEnd(t *testing.T) {
	addr := serve(t, testDeps(t))
	placeStreamCall(t, addr, "MZ123")
}

// Pooled fiber conns are reused across sockets; each call must be fully
// released before the next one starts. Run with -race.
func TestTwilioStreamBackToBackCalls(t *testing.T) {
	addr := serve(t, testDeps(t))
	for i := 0; i < 5; i++ {
		placeStreamCall(t, addr, fmt.Sprintf("MZ%03d", i))
	}
}

func TestBrowserStreamEndToEnd(t *testing.T) {
	addr := serve(t, testDeps(t))

	ws, _, err := gws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(gws.BinaryMessage, make([]byte, 3200)))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.TextMessage, kind)
	assert.Equal(t, "You said: hello", string(data))

	kind, data, err = ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gws.BinaryMessage, kind)
	assert.Len(t, data, 1280)
}

func TestSessionLogsCarryOneComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	deps := testDeps(t)
	deps.Logger = zap.New(core)
	addr := serve(t, deps)

	placeStreamCall(t, addr, "MZ777")
	require.Eventually(t, func() bool {
		return logs.FilterMessage("session ended").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sessionLines := 0
	for _, entry := range logs.AllUntimed() {
		components := 0
		for _, f := range entry.Context {
			if f.Key == "component" {
				components++
			}
		}
		assert.LessOrEqual(t, components, 1, "entry %q", entry.Message)
		if entry.ContextMap()["component"] == "call_session" {
			sessionLines++
		}
	}
	assert.Positive(t, sessionLines)
}
