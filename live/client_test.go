package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badrtairlbahrepro/VisionClaw/config"
	"github.com/badrtairlbahrepro/VisionClaw/media"
	"github.com/badrtairlbahrepro/VisionClaw/toolrouter"
)

const waitFor = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// fakeLive is a websocket server standing in for the live model service.
// Every client frame lands on frames; tests write to the accepted conn.
type fakeLive struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	frames  chan []byte
	readErr chan error
}

func newFakeLive(t *testing.T) *fakeLive {
	t.Helper()
	f := &fakeLive{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
		frames:  make(chan []byte, 128),
		readErr: make(chan error, 4),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				f.readErr <- err
				return
			}
			f.frames <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLive) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeLive) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(waitFor):
		t.Fatal("client never connected")
		return nil
	}
}

func (f *fakeLive) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.frames:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(waitFor):
		t.Fatal("no frame from client")
		return nil
	}
}

func (f *fakeLive) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.frames:
		return data
	case <-time.After(waitFor):
		t.Fatal("no frame from client")
		return nil
	}
}

func (f *fakeLive) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.readErr:
	case <-time.After(waitFor):
		t.Fatal("client did not close the connection")
	}
}

func write(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// fakeGateway answers tool tasks with fn.
type fakeGateway struct {
	resets atomic.Int32
	fn     func(ctx context.Context, task string) (string, error)
}

func (g *fakeGateway) Execute(ctx context.Context, task string) (string, error) {
	return g.fn(ctx, task)
}

func (g *fakeGateway) ResetSession(context.Context) error {
	g.resets.Add(1)
	return nil
}

// pcmSink collects played audio.
type pcmSink struct {
	mu   sync.Mutex
	data []byte
}

func (s *pcmSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, pcm...)
	return nil
}

func (s *pcmSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Live.URL = url
	cfg.Live.APIKey = "test-api-key"
	cfg.Live.MaxDialRetries = 1
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, gw *fakeGateway, opts ...Option) *Client {
	t.Helper()
	if gw == nil {
		gw = &fakeGateway{fn: func(context.Context, string) (string, error) { return "ok", nil }}
	}
	c, err := NewClient(cfg, append([]Option{WithGateway(gw)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectReady connects c, checks the setup message and completes setup.
func connectReady(t *testing.T, c *Client, f *fakeLive) *websocket.Conn {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	conn := f.accept(t)
	setup := f.next(t)
	require.Contains(t, setup, "setup")

	write(t, conn, `{"setupComplete":{}}`)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	return conn
}

func TestConnect_SendsSetupAndMovesToSettingUp(t *testing.T) {
	f := newFakeLive(t)
	gw := &fakeGateway{fn: func(context.Context, string) (string, error) { return "", nil }}
	c := newTestClient(t, testConfig(f.url()), gw)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateSettingUp, c.State())

	headers := <-f.headers
	assert.Equal(t, "test-api-key", headers.Get("x-goog-api-key"))

	f.accept(t)
	setup := f.next(t)["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-2.0-flash-exp", setup["model"])
	decl := setup["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)[0].(map[string]any)
	assert.Equal(t, "execute", decl["name"])

	assert.Equal(t, int32(1), gw.resets.Load(), "gateway history reset for the new session")
	snap := c.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.StartedAt.IsZero())
}

func TestConnect_AlreadyConnected(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	connectReady(t, c, f)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)
	assert.Equal(t, StateReady, c.State())
}

func TestSubmitBeforeReady_NotReady(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)

	assert.ErrorIs(t, c.SubmitAudioChunk(context.Background(), make([]int16, 160)), ErrNotReady)

	require.NoError(t, c.Connect(context.Background()))
	f.accept(t)
	f.next(t) // setup

	assert.ErrorIs(t, c.SubmitAudioChunk(context.Background(), make([]int16, 160)), ErrNotReady)
	sent, err := c.SubmitVideoFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.False(t, sent)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateSettingUp, c.State(), "rejected sends do not change state")
}

func TestSetupComplete_ThenAudioIsChunked(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	connectReady(t, c, f)

	samples := make([]int16, 3200)
	for i := range samples {
		samples[i] = int16(i)
	}
	require.NoError(t, c.SubmitAudioChunk(context.Background(), samples))

	for i := 0; i < 2; i++ {
		audioMsg := f.next(t)["realtimeInput"].(map[string]any)["audio"].(map[string]any)
		assert.Equal(t, "audio/pcm;rate=16000", audioMsg["mimeType"])
		pcm, err := base64.StdEncoding.DecodeString(audioMsg["data"].(string))
		require.NoError(t, err)
		assert.Len(t, pcm, 1600*2)
	}
}

func TestSetupComplete_BinaryFrame(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)

	require.NoError(t, c.Connect(context.Background()))
	conn := f.accept(t)
	f.next(t)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{"setupComplete":{}}`)))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

func TestVideoThrottle_DropsFramesInsideInterval(t *testing.T) {
	f := newFakeLive(t)

	var mu sync.Mutex
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	c := newTestClient(t, testConfig(f.url()), nil, WithClock(clock))
	connectReady(t, c, f)

	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	steps := []struct {
		after time.Duration
		sent  bool
	}{
		{0, true},
		{300 * time.Millisecond, false},
		{300 * time.Millisecond, false},
		{400 * time.Millisecond, true},
		{999 * time.Millisecond, false},
		{time.Millisecond, true},
		{5 * time.Second, true},
		{0, false},
	}
	sentCount := 0
	for i, step := range steps {
		advance(step.after)
		sent, err := c.SubmitVideoFrame(context.Background(), img)
		require.NoError(t, err)
		assert.Equal(t, step.sent, sent, "step %d", i)
		if sent {
			sentCount++
		}
	}

	for i := 0; i < sentCount; i++ {
		video := f.next(t)["realtimeInput"].(map[string]any)["video"].(map[string]any)
		assert.Equal(t, "image/jpeg", video["mimeType"])
		jpeg, err := base64.StdEncoding.DecodeString(video["data"].(string))
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xd8}, jpeg[:2])
	}
	select {
	case extra := <-f.frames:
		t.Fatalf("unexpected extra frame %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	f := newFakeLive(t)
	var gotTask atomic.Value
	gw := &fakeGateway{fn: func(_ context.Context, task string) (string, error) {
		gotTask.Store(task)
		return "Message sent.", nil
	}}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"123","name":"execute","args":{"task":"send a text to Alice"}}]}}`)

	assert.JSONEq(t,
		`{"toolResponse":{"functionResponses":[{"id":"123","name":"execute","response":{"output":"Message sent."}}]}}`,
		string(f.nextRaw(t)))
	assert.Equal(t, "send a text to Alice", gotTask.Load())
	assert.Eventually(t, func() bool { return len(c.Snapshot().ActiveToolCalls) == 0 }, waitFor, 10*time.Millisecond)
}

func TestToolCall_UnknownToolAnsweredWithError(t *testing.T) {
	f := newFakeLive(t)
	var calls atomic.Int32
	gw := &fakeGateway{fn: func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", nil
	}}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"9","name":"delete_everything","args":{}}]}}`)

	fr := f.next(t)["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	assert.Equal(t, "9", fr["id"])
	output := fr["response"].(map[string]any)["output"].(string)
	assert.True(t, strings.HasPrefix(output, "Error: "), output)
	assert.Zero(t, calls.Load())
}

func TestToolCallCancellation_SuppressesResponse(t *testing.T) {
	f := newFakeLive(t)
	aborted := make(chan struct{})
	gw := &fakeGateway{fn: func(ctx context.Context, task string) (string, error) {
		if task == "slow" {
			<-ctx.Done()
			close(aborted)
			return "too late", nil
		}
		return "quick result", nil
	}}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"slow-1","name":"execute","args":{"task":"slow"}}]}}`)
	require.Eventually(t, func() bool {
		return len(c.Snapshot().ActiveToolCalls) == 1
	}, waitFor, 5*time.Millisecond)

	write(t, conn, `{"toolCallCancellation":{"ids":["slow-1"]}}`)
	select {
	case <-aborted:
	case <-time.After(waitFor):
		t.Fatal("gateway call not aborted")
	}

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"fast-1","name":"execute","args":{"task":"fast"}}]}}`)
	fr := f.next(t)["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	assert.Equal(t, "fast-1", fr["id"], "cancelled call must never be answered")
}

func TestUnknownAndMalformedFramesDoNotChangeState(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	conn := connectReady(t, c, f)

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	<-ch

	write(t, conn, `{"usageMetadata":{"totalTokenCount":3}}`)
	write(t, conn, `this is not json`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	write(t, conn, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"%%"}}]}}}`)
	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"ping","name":"execute","args":{"task":"still alive?"}}]}}`)

	f.next(t) // tool response proves the read loop survived
	assert.Equal(t, StateReady, c.State())

	for {
		select {
		case s := <-ch:
			assert.Equal(t, StateReady, s.State, "no transition on unknown or malformed frames")
		default:
			return
		}
	}
}

func TestModelAudioPlaybackAndSpeakingFlag(t *testing.T) {
	f := newFakeLive(t)
	sink := &pcmSink{}
	c := newTestClient(t, testConfig(f.url()), nil, WithAudioSink(sink))
	conn := connectReady(t, c, f)

	chunk1 := []byte{1, 0, 2, 0}
	chunk2 := []byte{3, 0, 4, 0}
	for _, chunk := range [][]byte{chunk1, chunk2} {
		write(t, conn, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"`+
			base64.StdEncoding.EncodeToString(chunk)+`"}}]}}}`)
	}

	require.Eventually(t, func() bool { return len(sink.bytes()) == 8 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, append(append([]byte{}, chunk1...), chunk2...), sink.bytes())
	assert.True(t, c.ModelSpeaking())
	assert.True(t, c.Snapshot().ModelSpeaking)

	write(t, conn, `{"serverContent":{"turnComplete":true}}`)
	assert.Eventually(t, func() bool { return !c.ModelSpeaking() }, waitFor, 5*time.Millisecond)
}

func TestTranscriptsReachSink(t *testing.T) {
	f := newFakeLive(t)
	ts := &transcripts{}
	c := newTestClient(t, testConfig(f.url()), nil, WithTranscriptSink(ts))
	conn := connectReady(t, c, f)

	write(t, conn, `{"serverContent":{"inputTranscription":{"text":"text Alice"},"outputTranscription":{"text":"Sending now","finished":true}}}`)

	assert.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.user) == 1 && len(ts.model) == 1
	}, waitFor, 5*time.Millisecond)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "text Alice", ts.user[0])
	assert.Equal(t, "Sending now", ts.model[0])
}

type transcripts struct {
	mu    sync.Mutex
	model []string
	user  []string
}

func (s *transcripts) ModelTranscript(text string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = append(s.model, text)
}

func (s *transcripts) UserTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = append(s.user, text)
}

func TestGoAway_ClosesAndDisconnects(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	conn := connectReady(t, c, f)

	write(t, conn, `{"goAway":{"timeLeft":"5s"}}`)

	f.expectClosed(t)
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, 5*time.Millisecond)
	assert.Empty(t, c.Snapshot().Cause)
	assert.ErrorIs(t, c.SubmitAudioChunk(context.Background(), make([]int16, 10)), ErrNotReady)
}

func TestTransportError_MovesToErrorAndAllowsReconnect(t *testing.T) {
	f := newFakeLive(t)
	gw := &fakeGateway{fn: func(context.Context, string) (string, error) { return "ok", nil }}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)
	firstID := c.Snapshot().ID

	require.NoError(t, conn.UnderlyingConn().Close())

	require.Eventually(t, func() bool { return c.State() == StateError }, waitFor, 5*time.Millisecond)
	assert.NotEmpty(t, c.Snapshot().Cause)

	connectReady(t, c, f)
	assert.NotEqual(t, firstID, c.Snapshot().ID, "a new connect starts a fresh attempt")
	assert.Equal(t, int32(2), gw.resets.Load())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := newTestClient(t, testConfig(url), nil)
	err := c.Connect(context.Background())

	var terr *TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, c.Snapshot().Cause, "dial")
}

func TestSetupTimeout(t *testing.T) {
	f := newFakeLive(t)
	cfg := testConfig(f.url())
	cfg.Live.SetupTimeout = 50 * time.Millisecond
	c := newTestClient(t, cfg, nil)

	require.NoError(t, c.Connect(context.Background()))
	f.accept(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := c.WaitReady(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, StateError, c.State())
	assert.Contains(t, c.Snapshot().Cause, "setup timeout")
	f.expectClosed(t)
}

func TestDisconnect_CancelsInFlightToolCalls(t *testing.T) {
	f := newFakeLive(t)
	aborted := make(chan struct{})
	gw := &fakeGateway{fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		close(aborted)
		return "", ctx.Err()
	}}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"a","name":"execute","args":{"task":"book a table"}}]}}`)
	require.Eventually(t, func() bool {
		return len(c.Snapshot().ActiveToolCalls) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())

	select {
	case <-aborted:
	case <-time.After(waitFor):
		t.Fatal("tool call not cancelled")
	}
	snap := c.Snapshot()
	assert.Equal(t, StateDisconnected, snap.State)
	assert.Empty(t, snap.ActiveToolCalls)

	f.expectClosed(t)
	select {
	case frame := <-f.frames:
		t.Fatalf("no tool response expected after disconnect, got %s", frame)
	default:
	}
}

func TestDisconnect_FromAnyState(t *testing.T) {
	c := newTestClient(t, testConfig("ws://127.0.0.1:1"), nil)
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSubscribe_SeesFullLifecycle(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	connectReady(t, c, f)
	require.NoError(t, c.Disconnect())

	var states []State
	timeout := time.After(waitFor)
	for len(states) == 0 || states[len(states)-1] != StateDisconnected || len(states) < 5 {
		select {
		case s := <-ch:
			if len(states) == 0 || states[len(states)-1] != s.State {
				states = append(states, s.State)
			}
		case <-timeout:
			t.Fatalf("incomplete lifecycle: %v", states)
		}
	}
	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateSettingUp, StateReady, StateDisconnected}, states)
}

func TestEchoGate(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	conn := connectReady(t, c, f)

	gate := NewEchoGate(c, true)
	sent, err := gate.SubmitAudioChunk(context.Background(), make([]int16, 100))
	require.NoError(t, err)
	assert.True(t, sent)
	f.next(t)

	write(t, conn, `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]}}}`)
	require.Eventually(t, c.ModelSpeaking, waitFor, 5*time.Millisecond)

	sent, err = gate.SubmitAudioChunk(context.Background(), make([]int16, 100))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, int64(100), gate.Dropped())

	open := NewEchoGate(c, false)
	sent, err = open.SubmitAudioChunk(context.Background(), make([]int16, 100))
	require.NoError(t, err)
	assert.True(t, sent)
}

// currentAttempt returns the attempt Connect last started.
func currentAttempt(c *Client) *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func TestGoAway_FlushesQueuedSendsBeforeClosing(t *testing.T) {
	f := newFakeLive(t)
	c := newTestClient(t, testConfig(f.url()), nil)
	conn := connectReady(t, c, f)
	a := currentAttempt(c)

	audioMsg, err := BuildAudioMessage([]byte{1, 0, 2, 0})
	require.NoError(t, err)
	toolMsg, err := BuildToolResponseMessage(toolrouter.Response{ID: "123", Name: "execute", Output: "Message sent."})
	require.NoError(t, err)
	queued := []*outbound{
		{kind: "audio", data: audioMsg, result: make(chan error, 1)},
		{kind: "tool_response", data: toolMsg, result: make(chan error, 1)},
		{kind: "audio", data: audioMsg, result: make(chan error, 1)},
	}
	for _, item := range queued {
		a.queue <- item
	}
	write(t, conn, `{"goAway":{"timeLeft":"1s"}}`)

	for i, item := range queued {
		select {
		case err := <-item.result:
			require.NoError(t, err, "item %d", i)
		case <-time.After(waitFor):
			t.Fatalf("queued item %d never written", i)
		}
	}

	f.expectClosed(t)
	for i, item := range queued {
		select {
		case got := <-f.frames:
			assert.JSONEq(t, string(item.data), string(got), "item %d", i)
		default:
			t.Fatalf("item %d did not arrive before the connection closed", i)
		}
	}
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, 5*time.Millisecond)
}

// hangUpSink disconnects the session as soon as the model says anything.
type hangUpSink struct {
	c *Client
}

func (s *hangUpSink) ModelTranscript(string, bool) { _ = s.c.Disconnect() }
func (s *hangUpSink) UserTranscript(string)        {}

func TestDisconnectMidFrame_RemainingToolCallsNeverRun(t *testing.T) {
	f := newFakeLive(t)
	var executed atomic.Int32
	gw := &fakeGateway{fn: func(context.Context, string) (string, error) {
		executed.Add(1)
		return "late result", nil
	}}
	sink := &hangUpSink{}
	c := newTestClient(t, testConfig(f.url()), gw, WithTranscriptSink(sink))
	sink.c = c
	conn := connectReady(t, c, f)

	write(t, conn, `{"serverContent":{"modelTurn":{"parts":[{"text":"On it."}]}},`+
		`"toolCall":{"functionCalls":[{"id":"old-1","name":"execute","args":{"task":"send the message"}}]}}`)

	f.expectClosed(t)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, waitFor, 5*time.Millisecond)
	c.router.Wait()

	assert.Zero(t, executed.Load(), "no gateway action after disconnect")
	assert.Empty(t, c.router.Active())
	assert.Empty(t, c.Snapshot().ActiveToolCalls)
}

func TestToolResponseFromEndedSessionIsDropped(t *testing.T) {
	f := newFakeLive(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gw := &fakeGateway{fn: func(_ context.Context, task string) (string, error) {
		if task == "slow" {
			started <- struct{}{}
			<-release
		}
		return "result for " + task, nil
	}}
	c := newTestClient(t, testConfig(f.url()), gw)
	conn := connectReady(t, c, f)
	old := currentAttempt(c)

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"old-1","name":"execute","args":{"task":"slow"}}]}}`)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("tool call never dispatched")
	}

	require.NoError(t, c.Disconnect())
	f.expectClosed(t)
	conn = connectReady(t, c, f)

	close(release)
	c.emitToolResponse(old.ctx, toolrouter.Response{ID: "old-1", Name: "execute", Output: "late result"})
	c.emitToolResponse(context.Background(), toolrouter.Response{ID: "orphan", Name: "execute", Output: "x"})

	write(t, conn, `{"toolCall":{"functionCalls":[{"id":"new-1","name":"execute","args":{"task":"fast"}}]}}`)
	fr := f.next(t)["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	assert.Equal(t, "new-1", fr["id"], "responses from an ended session never reach the new one")
	assert.Equal(t, "result for fast", fr["response"].(map[string]any)["output"])
}

func TestVideoThrottle_FreshSlotPerSession(t *testing.T) {
	f := newFakeLive(t)
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, testConfig(f.url()), nil, WithClock(func() time.Time { return fixed }))
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	connectReady(t, c, f)
	sent, err := c.SubmitVideoFrame(context.Background(), img)
	require.NoError(t, err)
	require.True(t, sent)
	f.next(t)
	sent, err = c.SubmitVideoFrame(context.Background(), img)
	require.NoError(t, err)
	require.False(t, sent)

	require.NoError(t, c.Disconnect())
	f.expectClosed(t)
	connectReady(t, c, f)

	sent, err = c.SubmitVideoFrame(context.Background(), img)
	require.NoError(t, err)
	assert.True(t, sent, "first frame of a new session is not throttled by the previous one")
}

func TestVideoThrottle_EncodeFailureKeepsSlot(t *testing.T) {
	f := newFakeLive(t)
	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, testConfig(f.url()), nil, WithClock(func() time.Time { return fixed }))
	connectReady(t, c, f)

	sent, err := c.SubmitVideoFrame(context.Background(), image.NewRGBA(image.Rectangle{}))
	assert.False(t, sent)
	assert.ErrorIs(t, err, media.ErrEmptyFrame)

	sent, err = c.SubmitVideoFrame(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	assert.True(t, sent)
}
