package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/pi-signaling/config"
	"github.com/mossy-p/pi-signaling/internal/metrics"
	"github.com/mossy-p/pi-signaling/internal/relay"
)

const testSecret = "handlers-test-secret"

type testServer struct {
	*httptest.Server
	relay   *relay.Relay
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = []string{"https://app.example"}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	m := metrics.New()
	r := relay.New(relay.Options{
		Policy:  relay.BufferPolicy(cfg.Relay.BufferPolicy),
		Metrics: m,
		Logger:  zap.NewNop(),
	})
	r.Start()

	servers, err := BuildICEServers(cfg.ICE)
	require.NoError(t, err)

	ts := httptest.NewServer(NewRouter(RouterDeps{
		Config:     cfg,
		Relay:      r,
		Metrics:    m,
		ICEServers: servers,
		Logger:     zap.NewNop(),
	}))
	t.Cleanup(func() {
		_ = r.Shutdown(context.Background())
		ts.Close()
	})
	return &testServer{Server: ts, relay: r, metrics: m}
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readRaw(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(readRaw(t, conn)), &out))
	return out
}

// readClose reads until the connection fails and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func registerAs(t *testing.T, conn *websocket.Conn, role string) string {
	t.Helper()
	send(t, conn, fmt.Sprintf(`{"type":"register","role":%q}`, role))
	ack := readJSON(t, conn)
	require.Equal(t, "registered", ack["type"])
	require.Equal(t, role, ack["role"])
	return ack["id"].(string)
}

func TestSignalingExchange(t *testing.T) {
	ts := newTestServer(t, nil)
	pi := ts.dial(t, "/")
	client := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")
	registerAs(t, client, "client")

	offer := `{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 0.0.0.0\r\n"}`
	send(t, pi, offer)
	assert.Equal(t, offer, readRaw(t, client))

	answer := `{"type": "answer", "sdp": "v=0\r\n"}`
	send(t, client, answer)
	assert.Equal(t, answer, readRaw(t, pi))

	cands := []string{
		`{"type":"ice","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.2 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
		`{"type":"ice_candidate","candidate":"candidate:2 1 udp 1 10.0.0.2 5001 typ host"}`,
		`{"type":"ice","candidate":"candidate:3 1 udp 1 10.0.0.2 5002 typ host"}`,
	}
	for _, c := range cands {
		send(t, pi, c)
	}
	for _, c := range cands {
		assert.Equal(t, c, readRaw(t, client))
	}
}

func TestSignalingSecondPiReplacesFirst(t *testing.T) {
	ts := newTestServer(t, nil)
	oldPi := ts.dial(t, "/ws")
	registerAs(t, oldPi, "pi")
	client := ts.dial(t, "/ws")
	registerAs(t, client, "client")

	newPi := ts.dial(t, "/ws")
	newID := registerAs(t, newPi, "pi")

	notice := readJSON(t, oldPi)
	assert.Equal(t, "peer-replaced", notice["type"])
	assert.Equal(t, relay.ClosePeerReplaced, readClose(t, oldPi))

	send(t, client, `{"type":"answer","sdp":"A"}`)
	assert.Equal(t, `{"type":"answer","sdp":"A"}`, readRaw(t, newPi))

	st := ts.relay.Snapshot()
	assert.Equal(t, newID, st.Slots["pi"].ConnectionID)
}

func TestSignalingDisconnectLeavesOtherPeer(t *testing.T) {
	ts := newTestServer(t, nil)
	pi := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")
	client := ts.dial(t, "/ws")
	registerAs(t, client, "client")

	require.NoError(t, pi.Close())
	require.Eventually(t, func() bool {
		return !ts.relay.Snapshot().Slots["pi"].Occupied
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ts.relay.Snapshot().Slots["client"].Occupied)

	// client is still usable with a replacement pi
	pi2 := ts.dial(t, "/ws")
	registerAs(t, pi2, "pi")
	send(t, pi2, `{"type":"offer","sdp":"again"}`)
	assert.Equal(t, `{"type":"offer","sdp":"again"}`, readRaw(t, client))
}

func TestSignalingErrorsAreLocal(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/ws")

	send(t, conn, `{"type":"offer","sdp":"X"}`)
	assert.Equal(t, map[string]any{"type": "error", "code": "unregistered"}, readJSON(t, conn))

	send(t, conn, `{"type":"join_room","room_id":"1"}`)
	notice := readJSON(t, conn)
	assert.Equal(t, "error", notice["type"])
	assert.Equal(t, "unknown_type", notice["code"])

	send(t, conn, `not json`)
	assert.Equal(t, "malformed", readJSON(t, conn)["code"])

	// still open and able to register
	registerAs(t, conn, "client")
}

func TestSignalingBufferPolicy(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Relay.BufferPolicy = config.BufferPolicyBuffer
	})
	pi := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")
	send(t, pi, `{"type":"offer","sdp":"early"}`)
	send(t, pi, `{"type":"ice","candidate":"lost"}`)

	require.Eventually(t, func() bool {
		return ts.relay.Snapshot().Slots["client"].Buffered == "offer"
	}, 2*time.Second, 10*time.Millisecond)

	client := ts.dial(t, "/ws")
	registerAs(t, client, "client")
	assert.Equal(t, `{"type":"offer","sdp":"early"}`, readRaw(t, client))

	send(t, pi, `{"type":"ice","candidate":"kept"}`)
	assert.Equal(t, `{"type":"ice","candidate":"kept"}`, readRaw(t, client))
}

func TestSignalingRejectsBinaryFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "/ws")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	assert.Equal(t, websocket.CloseUnsupportedData, readClose(t, conn))
}

func TestSignalingMessageSizeLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Relay.MaxMessageBytes = 64
	})
	conn := ts.dial(t, "/ws")
	send(t, conn, `{"type":"offer","sdp":"`+strings.Repeat("a", 128)+`"}`)
	assert.Equal(t, websocket.CloseMessageTooBig, readClose(t, conn))
}

func TestSignalingRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Relay.MaxMessagesPerSecond = 2
	})
	conn := ts.dial(t, "/ws")
	// burst of two, the third frame trips the limiter
	for i := 0; i < 3; i++ {
		send(t, conn, `{"type":"noop"}`)
	}
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, conn))
}

func TestSignalingSilentPeerLosesSlot(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Relay.PingInterval = 50 * time.Millisecond
		c.Relay.PongTimeout = 200 * time.Millisecond
	})
	pi := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")
	require.True(t, ts.relay.Snapshot().Slots["pi"].Occupied)

	// pongs are only sent from inside ReadMessage, so not reading is silence
	require.Eventually(t, func() bool {
		return !ts.relay.Snapshot().Slots["pi"].Occupied
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, ts.relay.Snapshot().Connections)
}

func TestSignalingSlowConsumerIsClosed(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Relay.SendBuffer = 1
		c.Relay.MaxMessageBytes = 1 << 20
		c.Relay.MaxMessagesPerSecond = 10000
		c.Relay.WriteTimeout = 5 * time.Second
	})
	pi := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")
	client := ts.dial(t, "/ws")
	registerAs(t, client, "client")

	// client stops reading; flood it until its queue overflows
	offer := `{"type":"offer","sdp":"` + strings.Repeat("a", 256*1024) + `"}`
	for i := 0; i < 400 && ts.relay.Snapshot().Slots["client"].Occupied; i++ {
		send(t, pi, offer)
	}
	require.Eventually(t, func() bool {
		return !ts.relay.Snapshot().Slots["client"].Occupied
	}, 2*time.Second, 10*time.Millisecond)

	st := ts.relay.Snapshot()
	assert.True(t, st.Slots["pi"].Occupied)
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.Evictions.WithLabelValues("client", "write_failed")))

	// draining lets the queued frames and then the close frame through
	assert.Equal(t, websocket.ClosePolicyViolation, readClose(t, client))
}

func TestSignalingShutdownClosesPeers(t *testing.T) {
	ts := newTestServer(t, nil)
	pi := ts.dial(t, "/ws")
	registerAs(t, pi, "pi")

	require.NoError(t, ts.relay.Shutdown(context.Background()))
	assert.Equal(t, websocket.CloseGoingAway, readClose(t, pi))

	late := ts.dial(t, "/ws")
	assert.Equal(t, websocket.CloseGoingAway, readClose(t, late))
}

func TestOriginFilter(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example"}})
	require.NoError(t, err)
	conn.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginFilterWildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(OriginFilter([]string{"*"}))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://anything.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://anything.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
