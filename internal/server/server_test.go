package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/orchestrator"
	"github.com/michaelbrown/pocket/internal/policy"
	"github.com/michaelbrown/pocket/internal/relay"
	"github.com/michaelbrown/pocket/internal/sandbox"
	"github.com/michaelbrown/pocket/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/pocket/internal/session"
	"github.com/michaelbrown/pocket/internal/storage/sqlite"
)

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

type testServer struct {
	ts        *httptest.Server
	engine    *sandboxtest.Engine
	validator *countingValidator
}

// countingValidator counts token validations.
type countingValidator struct {
	auth.Validator
	calls atomic.Int64
}

func (v *countingValidator) Validate(ctx context.Context, token string) (string, error) {
	v.calls.Add(1)
	return v.Validator.Validate(ctx, token)
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	pol, err := policy.New(policy.DefaultProfiles())
	require.NoError(t, err)
	tokens, err := auth.NewStaticTokens(map[string]string{aliceToken: "alice", bobToken: "bob"})
	require.NoError(t, err)
	validator := &countingValidator{Validator: tokens}
	ledger, err := sqlite.Open(":memory:")
	require.NoError(t, err)

	engine := sandboxtest.NewEngine()
	var seq atomic.Int64
	orch, err := orchestrator.New(orchestrator.Config{
		Engine:          engine,
		Policy:          pol,
		Registry:        session.NewRegistry(0),
		Auth:            validator,
		Journal:         ledger,
		TeardownRetries: 1,
		RetryBackoff:    time.Millisecond,
		CancelTimeout:   time.Second,
		NewID:           func() string { return fmt.Sprintf("sess-%d", seq.Add(1)) },
	})
	require.NoError(t, err)

	ts := httptest.NewServer(New(cfg, orch, ledger, validator).Handler())

	// Cleanups run last-in first-out: sessions end before the listener and
	// the ledger go away.
	t.Cleanup(func() { ledger.Close() })
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &testServer{ts: ts, engine: engine, validator: validator}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (s *testServer) create(t *testing.T, token string) sessionResponse {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/sessions", token, map[string]string{"profile": "small"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var out sessionResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (s *testServer) status(t *testing.T, id string) (int, session.State) {
	t.Helper()
	code, body := s.do(t, http.MethodGet, "/api/sessions/"+id, aliceToken, nil)
	var out sessionResponse
	_ = json.Unmarshal(body, &out)
	return code, out.Status
}

func (s *testServer) dial(t *testing.T, id, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/sessions/" + id + "/stream?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readData reads binary messages until their concatenation is want.
func readData(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got strings.Builder
	for got.Len() < len(want) {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err, "got %q so far", got.String())
		require.Equal(t, websocket.BinaryMessage, mt, "unexpected frame %s", data)
		got.Write(data)
	}
	assert.Equal(t, want, got.String())
}

// readFrame reads the next text frame.
func readFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		f, err := relay.DecodeText(data)
		require.NoError(t, err)
		return f
	}
}

func sendText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t, Config{})

	got := s.create(t, aliceToken)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, session.Active, got.Status)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, int64(256*1024*1024), got.ResourceLimits.MemoryBytes)
	assert.NotEmpty(t, got.SandboxID)
	assert.Equal(t, 1, s.engine.Count())
}

func TestCreateSession_Errors(t *testing.T) {
	s := newTestServer(t, Config{})

	tests := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "", map[string]string{"profile": "small"}, http.StatusUnauthorized, "unauthorized"},
		{"bad token", "nope", map[string]string{"profile": "small"}, http.StatusUnauthorized, "unauthorized"},
		{"unknown profile", aliceToken, map[string]string{"profile": "huge"}, http.StatusBadRequest, "invalid_config"},
		{"bad json", aliceToken, "not an object", http.StatusBadRequest, "invalid_config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, http.MethodPost, "/api/sessions", tt.token, tt.body)
			assert.Equal(t, tt.status, status)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
	assert.Zero(t, s.engine.Count())
}

func TestCreateSession_RateLimitedPerUser(t *testing.T) {
	s := newTestServer(t, Config{CreateRate: 1, CreateBurst: 1})

	s.create(t, aliceToken)
	status, body := s.do(t, http.MethodPost, "/api/sessions", aliceToken, map[string]string{"profile": "small"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), "rate_limited")

	// Another user has their own bucket.
	s.create(t, bobToken)
}

func TestAPIRateLimitPerIP(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 2})

	for range 2 {
		status, _ := s.do(t, http.MethodGet, "/api/profiles", aliceToken, nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := s.do(t, http.MethodGet, "/api/profiles", aliceToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, string(body), "rate_limited")
}

func TestGetListDelete(t *testing.T) {
	s := newTestServer(t, Config{})
	a := s.create(t, aliceToken)
	s.create(t, bobToken)

	status, body := s.do(t, http.MethodGet, "/api/sessions", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var list []sessionResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, a.SessionID, list[0].SessionID)

	// Other users cannot see or end the session.
	status, _ = s.do(t, http.MethodGet, "/api/sessions/"+a.SessionID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodDelete, "/api/sessions/"+a.SessionID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(t, http.MethodDelete, "/api/sessions/"+a.SessionID, aliceToken, nil)
	assert.Equal(t, http.StatusAccepted, status)

	code, _ := s.status(t, a.SessionID)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, s.engine.Exists(a.SandboxID))
}

func TestStream_EchoResizeDetachReattach(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)

	conn := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))
	readData(t, conn, "ls\n")

	// Text data frames are accepted too.
	sendText(t, conn, `{"type":"data","payload":"pwd\n"}`)
	readData(t, conn, "pwd\n")

	sendText(t, conn, `{"type":"resize","cols":120,"rows":40}`)
	require.Eventually(t, func() bool {
		status, body := s.do(t, http.MethodGet, "/api/sessions/"+sess.SessionID+"/sandbox", aliceToken, nil)
		var info sandbox.Info
		return status == http.StatusOK && json.Unmarshal(body, &info) == nil &&
			info.Cols == 120 && info.Rows == 40
	}, 2*time.Second, 10*time.Millisecond)

	// Dropping the connection detaches; the sandbox survives.
	conn.Close()
	require.Eventually(t, func() bool {
		_, state := s.status(t, sess.SessionID)
		return state == session.Detached
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.engine.Exists(sess.SandboxID))

	again := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, again.WriteMessage(websocket.BinaryMessage, []byte("back\n")))
	readData(t, again, "back\n")

	_, state := s.status(t, sess.SessionID)
	assert.Equal(t, session.Active, state)
}

func TestStream_ClientCloseEndsSession(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)

	conn := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hi\n")))
	readData(t, conn, "hi\n")

	sendText(t, conn, `{"type":"close"}`)
	assert.Equal(t, relay.FrameClose, readFrame(t, conn).Type)

	require.Eventually(t, func() bool {
		code, _ := s.status(t, sess.SessionID)
		return code == http.StatusNotFound
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.engine.Exists(sess.SandboxID))
}

func TestStream_TerminateSendsErrorThenClose(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)

	conn := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("x\n")))
	readData(t, conn, "x\n")

	status, _ := s.do(t, http.MethodDelete, "/api/sessions/"+sess.SessionID, aliceToken, nil)
	require.Equal(t, http.StatusAccepted, status)

	f := readFrame(t, conn)
	assert.Equal(t, relay.FrameError, f.Type)
	assert.Equal(t, relay.CodeTerminated, f.Code)
	assert.Equal(t, relay.FrameClose, readFrame(t, conn).Type)
}

func TestStream_SecondClientRejected(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)

	first := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, []byte("one\n")))
	readData(t, first, "one\n")

	second := s.dial(t, sess.SessionID, aliceToken)
	f := readFrame(t, second)
	assert.Equal(t, relay.FrameError, f.Type)
	assert.Equal(t, "invalid_state", f.Code)
	assert.Equal(t, relay.FrameClose, readFrame(t, second).Type)

	// The first client is unaffected.
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, []byte("two\n")))
	readData(t, first, "two\n")
}

func TestStream_RejectedBeforeUpgrade(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)

	tests := []struct {
		name   string
		id     string
		token  string
		status int
	}{
		{"unknown session", "missing", aliceToken, http.StatusNotFound},
		{"other user", sess.SessionID, bobToken, http.StatusNotFound},
		{"bad token", sess.SessionID, "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/api/sessions/" + tt.id + "/stream?token=" + tt.token
			_, resp, err := websocket.DefaultDialer.Dial(url, nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHistory(t *testing.T) {
	s := newTestServer(t, Config{})
	sess := s.create(t, aliceToken)
	s.create(t, bobToken)

	status, _ := s.do(t, http.MethodDelete, "/api/sessions/"+sess.SessionID, aliceToken, nil)
	require.Equal(t, http.StatusAccepted, status)

	status, body := s.do(t, http.MethodGet, "/api/history", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var records []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, sess.SessionID, records[0].ID)
	assert.Equal(t, "terminated", records[0].Status)

	status, body = s.do(t, http.MethodGet, "/api/history/"+sess.SessionID, aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	var export struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Events []struct {
			Kind string `json:"kind"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &export))
	assert.Equal(t, sess.SessionID, export.Session.ID)
	require.NotEmpty(t, export.Events)
	assert.Equal(t, "created", export.Events[0].Kind)

	status, _ = s.do(t, http.MethodGet, "/api/history/"+sess.SessionID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCommandHistory(t *testing.T) {
	s := newTestServer(t, Config{})
	a := s.create(t, aliceToken)
	b := s.create(t, aliceToken)

	type command struct {
		SessionID string `json:"session_id"`
		Command   string `json:"command"`
	}
	commands := func(path string) []command {
		status, body := s.do(t, http.MethodGet, path, aliceToken, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var out []command
		require.NoError(t, json.Unmarshal(body, &out))
		return out
	}

	conn := s.dial(t, a.SessionID, aliceToken)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo hi\r")))
	readData(t, conn, "echo hi\r")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls -la\r")))
	readData(t, conn, "ls -la\r")

	other := s.dial(t, b.SessionID, aliceToken)
	require.NoError(t, other.WriteMessage(websocket.BinaryMessage, []byte("echo bye\r")))
	readData(t, other, "echo bye\r")

	path := "/api/history/" + a.SessionID + "/commands"
	require.Eventually(t, func() bool {
		return len(commands(path)) == 2 && len(commands("/api/commands?q=echo")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := commands(path)
	assert.Equal(t, "echo hi", got[0].Command)
	assert.Equal(t, "ls -la", got[1].Command)

	got = commands(path + "?q=ls")
	require.Len(t, got, 1)
	assert.Equal(t, "ls -la", got[0].Command)

	got = commands(path + "?limit=1&offset=1")
	require.Len(t, got, 1)
	assert.Equal(t, "ls -la", got[0].Command)

	// Search spans every session of the caller.
	got = commands("/api/commands?q=echo")
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{a.SessionID, b.SessionID}, []string{got[0].SessionID, got[1].SessionID})

	assert.Empty(t, commands(path+"?q=nothing"))

	status, _ := s.do(t, http.MethodGet, path, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, body := s.do(t, http.MethodGet, "/api/commands?q=echo", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestCreateAndAttachValidateOnce(t *testing.T) {
	s := newTestServer(t, Config{})

	before := s.validator.calls.Load()
	sess := s.create(t, aliceToken)
	assert.Equal(t, int64(1), s.validator.calls.Load()-before, "create")

	before = s.validator.calls.Load()
	conn := s.dial(t, sess.SessionID, aliceToken)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("up\n")))
	readData(t, conn, "up\n")
	assert.Equal(t, int64(1), s.validator.calls.Load()-before, "attach")
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, s.ts.URL+"/api/sessions", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("https://app.example.com")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	resp = preflight("https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/profiles", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, apiCSP, resp.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "plain http")

	req.Header.Set("X-Forwarded-Proto", "https")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestProfilesHealthMetrics(t *testing.T) {
	s := newTestServer(t, Config{})

	status, body := s.do(t, http.MethodGet, "/api/profiles", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"profiles":["medium","small"]}`, string(body))

	status, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, body = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "pocket_sessions_active")
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	check := originChecker([]string{"https://shell.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://shell.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
