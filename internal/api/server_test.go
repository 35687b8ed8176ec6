package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/energizer-project/edgeagent/internal/agent"
	"github.com/energizer-project/edgeagent/internal/broadcast"
	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/connector"
	"github.com/energizer-project/edgeagent/internal/db"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/health"
	"github.com/energizer-project/edgeagent/internal/util"
)

type fakeSession struct {
	mu         sync.Mutex
	status     connector.Status
	peers      []agent.Peer
	pending    []agent.PendingQuery
	queryErr   error
	queries    []string
	vcam       []bool
	reconnects int
	canRestart bool
}

func (f *fakeSession) Status() connector.Status      { return f.status }
func (f *fakeSession) Peers() []agent.Peer           { return f.peers }
func (f *fakeSession) Pending() []agent.PendingQuery { return f.pending }

func (f *fakeSession) SendQuery(to uint32, cmd, val string) (agent.PendingQuery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return agent.PendingQuery{}, f.queryErr
	}
	f.queries = append(f.queries, cmd+":"+val)
	return agent.PendingQuery{RequestID: int64(len(f.queries)), To: to, Command: cmd, Value: val}, nil
}

func (f *fakeSession) SendVirtualCameraState(active bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcam = append(f.vcam, active)
	return f.status.Phase == connector.PhaseLoggedIn
}

func (f *fakeSession) Reconnect() bool {
	f.reconnects++
	return f.canRestart
}

type fakeHistory struct{}

func (fakeHistory) Peers() ([]db.PeerRecord, error) {
	return []db.PeerRecord{{ID: 55, Model: 100, Present: true}}, nil
}

func (fakeHistory) RecentQueries(limit int) ([]db.QueryRecord, error) {
	if limit != 5 {
		return nil, errors.New("unexpected limit")
	}
	return []db.QueryRecord{{ReqID: 1, Direction: db.DirectionOutbound}}, nil
}

func (fakeHistory) RecentEvents(eventType string, limit int) ([]db.EventRecord, error) {
	return []db.EventRecord{{Type: eventType}}, nil
}

type testServer struct {
	srv     *Server
	router  *gin.Engine
	session *fakeSession
	host    *broadcast.Controller
	cfg     *config.Config
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.Agent.EntityID = 100
	cfg.API.APIKey = apiKey
	cfg.API.RateLimitRPS = 0

	host := broadcast.NewController(broadcast.Options{
		Profiles:       []string{"main", "backup"},
		CurrentProfile: "main",
		SystemInfo:     &util.SystemInfo{Hostname: "edge-test"},
	})
	t.Cleanup(host.Close)

	session := &fakeSession{
		status:     connector.Status{Phase: connector.PhaseLoggedIn, SessionID: 7, EntityID: 100},
		peers:      []agent.Peer{{ID: 55, Model: 100}},
		canRestart: true,
	}
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	srv := NewServer(cfg, bus, session, host, "1.2.3")
	srv.SetDependencies(fakeHistory{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("edgeagent_frames_decoded_total 3\n"))
	}))
	return &testServer{srv: srv, router: srv.buildRouter(), session: session, host: host, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q is not JSON: %v", w.Body.String(), err)
	}
	return out
}

func TestPublicRoutes(t *testing.T) {
	ts := newTestServer(t, "secret")

	w := ts.do(t, http.MethodGet, "/api/public/ping", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}
	if body := decodeBody(t, w); body["phase"] != "logged_in" {
		t.Errorf("ping body = %v", body)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	w = ts.do(t, http.MethodGet, "/api/public/version", "")
	body := decodeBody(t, w)
	if body["version"] != "1.2.3" || body["login_version"] != float64(20071025) {
		t.Errorf("version body = %v", body)
	}
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, "secret")

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"header", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"bearer", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"basic scheme", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodGet, "/api/status", "", tt.headers...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	if w := ts.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("metrics without key = %d", w.Code)
	}
}

func TestNoKeyAllowsAll(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodGet, "/api/peers", ""); w.Code != http.StatusOK {
		t.Errorf("peers = %d", w.Code)
	}
}

func TestStatusPeersPending(t *testing.T) {
	ts := newTestServer(t, "")

	body := decodeBody(t, ts.do(t, http.MethodGet, "/api/status", ""))
	if body["phase"] != "logged_in" || body["session_id"] != float64(7) {
		t.Errorf("status = %v", body)
	}

	body = decodeBody(t, ts.do(t, http.MethodGet, "/api/peers", ""))
	if body["total"] != float64(1) {
		t.Errorf("peers = %v", body)
	}

	body = decodeBody(t, ts.do(t, http.MethodGet, "/api/pending", ""))
	if body["total"] != float64(0) {
		t.Errorf("pending = %v", body)
	}

	body = decodeBody(t, ts.do(t, http.MethodGet, "/api/host", ""))
	if body["state"] != "stopped" || body["profile"] != "main" {
		t.Errorf("host = %v", body)
	}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"sent", `{"to":55,"cmd":"start"}`, nil, http.StatusAccepted},
		{"missing target", `{"cmd":"start"}`, nil, http.StatusBadRequest},
		{"not json", `start`, nil, http.StatusBadRequest},
		{"not logged in", `{"to":55,"cmd":"start"}`, connector.ErrNotLoggedIn, http.StatusConflict},
		{"send failed", `{"to":55,"cmd":"stop"}`, connector.ErrSendFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.session.queryErr = tt.err
			w := ts.do(t, http.MethodPost, "/api/query", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusAccepted {
				q := decodeBody(t, w)["query"].(map[string]interface{})
				if q["reqid"] != float64(1) || q["cmd"] != "start" {
					t.Errorf("query = %v", q)
				}
			}
		})
	}
}

func TestReconnect(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodPost, "/api/reconnect", ""); w.Code != http.StatusAccepted {
		t.Errorf("reconnect = %d", w.Code)
	}
	ts.session.canRestart = false
	if w := ts.do(t, http.MethodPost, "/api/reconnect", ""); w.Code != http.StatusConflict {
		t.Errorf("reconnect without start = %d", w.Code)
	}
	if ts.session.reconnects != 2 {
		t.Errorf("reconnects = %d", ts.session.reconnects)
	}
}

func TestBroadcastState(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/broadcast/state", `{"state":"started"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set state = %d: %s", w.Code, w.Body.String())
	}
	if ts.host.ActiveState() != broadcast.StateStarted {
		t.Errorf("state = %v", ts.host.ActiveState())
	}
	select {
	case ch := <-ts.host.Changes():
		if ch.New != broadcast.StateStarted {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Error("no change published")
	}

	if w := ts.do(t, http.MethodPost, "/api/broadcast/state", `{"state":"flying"}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown state = %d", w.Code)
	}
}

func TestBroadcastProfileAndStream(t *testing.T) {
	ts := newTestServer(t, "")

	steps := []struct {
		path string
		body string
		want int
	}{
		{"/api/broadcast/profile", `{"profile":"nope"}`, http.StatusNotFound},
		{"/api/broadcast/profile", `{"profile":"backup"}`, http.StatusOK},
		{"/api/broadcast/stop", "", http.StatusConflict},
		{"/api/broadcast/start", "", http.StatusAccepted},
		{"/api/broadcast/start", "", http.StatusConflict},
		{"/api/broadcast/profile", `{"profile":"main"}`, http.StatusConflict},
		{"/api/broadcast/stop", "", http.StatusAccepted},
	}
	for i, s := range steps {
		if w := ts.do(t, http.MethodPost, s.path, s.body); w.Code != s.want {
			t.Fatalf("step %d %s = %d, want %d: %s", i, s.path, w.Code, s.want, w.Body.String())
		}
	}
	if snap := ts.host.Snapshot(); snap.Profile != "backup" || snap.State != broadcast.StateStopped {
		t.Errorf("host = %+v", snap)
	}
}

func TestVirtualCamera(t *testing.T) {
	ts := newTestServer(t, "")

	body := decodeBody(t, ts.do(t, http.MethodPost, "/api/broadcast/vcam", `{"active":true}`))
	if body["reported"] != true {
		t.Errorf("vcam = %v", body)
	}
	if w := ts.do(t, http.MethodPost, "/api/broadcast/vcam", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing flag = %d", w.Code)
	}
	if len(ts.session.vcam) != 1 || !ts.session.vcam[0] {
		t.Errorf("vcam calls = %v", ts.session.vcam)
	}
}

func TestHistoryAndMetrics(t *testing.T) {
	ts := newTestServer(t, "")

	if body := decodeBody(t, ts.do(t, http.MethodGet, "/api/history/peers", "")); body["total"] != float64(1) {
		t.Errorf("history peers = %v", body)
	}
	if w := ts.do(t, http.MethodGet, "/api/history/queries?limit=5", ""); w.Code != http.StatusOK {
		t.Errorf("history queries = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/history/queries", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("history error = %d", w.Code)
	}
	body := decodeBody(t, ts.do(t, http.MethodGet, "/api/history/events?type=logged_in", ""))
	evs := body["events"].([]interface{})
	if evs[0].(map[string]interface{})["type"] != "logged_in" {
		t.Errorf("events = %v", evs)
	}

	w := ts.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "edgeagent_frames_decoded_total") {
		t.Errorf("metrics body = %q", w.Body.String())
	}

	ts.srv.SetDependencies(nil, nil)
	ts.router = ts.srv.buildRouter()
	if w := ts.do(t, http.MethodGet, "/api/history/peers", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("history without journal = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("metrics disabled = %d", w.Code)
	}
}

func TestConfigRoutes(t *testing.T) {
	ts := newTestServer(t, "")
	ts.cfg.Agent.AuthToken = "tok"

	body := decodeBody(t, ts.do(t, http.MethodGet, "/api/config", ""))
	if a := body["agent"].(map[string]interface{}); a["auth_token"] != "********" {
		t.Errorf("token not masked: %v", a["auth_token"])
	}

	if w := ts.do(t, http.MethodPost, "/api/config/agent", `{"key":"username","value":"edge"}`); w.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", w.Code, w.Body.String())
	}
	if ts.cfg.GetAgent().Username != "edge" {
		t.Errorf("username = %q", ts.cfg.GetAgent().Username)
	}

	if w := ts.do(t, http.MethodPost, "/api/config/agent", `{"key":"ping_every_ticks","value":0}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid update = %d", w.Code)
	}
	if ts.cfg.GetAgent().PingEveryTicks == 0 {
		t.Error("invalid update was kept")
	}

	if w := ts.do(t, http.MethodPost, "/api/config/agent", `{"key":"bogus","value":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown key = %d", w.Code)
	}
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodGet, "/api/nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown api route = %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<title>edgeagent</title>") {
		t.Errorf("root = %d %q", w.Code, w.Body.String())
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp != dashboardCSP {
		t.Errorf("dashboard CSP = %q", csp)
	}

	w = ts.do(t, http.MethodGet, "/ui/app.js", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "X-API-Key") {
		t.Errorf("dashboard script = %d", w.Code)
	}
	if csp := ts.do(t, http.MethodGet, "/api/public/ping", "").Header().Get("Content-Security-Policy"); csp != apiCSP {
		t.Errorf("api CSP = %q", csp)
	}
}

type fakeHealth []health.Result

func (f fakeHealth) Report() []health.Result { return f }

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	if w := ts.do(t, http.MethodGet, "/api/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health without manager = %d", w.Code)
	}

	ts.srv.SetHealth(fakeHealth{{Check: health.CheckDisk, Level: health.LevelWarning, Message: "91%"}})
	body := decodeBody(t, ts.do(t, http.MethodGet, "/api/health", ""))
	checks := body["checks"].([]interface{})
	if len(checks) != 1 || checks[0].(map[string]interface{})["level"] != "warning" {
		t.Errorf("health = %v", body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst refused")
	}
	if rl.Allow("a") {
		t.Error("third request inside the burst window allowed")
	}
	if !rl.Allow("b") {
		t.Error("clients share a bucket")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("bucket did not refill")
	}

	if !NewRateLimiter(0).Allow("x") {
		t.Error("disabled limiter refused")
	}
}
