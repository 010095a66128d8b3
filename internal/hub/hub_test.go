package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/client"
	"attendsync/internal/db"
	"attendsync/internal/edit"
	"attendsync/internal/events"
	"attendsync/internal/feed"
	"attendsync/internal/protocol"
	"attendsync/internal/register"
	"attendsync/internal/staging"
)

const (
	month = "2024-03"
	day1  = "2024-03-01"
)

type testEnv struct {
	hub   *Hub
	db    *db.DB
	redis *miniredis.Miniredis
	srv   *httptest.Server
	wsURL string
}

func setupHub(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)

	database, err := db.NewDB(filepath.Join(t.TempDir(), "hub.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.SyncEmployees(context.Background(), []register.Employee{
		{ID: "E1", PunchCode: "P1", Name: "Anita", ReportingGroups: []string{"assembly"}},
		{ID: "E2", PunchCode: "P2", Name: "Marcus", ReportingGroups: []string{"assembly", "packing"}},
		{ID: "E3", PunchCode: "P3", Name: "Sofia", ReportingGroups: []string{"packing"}},
	}))

	mr := miniredis.RunT(t)
	stage, err := staging.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stage.Close() })

	h := New(database, stage, opts, &logger)
	srv := httptest.NewServer(h.Router(map[string]Pinger{"db": database, "redis": PingFunc(stage.Ping)}))
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})

	return &testEnv{
		hub:   h,
		db:    database,
		redis: mr,
		srv:   srv,
		wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// rawClient speaks the wire protocol directly, bypassing client-side checks.
type rawClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, user *register.UserInfo) *rawClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	c := &rawClient{t: t, ws: ws}
	if user != nil {
		c.send(protocol.SetUserInfo(*user))
	}
	return c
}

func (c *rawClient) send(env protocol.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

// next reads until an envelope with the given action arrives.
func (c *rawClient) next(action protocol.Action) protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", action)
		env, err := protocol.Decode(data)
		require.NoError(c.t, err)
		if env.Kind() == action {
			return env
		}
	}
}

var (
	assemblyReporter = register.UserInfo{ID: "u1", Role: register.RoleReporter, ReportingGroups: []string{"assembly"}}
	packingReporter  = register.UserInfo{ID: "u2", Role: register.RoleReporter, ReportingGroups: []string{"packing"}}
	admin            = register.UserInfo{ID: "a1", Role: register.RoleAdmin}
)

func netPatch(emp, value string) register.Patch {
	return register.Patch{EmployeeID: emp, Date: day1, Field: register.FieldNetHours, NewValue: value, OldValue: "0"}
}

func TestSnapshot(t *testing.T) {
	env := setupHub(t, Options{})
	require.NoError(t, env.db.SetLock(context.Background(), register.LockState{
		LockKey: register.LockKey{Group: "packing", Date: day1}, Status: register.Locked, ChangedBy: "a1", ChangedAt: time.Now(),
	}))

	c := env.dial(t, &assemblyReporter)
	c.send(protocol.GetAttendance("assembly", month))
	snap := c.next(protocol.ActionAttendanceData)

	require.Len(t, snap.Rows, 2)
	require.Len(t, snap.Employees, 2)
	assert.Equal(t, "E2", snap.Employees[1].ID)
	assert.Equal(t, []string{"assembly", "packing"}, snap.Employees[1].ReportingGroups)
	assert.Equal(t, "Anita", snap.Rows[0].Name)
	assert.Len(t, snap.Rows[0].Days, 31)
	assert.Equal(t, register.DayEntry{NetHours: "0", OTHours: "0", Shift: "D", LockStatus: register.Unlocked}, snap.Rows[0].Days[day1])
	// E2 is also in packing, which is locked on day1.
	assert.Equal(t, register.Locked, snap.Rows[1].Days[day1].LockStatus)
	require.Len(t, snap.Locks, 1)
}

func TestSnapshotRequiresUserAndGroup(t *testing.T) {
	env := setupHub(t, Options{})

	anon := env.dial(t, nil)
	anon.send(protocol.GetAttendance("assembly", month))
	assert.Equal(t, CodeUnauthenticated, anon.next(protocol.ActionError).Code)

	c := env.dial(t, &packingReporter)
	c.send(protocol.GetAttendance("assembly", month))
	assert.Equal(t, CodeForbidden, c.next(protocol.ActionError).Code)

	c.send(protocol.GetAttendance("packing", "March"))
	assert.Equal(t, CodeBadRequest, c.next(protocol.ActionError).Code)
}

func TestEditIsStagedAndBroadcast(t *testing.T) {
	env := setupHub(t, Options{})
	editor := env.dial(t, &assemblyReporter)
	watcher := env.dial(t, &packingReporter)
	// Round trip so the watcher is registered and identified.
	watcher.send(protocol.GetAttendance("packing", month))
	watcher.next(protocol.ActionAttendanceData)

	editor.send(protocol.UpdateAttendance("m1", netPatch("E2", "7:30")))

	// The broadcast is queued before the sender's result.
	for _, c := range []*rawClient{editor, watcher} {
		got := c.next(protocol.ActionAttendanceUpdate)
		require.NotNil(t, got.UpdateDetails)
		assert.Equal(t, "7.5", got.UpdateDetails.NewValue, "hub normalizes")
		assert.Equal(t, "m1", got.UpdateDetails.MutationID)
	}
	result := editor.next(protocol.ActionUpdateResult)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "m1", result.MutationID)
	assert.Equal(t, "7.5", env.redis.HGet("attendsync:staged:2024-03", "E2|2024-03-01|netHR"))

	// Staged values show up in later snapshots.
	watcher.send(protocol.GetAttendance("packing", month))
	snap := watcher.next(protocol.ActionAttendanceData)
	for _, r := range snap.Rows {
		if r.EmployeeID == "E2" {
			assert.Equal(t, "7.5", r.Days[day1].NetHours)
		}
	}
}

func TestEditRejections(t *testing.T) {
	env := setupHub(t, Options{})
	require.NoError(t, env.db.SetLock(context.Background(), register.LockState{
		LockKey: register.LockKey{Group: "packing", Date: day1}, Status: register.Locked, ChangedBy: "a1", ChangedAt: time.Now(),
	}))
	c := env.dial(t, &assemblyReporter)

	tests := []struct {
		name    string
		patch   register.Patch
		message string
	}{
		{"outside groups", netPatch("E3", "1"), "not a reporter"},
		{"locked through another group", netPatch("E2", "1"), "locked"},
		{"unknown employee", netPatch("E9", "1"), "not found"},
		{"invalid value", netPatch("E1", "abc"), "not a number"},
		{"lock field", register.Patch{EmployeeID: "E1", Date: day1, Field: register.FieldLockStatus, NewValue: "locked"}, "not editable"},
		{"bad date", register.Patch{EmployeeID: "E1", Date: "01/03/2024", Field: register.FieldNetHours, NewValue: "1"}, "invalid date"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "r" + string(rune('a'+i))
			c.send(protocol.UpdateAttendance(id, tt.patch))
			result := c.next(protocol.ActionUpdateResult)
			assert.False(t, result.Succeeded())
			assert.Equal(t, id, result.MutationID)
			assert.Contains(t, strings.ToLower(result.Message), tt.message)
		})
	}
	assert.False(t, env.redis.Exists("attendsync:staged:2024-03"))
}

func TestLockToggle(t *testing.T) {
	env := setupHub(t, Options{})
	fixed := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	env.hub.now = func() time.Time { return fixed }

	reporter := env.dial(t, &assemblyReporter)
	reporter.send(protocol.LockToggle(register.LockKey{Group: "assembly", Date: day1}, register.Locked))
	assert.Equal(t, CodeForbidden, reporter.next(protocol.ActionError).Code)

	a := env.dial(t, &admin)
	a.send(protocol.LockToggle(register.LockKey{Group: "assembly", Date: day1}, register.Locked))

	for _, c := range []*rawClient{a, reporter} {
		got := c.next(protocol.ActionLockChanged)
		st, err := got.LockState()
		require.NoError(t, err)
		assert.Equal(t, register.LockKey{Group: "assembly", Date: day1}, st.LockKey)
		assert.Equal(t, register.Locked, st.Status)
		assert.Equal(t, "a1", st.ChangedBy)
		assert.True(t, fixed.Equal(st.ChangedAt))
	}

	reporter.send(protocol.UpdateAttendance("m1", netPatch("E1", "4")))
	assert.False(t, reporter.next(protocol.ActionUpdateResult).Succeeded())

	// Other dates stay editable.
	p := netPatch("E1", "4")
	p.Date = "2024-03-02"
	reporter.send(protocol.UpdateAttendance("m2", p))
	assert.True(t, reporter.next(protocol.ActionUpdateResult).Succeeded())
}

func TestSaveFlushesStagedEdits(t *testing.T) {
	env := setupHub(t, Options{})
	c := env.dial(t, &assemblyReporter)

	c.send(protocol.UpdateAttendance("m1", netPatch("E1", "6")))
	require.True(t, c.next(protocol.ActionUpdateResult).Succeeded())
	c.send(protocol.UpdateAttendance("m2", netPatch("E1", "6.5")))
	require.True(t, c.next(protocol.ActionUpdateResult).Succeeded())

	c.send(protocol.SaveStaged())
	done := c.next(protocol.ActionDataUpdated)
	assert.True(t, done.Succeeded())
	assert.Equal(t, 1, done.Saved, "last value per cell")

	stored, err := env.db.AttendanceForMonth(context.Background(), []string{"E1"}, month)
	require.NoError(t, err)
	assert.Equal(t, "6.5", stored["E1"][day1].NetHours)
	assert.False(t, env.redis.Exists("attendsync:staged:2024-03"))
}

func TestUnknownActionAndMalformedFrames(t *testing.T) {
	env := setupHub(t, Options{})
	c := env.dial(t, &assemblyReporter)

	c.send(protocol.Envelope{Action: "dance"})
	assert.Equal(t, CodeUnknownAction, c.next(protocol.ActionError).Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, CodeBadRequest, c.next(protocol.ActionError).Code)
}

func TestRateLimit(t *testing.T) {
	env := setupHub(t, Options{MessagesPerSecond: 0.1, Burst: 2})
	c := env.dial(t, &assemblyReporter)
	c.send(protocol.GetAttendance("assembly", month))
	c.send(protocol.GetAttendance("assembly", month))

	assert.Equal(t, CodeRateLimited, c.next(protocol.ActionError).Code)
}

func TestOriginCheck(t *testing.T) {
	env := setupHub(t, Options{AllowedOrigins: []string{"http://register.local"}})

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://register.local")
	ws, _, err := websocket.DefaultDialer.Dial(env.wsURL, header)
	require.NoError(t, err)
	_ = ws.Close()

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/healthz", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://register.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://register.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoints(t *testing.T) {
	env := setupHub(t, Options{})

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.redis.Close()
	resp, err = http.Get(env.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadinessIncludesMetricsFeed(t *testing.T) {
	env := setupHub(t, Options{})
	var feedUp atomic.Bool
	feedUp.Store(true)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" && feedUp.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	router := env.hub.Router(map[string]Pinger{
		"metrics_feed": PingFunc(feed.NewClient(upstream.URL, "secret").HealthCheck),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	feedUp.Store(false)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrics_feed")
}

// Two client sessions editing through the hub converge to the same cache.
func TestSessionsConverge(t *testing.T) {
	env := setupHub(t, Options{})
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := func(user register.UserInfo) *client.Session {
		s := client.NewSession(client.NewTransport(env.wsURL, nil, logger), client.Options{User: user}, logger)
		snapshots := s.Events().Channel(events.TypeSnapshot)
		require.NoError(t, s.Connect(ctx))
		go func() { _ = s.Run(ctx) }()
		require.NoError(t, s.RequestSnapshot(ctx, "assembly", month))
		select {
		case <-snapshots:
		case <-time.After(3 * time.Second):
			t.Fatal("no snapshot")
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	alice := open(assemblyReporter)
	bob := open(register.UserInfo{ID: "u3", Role: register.RoleReporter, ReportingGroups: []string{"assembly"}})
	bobPatched := bob.Events().Channel(events.TypePatched)

	m, err := alice.Edit(ctx, edit.CellKey{Field: register.FieldShift, EmployeeID: "E1", Date: day1}, "night n")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "N", m.Patch.NewValue)

	select {
	case <-bobPatched:
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw the edit")
	}

	assert.Eventually(t, func() bool {
		return alice.Store().Digest() == bob.Store().Digest()
	}, 3*time.Second, 20*time.Millisecond)
	day, _, ok := bob.Store().Record("E1", day1)
	require.True(t, ok)
	assert.Equal(t, "N", day.Shift)
}
