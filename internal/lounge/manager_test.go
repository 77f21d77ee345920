package lounge

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nighlabs/songify-sub000/internal/store"
)

// fakeLounge is an httptest server speaking just enough of the Lounge
// wire protocol for the manager's lifecycle
type fakeLounge struct {
	srv *httptest.Server

	mu        sync.Mutex
	requests  int
	pairCalls int
	bindQuery url.Values
	rids      []int
	commands  []url.Values
	pollCalls int

	pairStatus int
	bindStatus int
	pollStatus int
	pollFailN  int // fail the first N polls, then succeed
	pollDelay  time.Duration
}

func newFakeLounge(t *testing.T) *fakeLounge {
	f := &fakeLounge{
		pairStatus: http.StatusOK,
		bindStatus: http.StatusOK,
		pollStatus: http.StatusOK,
		pollDelay:  20 * time.Millisecond,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/pairing/get_screen", f.handlePairing)
	mux.HandleFunc("/bc/bind", f.handleBind)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLounge) handlePairing(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests++
	f.pairCalls++
	status := f.pairStatus
	f.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	fmt.Fprint(w, `{"screen":{"screenId":"abc","loungeToken":"tok","screenName":"Living Room TV"}}`)
}

func (f *fakeLounge) handleBind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("TYPE") == "xmlhttp" {
		f.mu.Lock()
		f.requests++
		f.pollCalls++
		status := f.pollStatus
		if f.pollFailN > 0 {
			f.pollFailN--
			status = http.StatusInternalServerError
		}
		delay := f.pollDelay
		f.mu.Unlock()

		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, "24\n[[1,[\"noop\"]]]")
		return
	}

	r.ParseForm()
	rid, _ := strconv.Atoi(q.Get("RID"))

	f.mu.Lock()
	f.requests++
	f.rids = append(f.rids, rid)

	if r.PostForm.Get("count") == "0" {
		// channel bind
		f.bindQuery = q
		status := f.bindStatus
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, "52\n[[0,[\"c\",\"SID123\",\"\",8]]\n,[1,[\"S\",\"GS456\"]]]")
		return
	}

	f.commands = append(f.commands, r.PostForm)
	f.mu.Unlock()
	fmt.Fprint(w, "[]")
}

func newTestManager(t *testing.T, f *fakeLounge, credStore store.Store) *Manager {
	client := NewClient("songify-test")
	client.pairingURL = f.srv.URL + "/pairing/get_screen"
	client.bindURL = f.srv.URL + "/bc/bind"

	m := NewManager(client, credStore)
	m.backoffBase = 2 * time.Millisecond
	return m
}

// memStore is an in-memory credential store
type memStore struct {
	mu    sync.Mutex
	creds map[string]store.Credentials
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]store.Credentials)}
}

func (s *memStore) Save(key string, c store.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = c
	return nil
}

func (s *memStore) Load(key string) (store.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[key]
	if !ok {
		return store.Credentials{}, store.ErrNotFound
	}
	return c, nil
}

func (s *memStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, key)
	return nil
}

func waitForStatus(t *testing.T, m *Manager, key string, want Status) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _, msg := m.Status(key)
		if status == want {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _, msg := m.Status(key)
	t.Fatalf("status = %s (%q), want %s", status, msg, want)
	return ""
}

func TestPairConnectsAndSendsCommands(t *testing.T) {
	f := newFakeLounge(t)
	credStore := newMemStore()
	m := newTestManager(t, f, credStore)

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	defer m.Disconnect("lobby")

	status, screenName, errMsg := m.Status("lobby")
	if status != StatusConnected || errMsg != "" {
		t.Fatalf("Status() = (%s, %q), want connected", status, errMsg)
	}
	if screenName != "Living Room TV" {
		t.Errorf("screenName = %q, want Living Room TV", screenName)
	}
	if !m.IsConnected("lobby") {
		t.Error("IsConnected() = false, want true")
	}

	if _, err := credStore.Load("lobby"); err != nil {
		t.Errorf("credentials not persisted: %v", err)
	}

	if err := m.SendAddVideo("lobby", "dQw4w9WgXcQ"); err != nil {
		t.Fatalf("SendAddVideo() error = %v", err)
	}
	if err := m.SendPlayNow("lobby", "xvFZjo5PgG0"); err != nil {
		t.Fatalf("SendPlayNow() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Bind request carried the pairing credentials
	for param, want := range map[string]string{
		"device":        "REMOTE_CONTROL",
		"name":          "songify-test",
		"id":            "abc",
		"loungeIdToken": "tok",
		"VER":           "8",
	} {
		if got := f.bindQuery.Get(param); got != want {
			t.Errorf("bind query %s = %q, want %q", param, got, want)
		}
	}

	if len(f.commands) != 2 {
		t.Fatalf("commands = %d, want 2", len(f.commands))
	}
	add, play := f.commands[0], f.commands[1]
	if add.Get("req0__sc") != "addVideo" || add.Get("req0_videoId") != "dQw4w9WgXcQ" {
		t.Errorf("add command = %v", add)
	}
	if add.Get("req0_currentTime") != "" {
		t.Errorf("add command carries currentTime: %v", add)
	}
	if play.Get("req0__sc") != "setVideo" || play.Get("req0_currentTime") != "0" {
		t.Errorf("play command = %v", play)
	}
	if add.Get("ofs") != "0" || play.Get("ofs") != "1" {
		t.Errorf("ofs = (%s, %s), want (0, 1)", add.Get("ofs"), play.Get("ofs"))
	}

	// RID strictly increases across bind and every command
	if len(f.rids) != 3 {
		t.Fatalf("rids = %v, want 3 entries", f.rids)
	}
	for i := 1; i < len(f.rids); i++ {
		if f.rids[i] <= f.rids[i-1] {
			t.Errorf("rids not strictly increasing: %v", f.rids)
		}
	}
}

func TestSendWithoutSessionIsNoop(t *testing.T) {
	f := newFakeLounge(t)
	m := newTestManager(t, f, newMemStore())

	if err := m.SendAddVideo("empty", "video1"); err != nil {
		t.Fatalf("SendAddVideo() error = %v", err)
	}
	if err := m.SendPlayNow("empty", "video1"); err != nil {
		t.Fatalf("SendPlayNow() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests != 0 {
		t.Errorf("requests = %d, want 0 (no network call for unlinked room)", f.requests)
	}
}

func TestDisconnectClearsCredentials(t *testing.T) {
	f := newFakeLounge(t)
	credStore := newMemStore()
	m := newTestManager(t, f, credStore)

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	m.Disconnect("lobby")

	status, _, _ := m.Status("lobby")
	if status != StatusDisconnected {
		t.Errorf("Status() after disconnect = %s, want disconnected", status)
	}
	if err := m.Reconnect("lobby"); err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Errorf("Reconnect() error = %v, want no credentials", err)
	}
}

func TestReconnectAfterRestart(t *testing.T) {
	f := newFakeLounge(t)
	credStore := newMemStore()
	credStore.Save("den", store.Credentials{
		ScreenID:    "abc",
		LoungeToken: "tok",
		ScreenName:  "Den TV",
	})

	// Fresh manager, no in-memory session: the restart case
	m := newTestManager(t, f, credStore)

	status, screenName, errMsg := m.Status("den")
	if status != StatusError || errMsg != "connection lost" || screenName != "Den TV" {
		t.Fatalf("Status() before reconnect = (%s, %q, %q)", status, screenName, errMsg)
	}

	if err := m.Reconnect("den"); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	defer m.Disconnect("den")

	if !m.IsConnected("den") {
		t.Error("IsConnected() = false after reconnect")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairCalls != 0 {
		t.Errorf("pairCalls = %d, want 0 (reconnect must not need a pairing code)", f.pairCalls)
	}
}

func TestBindFailure(t *testing.T) {
	f := newFakeLounge(t)
	f.bindStatus = http.StatusInternalServerError
	m := newTestManager(t, f, newMemStore())

	if err := m.Pair("lobby", "123456"); err == nil {
		t.Fatal("Pair() expected error on bind failure")
	}
	status, _, errMsg := m.Status("lobby")
	if status != StatusError || !strings.Contains(errMsg, "bind failed") {
		t.Errorf("Status() = (%s, %q), want error/bind failed", status, errMsg)
	}
}

func TestPairingFailure(t *testing.T) {
	f := newFakeLounge(t)
	f.pairStatus = http.StatusNotFound
	m := newTestManager(t, f, newMemStore())

	if err := m.Pair("lobby", "000000"); err == nil {
		t.Fatal("Pair() expected error on pairing failure")
	}
	status, _, errMsg := m.Status("lobby")
	if status != StatusError || !strings.Contains(errMsg, "pairing failed") {
		t.Errorf("Status() = (%s, %q), want error/pairing failed", status, errMsg)
	}
}

func TestPollFailureBudgetExhausted(t *testing.T) {
	f := newFakeLounge(t)
	f.pollStatus = http.StatusInternalServerError
	f.pollDelay = time.Millisecond
	m := newTestManager(t, f, newMemStore())

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	errMsg := waitForStatus(t, m, "lobby", StatusError)
	if !strings.Contains(errMsg, "3 failed polls") {
		t.Errorf("error message = %q, want it to name the retry count", errMsg)
	}

	// Commands against an errored session are silent no-ops
	f.mu.Lock()
	before := len(f.commands)
	f.mu.Unlock()
	if err := m.SendAddVideo("lobby", "video1"); err != nil {
		t.Fatalf("SendAddVideo() error = %v", err)
	}
	f.mu.Lock()
	after := len(f.commands)
	f.mu.Unlock()
	if after != before {
		t.Errorf("command sent against errored session")
	}
}

func TestPollFailuresBelowBudgetRecover(t *testing.T) {
	f := newFakeLounge(t)
	f.pollFailN = 2 // one short of the budget
	f.pollDelay = time.Millisecond
	m := newTestManager(t, f, newMemStore())

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	defer m.Disconnect("lobby")

	// The worker must ride out the failures and advance AID from the
	// first successful poll
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		aid := m.sessions["lobby"].aid
		m.mu.Unlock()
		if aid == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.mu.Lock()
	aid := m.sessions["lobby"].aid
	m.mu.Unlock()
	if aid != 1 {
		t.Errorf("aid = %d, want 1 after recovered poll", aid)
	}
	if status, _, _ := m.Status("lobby"); status != StatusConnected {
		t.Errorf("Status() = %s, want connected after transient poll failures", status)
	}
}

func TestInactivityTimeout(t *testing.T) {
	f := newFakeLounge(t)
	f.pollStatus = http.StatusInternalServerError
	f.pollDelay = time.Millisecond
	m := newTestManager(t, f, newMemStore())
	// Failed polls never refresh activity; a huge budget keeps the retry
	// path from erroring first
	m.pollRetryBudget = 10000

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	// Backdate the last activity past the threshold; the worker checks it
	// on every iteration
	m.mu.Lock()
	m.sessions["lobby"].lastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	errMsg := waitForStatus(t, m, "lobby", StatusError)
	if !strings.Contains(errMsg, "inactivity") {
		t.Errorf("error message = %q, want inactivity", errMsg)
	}
}

func TestRepairSupersedesSession(t *testing.T) {
	f := newFakeLounge(t)
	m := newTestManager(t, f, newMemStore())

	if err := m.Pair("lobby", "123456"); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if err := m.Pair("lobby", "654321"); err != nil {
		t.Fatalf("second Pair() error = %v", err)
	}
	defer m.Disconnect("lobby")

	if !m.IsConnected("lobby") {
		t.Error("IsConnected() = false after re-pair")
	}
	m.mu.Lock()
	count := len(m.sessions)
	m.mu.Unlock()
	if count != 1 {
		t.Errorf("sessions = %d, want 1", count)
	}
}
