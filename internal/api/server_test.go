package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/traffic.replay/internal/db"
	"github.com/banshee-data/traffic.replay/internal/ipsum"
	"github.com/banshee-data/traffic.replay/internal/source"
)

func newTestReplayer(t *testing.T, trace string) *ipsum.Replayer {
	t.Helper()
	rep, err := ipsum.NewReplayer(ipsum.Config{
		Source:       "trace",
		Contents:     "timestamp ip_src sport ip_dst dport ip_proto ip_len",
		SampleProb:   1,
		DefaultProto: 6,
		ZeroFill:     true,
		Active:       true,
		Open: func(string) (source.Source, error) {
			return source.NewMemorySource([]byte(trace)), nil
		},
	})
	if err != nil {
		t.Fatalf("NewReplayer() error = %v", err)
	}
	t.Cleanup(func() { rep.Close() })
	return rep
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func postForm(t *testing.T, mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestShowStatus(t *testing.T) {
	rep := newTestReplayer(t, "1 10.0.0.1 30 10.0.0.2 40 T 100\n")
	mux := NewServer(rep, nil).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d, want 200", rec.Code)
	}

	var stats ipsum.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if stats.Source != "memory" {
		t.Errorf("Source = %q, want memory", stats.Source)
	}
	if !stats.Active {
		t.Error("Active = false, want true")
	}
	if stats.Sampling != 1 {
		t.Errorf("Sampling = %v, want 1", stats.Sampling)
	}
}

func TestShowStatusMethodNotAllowed(t *testing.T) {
	rep := newTestReplayer(t, "")
	mux := NewServer(rep, nil).ServeMux()

	rec := postForm(t, mux, "/api/status", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /api/status = %d, want 405", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body missing 'error' key")
	}
}

func TestSetActiveEndpoint(t *testing.T) {
	rep := newTestReplayer(t, "1 10.0.0.1 30 10.0.0.2 40 T 100\n")
	mux := NewServer(rep, nil).ServeMux()

	rec := postForm(t, mux, "/api/active", url.Values{"active": {"false"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/active = %d, want 200", rec.Code)
	}
	if rep.Active() {
		t.Error("replayer still active after active=false")
	}
	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["active"] {
		t.Error("response reports active=true after deactivation")
	}

	rec = postForm(t, mux, "/api/active", url.Values{"active": {"true"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/active = %d, want 200", rec.Code)
	}
	if !rep.Active() {
		t.Error("replayer inactive after active=true")
	}

	rec = postForm(t, mux, "/api/active", url.Values{"active": {"maybe"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /api/active with bad value = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/active", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/active = %d, want 405", rec.Code)
	}
}

func TestStopEndpoint(t *testing.T) {
	stopped := false
	rep, err := ipsum.NewReplayer(ipsum.Config{
		Source:     "trace",
		Contents:   "ip_src ip_dst",
		SampleProb: 1,
		Active:     true,
		OnStop:     func() { stopped = true },
		Open: func(string) (source.Source, error) {
			return source.NewMemorySource([]byte("10.0.0.1 10.0.0.2\n")), nil
		},
	})
	if err != nil {
		t.Fatalf("NewReplayer() error = %v", err)
	}
	defer rep.Close()
	mux := NewServer(rep, nil).ServeMux()

	rec := postForm(t, mux, "/api/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/stop = %d, want 200", rec.Code)
	}
	if rep.Active() {
		t.Error("replayer active after stop")
	}
	if !stopped {
		t.Error("stop hook did not fire")
	}
}

func TestListRunsNoDatabase(t *testing.T) {
	rep := newTestReplayer(t, "")
	mux := NewServer(rep, nil).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/runs without database = %d, want 503", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	rep := newTestReplayer(t, "")
	database := newTestDB(t)
	mux := NewServer(rep, database).ServeMux()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "new"} {
		err := database.RecordRunStart(db.ReplayRun{
			ID:        id,
			Source:    "trace.gz",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordRunStart(%s) error = %v", id, err)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/runs = %d, want 200", rec.Code)
	}
	var runs []db.ReplayRun
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "old" {
		t.Errorf("runs = %+v, want [new old]", runs)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil))
	runs = nil
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decoding limited runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("len(runs) with limit=1 = %d, want 1", len(runs))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET /api/runs?limit=0 = %d, want 400", rec.Code)
	}
}

func TestRunDetail(t *testing.T) {
	rep := newTestReplayer(t, "")
	database := newTestDB(t)
	mux := NewServer(rep, database).ServeMux()

	if err := database.RecordRunStart(db.ReplayRun{ID: "r1", Source: "trace"}); err != nil {
		t.Fatalf("RecordRunStart() error = %v", err)
	}
	if err := database.RecordProtocols("r1", map[uint8]int64{6: 5, 17: 2}); err != nil {
		t.Fatalf("RecordProtocols() error = %v", err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?id=r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/runs?id=r1 = %d, want 200", rec.Code)
	}
	var detail struct {
		ID        string             `json:"id"`
		Protocols []db.ProtocolCount `json:"protocols"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("decoding run detail: %v", err)
	}
	if detail.ID != "r1" {
		t.Errorf("ID = %q, want r1", detail.ID)
	}
	if len(detail.Protocols) != 2 {
		t.Errorf("len(Protocols) = %d, want 2", len(detail.Protocols))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /api/runs?id=missing = %d, want 404", rec.Code)
	}
}

func TestAdminTextEndpoints(t *testing.T) {
	trace := "1 10.0.0.1 30 10.0.0.2 40 T 100\n"
	rep := newTestReplayer(t, trace)
	s := NewServer(rep, nil)

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	get := func(path string) string {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:1234" // debug routes are loopback-only
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
		return rec.Body.String()
	}

	if got := get("/debug/encap"); got != "IP\n" {
		t.Errorf("encap = %q, want IP", got)
	}
	if got := get("/debug/sampling-prob"); got != "1\n" {
		t.Errorf("sampling-prob = %q, want 1", got)
	}
	if got, want := get("/debug/filesize"), fmt.Sprintf("%d\n", len(trace)); got != want {
		t.Errorf("filesize = %q, want %q", got, want)
	}
	if got := get("/debug/filepos"); got != "0\n" {
		t.Errorf("filepos before reading = %q, want 0", got)
	}

	if _, err := rep.ReadPacket(); err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if got, want := get("/debug/filepos"), fmt.Sprintf("%d\n", len(trace)); got != want {
		t.Errorf("filepos after reading = %q, want %q", got, want)
	}
}

func TestTailStream(t *testing.T) {
	rep := newTestReplayer(t, "1.000002 10.0.0.1 30 10.0.0.2 40 T 100\n")
	s := NewServer(rep, nil)

	pkt, err := rep.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Publish on a ticker so a line arrives after the watcher subscribes.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Observe(pkt)
			}
		}
	}()

	resp, err := http.Get(srv.URL + "/debug/tail")
	if err != nil {
		t.Fatalf("GET /debug/tail: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		want := "data: 1.000002 10.0.0.1:30 > 10.0.0.2:40 tcp 100"
		if line != want {
			t.Errorf("tail line = %q, want %q", line, want)
		}
		return
	}
	t.Fatalf("no tail line received: %v", scanner.Err())
}

func TestPacketSummary(t *testing.T) {
	trace := "1.000002 10.0.0.1 30 10.0.0.2 40 T 100\n" +
		"2 10.0.0.3 1111 10.0.0.4 53 U 60\n" +
		"3 10.0.0.5 0 10.0.0.6 0 I 84\n" +
		"4 10.0.0.7 0 10.0.0.8 0 47 120\n"
	rep := newTestReplayer(t, trace)

	want := []string{
		"1.000002 10.0.0.1:30 > 10.0.0.2:40 tcp 100",
		"2.000000 10.0.0.3:1111 > 10.0.0.4:53 udp 60",
		"3.000000 10.0.0.5 > 10.0.0.6 icmp 84",
		"4.000000 10.0.0.7 > 10.0.0.8 ip-47 120",
	}
	for i, w := range want {
		pkt, err := rep.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket() #%d error = %v", i, err)
		}
		if got := packetSummary(pkt); got != w {
			t.Errorf("packetSummary #%d = %q, want %q", i, got, w)
		}
	}
}

func TestPacketSummaryNoTimestamp(t *testing.T) {
	rep, err := ipsum.NewReplayer(ipsum.Config{
		Source:     "trace",
		Contents:   "ip_src ip_dst",
		SampleProb: 1,
		ZeroFill:   true,
		Active:     true,
		Open: func(string) (source.Source, error) {
			return source.NewMemorySource([]byte("10.0.0.9 10.0.0.10\n")), nil
		},
	})
	if err != nil {
		t.Fatalf("NewReplayer() error = %v", err)
	}
	defer rep.Close()

	pkt, err := rep.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	got := packetSummary(pkt)
	if !strings.HasPrefix(got, "- 10.0.0.9") {
		t.Errorf("packetSummary without timestamp = %q, want leading -", got)
	}
}

func TestTrafficChart(t *testing.T) {
	rep := newTestReplayer(t, "1 10.0.0.1 30 10.0.0.2 40 T 100\n")
	s := NewServer(rep, nil)
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/charts/traffic", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /debug/charts/traffic = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "Replay Traffic") {
		t.Error("chart page missing title")
	}

	// protocols chart needs a database
	req = httptest.NewRequest(http.MethodGet, "/debug/charts/protocols", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("protocols chart without database = %d, want 404", rec.Code)
	}
}

func TestProtocolChart(t *testing.T) {
	rep := newTestReplayer(t, "")
	database := newTestDB(t)
	s := NewServer(rep, database)
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := get("/debug/charts/protocols"); rec.Code != http.StatusNotFound {
		t.Errorf("chart with no runs = %d, want 404", rec.Code)
	}

	if err := database.RecordRunStart(db.ReplayRun{ID: "r1", Source: "trace"}); err != nil {
		t.Fatalf("RecordRunStart() error = %v", err)
	}
	if err := database.RecordProtocols("r1", map[uint8]int64{6: 5}); err != nil {
		t.Fatalf("RecordProtocols() error = %v", err)
	}

	rec := get("/debug/charts/protocols?id=r1")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET protocols chart = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "tcp (6)") {
		t.Error("chart page missing protocol label")
	}

	if rec := get("/debug/charts/protocols"); rec.Code != http.StatusOK {
		t.Errorf("chart with default id = %d, want 200", rec.Code)
	}
	if rec := get("/debug/charts/protocols?id=missing"); rec.Code != http.StatusNotFound {
		t.Errorf("chart with unknown id = %d, want 404", rec.Code)
	}
}

func TestLoggingMiddlewarePreservesStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status through middleware = %d, want 418", rec.Code)
	}
}
