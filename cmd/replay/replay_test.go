package main

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/traffic.replay/internal/db"
)

const sampleTrace = `!IPSummaryDump 1.3
!data timestamp ip_src sport ip_dst dport ip_proto ip_len
1.000000 10.0.0.1 30 10.0.0.2 40 T 100
1.500000 10.0.0.1 30 10.0.0.2 40 T 200
2.500000 10.0.0.3 53 10.0.0.4 999 U 60
x y z
3.000000 10.0.0.5 0 10.0.0.6 0 I 84
`

// writeTrace drops a trace file into a temp dir and returns its path.
func writeTrace(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.txt")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing trace: %v", err)
	}
	return path
}

func approx(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestReplayTraceCounts(t *testing.T) {
	config := Config{
		TraceFile:  writeTrace(t, sampleTrace),
		SampleProb: 1,
		Proto:      6,
		ZeroFill:   true,
	}
	result, err := replayTrace(config)
	if err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}

	if result.Packets != 4 {
		t.Errorf("Packets = %d, want 4", result.Packets)
	}
	if result.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", result.Dropped)
	}
	if result.Lines != 7 {
		t.Errorf("Lines = %d, want 7", result.Lines)
	}
	if result.Bytes != 444 {
		t.Errorf("Bytes = %d, want 444", result.Bytes)
	}
	if result.CaptureBytes != 160 {
		t.Errorf("CaptureBytes = %d, want 160", result.CaptureBytes)
	}
	approx(t, "TraceSecs", result.TraceSecs, 2.0, 1e-9)

	wantProtocols := map[string]int64{"tcp": 2, "udp": 1, "icmp": 1}
	if diff := cmp.Diff(wantProtocols, result.Protocols); diff != "" {
		t.Errorf("Protocols mismatch (-want +got):\n%s", diff)
	}

	if result.Lengths.Min != 60 || result.Lengths.Max != 200 {
		t.Errorf("length range = [%v, %v], want [60, 200]", result.Lengths.Min, result.Lengths.Max)
	}
	approx(t, "Lengths.Mean", result.Lengths.Mean, 111, 1e-9)
	approx(t, "Lengths.P50", result.Lengths.P50, 84, 1e-9)
	approx(t, "Lengths.P95", result.Lengths.P95, 200, 1e-9)

	approx(t, "Gaps.Min", result.Gaps.Min, 0.5, 1e-9)
	approx(t, "Gaps.Max", result.Gaps.Max, 1.0, 1e-9)
	approx(t, "Gaps.P50", result.Gaps.P50, 0.5, 1e-9)

	wantThroughput := []ThroughputPoint{{Sec: 1, Packets: 2}, {Sec: 2, Packets: 1}, {Sec: 3, Packets: 1}}
	if diff := cmp.Diff(wantThroughput, result.Throughput); diff != "" {
		t.Errorf("Throughput mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayTraceSamplingZero(t *testing.T) {
	config := Config{
		TraceFile:  writeTrace(t, sampleTrace),
		SampleProb: 0,
		Proto:      6,
		ZeroFill:   true,
	}
	result, err := replayTrace(config)
	if err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}
	if result.Packets != 0 {
		t.Errorf("Packets = %d, want 0 with sampling probability 0", result.Packets)
	}
	if result.Lengths != (Distribution{}) {
		t.Errorf("Lengths = %+v, want zero distribution", result.Lengths)
	}
}

func TestReplayTraceMaxPackets(t *testing.T) {
	config := Config{
		TraceFile:  writeTrace(t, sampleTrace),
		SampleProb: 1,
		Proto:      6,
		ZeroFill:   true,
		MaxPackets: 2,
	}
	result, err := replayTrace(config)
	if err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}
	if result.Packets != 2 {
		t.Errorf("Packets = %d, want 2", result.Packets)
	}
}

func TestReplayTraceMultipacket(t *testing.T) {
	trace := "!data ip_src ip_dst count\n10.0.0.1 10.0.0.2 3\n"
	config := Config{
		TraceFile:   writeTrace(t, trace),
		SampleProb:  1,
		Proto:       6,
		ZeroFill:    true,
		Multipacket: true,
	}
	result, err := replayTrace(config)
	if err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}
	if result.Packets != 3 {
		t.Errorf("Packets = %d, want 3 with multipacket expansion", result.Packets)
	}
}

func TestReplayTracePcapExport(t *testing.T) {
	pcapPath := filepath.Join(t.TempDir(), "out.pcap")
	config := Config{
		TraceFile:  writeTrace(t, sampleTrace),
		SampleProb: 1,
		Proto:      6,
		ZeroFill:   true,
		PCAPFile:   pcapPath,
	}
	if _, err := replayTrace(config); err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}

	f, err := os.Open(pcapPath)
	if err != nil {
		t.Fatalf("opening pcap: %v", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("reading pcap header: %v", err)
	}
	if r.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type = %v, want %v", r.LinkType(), layers.LinkTypeRaw)
	}

	wantLens := []int{100, 200, 60, 84}
	for i, want := range wantLens {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			t.Fatalf("reading packet %d: %v", i, err)
		}
		if ci.Length != want {
			t.Errorf("packet %d length = %d, want %d", i, ci.Length, want)
		}
		if len(data) != 40 {
			t.Errorf("packet %d capture = %d bytes, want 40", i, len(data))
		}
	}
	if _, _, err := r.ReadPacketData(); !errors.Is(err, io.EOF) {
		t.Errorf("extra packet after %d, want EOF, got %v", len(wantLens), err)
	}
}

func TestExportJSONSummary(t *testing.T) {
	outDir := t.TempDir()
	config := Config{
		TraceFile:  writeTrace(t, sampleTrace),
		SampleProb: 1,
		Proto:      6,
		ZeroFill:   true,
		OutputDir:  outDir,
		ExportJSON: true,
	}
	result, err := replayTrace(config)
	if err != nil {
		t.Fatalf("replayTrace() error = %v", err)
	}
	if err := exportResults(config, result); err != nil {
		t.Fatalf("exportResults() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "trace_replay.json"))
	if err != nil {
		t.Fatalf("reading JSON summary: %v", err)
	}
	var decoded ReplaySummary
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decoding JSON summary: %v", err)
	}
	if decoded.Packets != 4 || decoded.Bytes != 444 {
		t.Errorf("decoded summary = %d packets %d bytes, want 4/444", decoded.Packets, decoded.Bytes)
	}
}

func TestRenderThroughputPlot(t *testing.T) {
	plotPath := filepath.Join(t.TempDir(), "tput.png")
	series := []ThroughputPoint{{Sec: 10, Packets: 3}, {Sec: 11, Packets: 7}, {Sec: 13, Packets: 1}}
	if err := renderThroughputPlot(plotPath, series); err != nil {
		t.Fatalf("renderThroughputPlot() error = %v", err)
	}

	data, err := os.ReadFile(plotPath)
	if err != nil {
		t.Fatalf("reading plot: %v", err)
	}
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if len(data) < len(pngMagic) || string(data[:len(pngMagic)]) != string(pngMagic) {
		t.Error("plot output is not a PNG")
	}
}

func TestPersistRun(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	defer database.Close()

	if err := database.RecordRunStart(db.ReplayRun{ID: "run-x", Source: "trace"}); err != nil {
		t.Fatalf("RecordRunStart() error = %v", err)
	}

	result := &ReplaySummary{
		Packets:     5,
		Bytes:       500,
		Dropped:     1,
		protoCounts: map[uint8]int64{6: 4, 17: 1},
	}
	if err := persistRun(database, "run-x", result); err != nil {
		t.Fatalf("persistRun() error = %v", err)
	}

	run, err := database.Run("run-x")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != db.RunStatusFinished {
		t.Errorf("Status = %s, want %s", run.Status, db.RunStatusFinished)
	}
	if run.Packets != 5 || run.Bytes != 500 || run.Dropped != 1 {
		t.Errorf("counters = %d/%d/%d, want 5/500/1", run.Packets, run.Bytes, run.Dropped)
	}

	counts, err := database.RunProtocols("run-x")
	if err != nil {
		t.Fatalf("RunProtocols() error = %v", err)
	}
	want := []db.ProtocolCount{{Proto: 6, Packets: 4}, {Proto: 17, Packets: 1}}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("protocols mismatch (-want +got):\n%s", diff)
	}
}

func TestNewDistribution(t *testing.T) {
	if got := newDistribution(nil); got != (Distribution{}) {
		t.Errorf("newDistribution(nil) = %+v, want zero value", got)
	}

	single := newDistribution([]float64{5})
	if single.Min != 5 || single.Max != 5 || single.Mean != 5 || single.P50 != 5 || single.P95 != 5 {
		t.Errorf("newDistribution([5]) = %+v, want all 5", single)
	}
	if single.Std != 0 {
		t.Errorf("Std of one sample = %v, want 0", single.Std)
	}

	d := newDistribution([]float64{4, 2, 1, 3})
	if d.Min != 1 || d.Max != 4 {
		t.Errorf("range = [%v, %v], want [1, 4]", d.Min, d.Max)
	}
	approx(t, "Mean", d.Mean, 2.5, 1e-12)
	approx(t, "Std", d.Std, math.Sqrt(5.0/3.0), 1e-12)
	approx(t, "P50", d.P50, 2, 1e-12)
	approx(t, "P95", d.P95, 4, 1e-12)
}

func TestProtoNames(t *testing.T) {
	cases := map[uint8]string{6: "tcp", 17: "udp", 1: "icmp", 47: "47"}
	for proto, want := range cases {
		if got := protoName(proto); got != want {
			t.Errorf("protoName(%d) = %q, want %q", proto, got, want)
		}
	}
}
