// Package main replays an IP summary dump trace into synthetic IPv4
// packets and reports what came out: counts, protocol mix, length and
// inter-arrival statistics, with optional pcap, JSON, chart, and database
// exports.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/traffic.replay/internal/db"
	"github.com/banshee-data/traffic.replay/internal/ipsum"
	"github.com/banshee-data/traffic.replay/internal/security"
	"github.com/banshee-data/traffic.replay/internal/version"
)

// Config holds configuration for one replay invocation.
type Config struct {
	TraceFile   string
	Contents    string
	SampleProb  float64
	Proto       uint
	ZeroFill    bool
	Multipacket bool
	MaxPackets  int64
	Speed       float64
	MaxGap      time.Duration
	OutputDir   string
	ExportJSON  bool
	PCAPFile    string
	PlotFile    string
	DBPath      string
	Verbose     bool
	ShowVersion bool
}

// ReplaySummary holds the results of one replay.
type ReplaySummary struct {
	Trace            string            `json:"trace"`
	Packets          int64             `json:"packets"`
	Dropped          int64             `json:"dropped"`
	Lines            int               `json:"lines"`
	Bytes            int64             `json:"bytes"`
	CaptureBytes     int64             `json:"capture_bytes"`
	TraceSecs        float64           `json:"trace_secs"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	SamplingProb     float64           `json:"sampling_prob"`
	Protocols        map[string]int64  `json:"protocols"`
	Lengths          Distribution      `json:"length_stats"`
	Gaps             Distribution      `json:"gap_stats"`
	Throughput       []ThroughputPoint `json:"throughput,omitempty"`
	RunID            string            `json:"run_id,omitempty"`

	protoCounts map[uint8]int64
}

// Distribution summarizes one series of observations.
type Distribution struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"stddev"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
}

// ThroughputPoint is the packet count for one second of trace time.
type ThroughputPoint struct {
	Sec     int64 `json:"sec"`
	Packets int64 `json:"packets"`
}

func main() {
	config := parseFlags()

	if config.ShowVersion {
		fmt.Printf("replay %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if config.TraceFile == "" {
		fmt.Fprintln(os.Stderr, "Error: trace file is required")
		flag.Usage()
		os.Exit(1)
	}
	if config.TraceFile != "-" {
		if _, err := os.Stat(config.TraceFile); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error: trace file not found: %s\n", config.TraceFile)
			os.Exit(1)
		}
	}
	if config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	var database *db.DB
	var runID string
	if config.DBPath != "" {
		var err error
		database, err = db.NewDB(config.DBPath)
		if err != nil {
			log.Fatalf("Failed to open runs database: %v", err)
		}
		defer database.Close()

		runID = uuid.New().String()
		err = database.RecordRunStart(db.ReplayRun{
			ID:           runID,
			Source:       config.TraceFile,
			SamplingProb: config.SampleProb,
		})
		if err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
	}

	result, err := replayTrace(config)
	if err != nil {
		if database != nil {
			if ferr := database.FinishRun(runID, db.RunStatusFailed, 0, 0, 0); ferr != nil {
				log.Printf("Failed to record run failure: %v", ferr)
			}
		}
		log.Fatalf("Replay failed: %v", err)
	}

	if database != nil {
		result.RunID = runID
		if err := persistRun(database, runID, result); err != nil {
			log.Fatalf("Failed to persist run: %v", err)
		}
	}

	printSummary(result)

	if err := exportResults(config, result); err != nil {
		log.Fatalf("Export failed: %v", err)
	}
}

func parseFlags() Config {
	config := Config{}

	flag.StringVar(&config.TraceFile, "trace", "", "Path to IP summary dump (required; - for stdin, .gz/.bz2/.Z decompressed)")
	flag.StringVar(&config.Contents, "contents", "", "Default record schema, e.g. 'timestamp ip_src ip_dst ip_len' (empty: trace must declare one)")
	flag.Float64Var(&config.SampleProb, "sample", 1.0, "Probability each packet survives sampling")
	flag.UintVar(&config.Proto, "proto", 6, "IP protocol for records without a protocol field")
	flag.BoolVar(&config.ZeroFill, "zero", true, "Zero unspecified header and payload bytes (reproducible output)")
	flag.BoolVar(&config.Multipacket, "multipacket", false, "Expand count fields into that many packets")
	flag.Int64Var(&config.MaxPackets, "max", 0, "Stop after this many packets (0: whole trace)")
	flag.Float64Var(&config.Speed, "speed", 0, "Pace output to trace timing scaled by this factor (0: full speed, 1: realtime)")
	flag.DurationVar(&config.MaxGap, "max-gap", 0, "Cap a single pacing wait (0: no cap)")
	flag.StringVar(&config.OutputDir, "output", ".", "Output directory for the JSON summary")
	flag.BoolVar(&config.ExportJSON, "json", false, "Write the summary as JSON next to the trace name")
	flag.StringVar(&config.PCAPFile, "pcap", "", "Write replayed packets to this pcap file")
	flag.StringVar(&config.PlotFile, "plot", "", "Write a packets-per-second chart to this PNG file")
	flag.StringVar(&config.DBPath, "db", "", "Record the run in this SQLite database")
	flag.BoolVar(&config.Verbose, "v", false, "Verbose progress output")
	flag.BoolVar(&config.ShowVersion, "version", false, "Print version information and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replays a textual IP summary dump into synthetic IPv4 packets.\n\n")
		fmt.Fprintf(os.Stderr, "The trace is a line-per-packet text format: '!data' lines declare the\n")
		fmt.Fprintf(os.Stderr, "column schema, every other non-comment line is one packet record.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -trace trace.gz -json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -trace trace.txt -sample 0.1 -pcap out.pcap -db replay.db\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -trace - -contents 'timestamp ip_src ip_dst ip_len' -speed 1\n", os.Args[0])
	}

	flag.Parse()
	return config
}

// replayTrace drives the replayer over the whole trace, collecting the
// summary and writing the pcap file inline when one was requested.
func replayTrace(config Config) (*ReplaySummary, error) {
	start := time.Now()

	rep, err := ipsum.NewReplayer(ipsum.Config{
		Source:       config.TraceFile,
		Contents:     config.Contents,
		SampleProb:   config.SampleProb,
		DefaultProto: uint8(config.Proto),
		ZeroFill:     config.ZeroFill,
		Multipacket:  config.Multipacket,
		Active:       true,
	})
	if err != nil {
		return nil, err
	}
	defer rep.Close()

	var pacer *ipsum.Pacer
	if config.Speed > 0 {
		pacer = ipsum.NewPacer(config.Speed)
		pacer.MaxGap = config.MaxGap
	}

	var pcapW *pcapgo.Writer
	if config.PCAPFile != "" {
		f, err := os.Create(config.PCAPFile)
		if err != nil {
			return nil, fmt.Errorf("create pcap: %w", err)
		}
		defer f.Close()
		pcapW = pcapgo.NewWriter(f)
		if err := pcapW.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
			return nil, fmt.Errorf("write pcap header: %w", err)
		}
	}

	var (
		lengths, gaps   []float64
		bytes, capBytes int64
		protoCounts     = make(map[uint8]int64)
		buckets         = make(map[int64]int64)
		firstTS, lastTS time.Time
		emitted         int64
	)

	for {
		if config.MaxPackets > 0 && emitted >= config.MaxPackets {
			break
		}
		pkt, err := rep.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if pacer != nil {
			pacer.Wait(pkt.Info.Timestamp)
		}

		emitted++
		protoCounts[pkt.Proto()]++
		bytes += int64(pkt.Info.Length)
		capBytes += int64(pkt.Info.CaptureLength)
		lengths = append(lengths, float64(pkt.Info.Length))

		if ts := pkt.Info.Timestamp; !ts.IsZero() {
			if firstTS.IsZero() {
				firstTS = ts
			}
			if !lastTS.IsZero() && ts.After(lastTS) {
				gaps = append(gaps, ts.Sub(lastTS).Seconds())
			}
			lastTS = ts
			buckets[ts.Unix()]++
		}

		if pcapW != nil {
			ci := pkt.Info
			// The trace's length claim may undershoot the constructed
			// buffer; the pcap format wants orig_len >= incl_len.
			if ci.Length < ci.CaptureLength {
				ci.Length = ci.CaptureLength
			}
			if err := pcapW.WritePacket(ci, pkt.Data); err != nil {
				return nil, fmt.Errorf("write pcap packet: %w", err)
			}
		}

		if config.Verbose && emitted%100000 == 0 {
			log.Printf("replayed %d packets...", emitted)
		}
	}

	stats := rep.Stats()
	result := &ReplaySummary{
		Trace:            config.TraceFile,
		Packets:          emitted,
		Dropped:          stats.Dropped,
		Lines:            stats.Lines,
		Bytes:            bytes,
		CaptureBytes:     capBytes,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		SamplingProb:     stats.Sampling,
		Protocols:        make(map[string]int64, len(protoCounts)),
		Lengths:          newDistribution(lengths),
		Gaps:             newDistribution(gaps),
		Throughput:       throughputSeries(buckets),
		protoCounts:      protoCounts,
	}
	if !firstTS.IsZero() {
		result.TraceSecs = lastTS.Sub(firstTS).Seconds()
	}
	for proto, n := range protoCounts {
		result.Protocols[protoName(proto)] = n
	}
	return result, nil
}

func protoName(proto uint8) string {
	switch proto {
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 1:
		return "icmp"
	default:
		return fmt.Sprintf("%d", proto)
	}
}

// newDistribution summarizes xs. The slice is sorted in place.
func newDistribution(xs []float64) Distribution {
	if len(xs) == 0 {
		return Distribution{}
	}
	sort.Float64s(xs)
	d := Distribution{
		Min:  xs[0],
		Max:  xs[len(xs)-1],
		Mean: stat.Mean(xs, nil),
		P50:  stat.Quantile(0.5, stat.Empirical, xs, nil),
		P95:  stat.Quantile(0.95, stat.Empirical, xs, nil),
	}
	if len(xs) > 1 {
		d.Std = math.Sqrt(stat.Variance(xs, nil))
	}
	return d
}

func throughputSeries(buckets map[int64]int64) []ThroughputPoint {
	if len(buckets) == 0 {
		return nil
	}
	series := make([]ThroughputPoint, 0, len(buckets))
	for sec, n := range buckets {
		series = append(series, ThroughputPoint{Sec: sec, Packets: n})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Sec < series[j].Sec })
	return series
}

// persistRun finalizes the database row for a successful replay.
func persistRun(database *db.DB, runID string, result *ReplaySummary) error {
	err := database.FinishRun(runID, db.RunStatusFinished,
		result.Packets, result.Bytes, result.Dropped)
	if err != nil {
		return err
	}
	return database.RecordProtocols(runID, result.protoCounts)
}

func printSummary(result *ReplaySummary) {
	fmt.Println("\n========== Replay Summary ==========")
	fmt.Printf("Trace: %s\n", result.Trace)
	if result.TraceSecs > 0 {
		fmt.Printf("Trace duration: %.1f seconds\n", result.TraceSecs)
	}
	fmt.Printf("Processing time: %d ms\n", result.ProcessingTimeMs)
	fmt.Println()
	fmt.Printf("Packets: %d (from %d lines, %d records dropped)\n",
		result.Packets, result.Lines, result.Dropped)
	fmt.Printf("Bytes: %d on the wire, %d captured\n", result.Bytes, result.CaptureBytes)
	fmt.Printf("Sampling probability: %g\n", result.SamplingProb)

	if len(result.Protocols) > 0 {
		fmt.Println("\nPackets by protocol:")
		names := make([]string, 0, len(result.Protocols))
		for name := range result.Protocols {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			count := result.Protocols[name]
			pct := 100 * float64(count) / float64(result.Packets)
			fmt.Printf("  %s: %d (%.1f%%)\n", name, count, pct)
		}
	}

	if result.Packets > 0 {
		fmt.Println("\nLength statistics (bytes):")
		printDistribution(result.Lengths)
	}
	if result.Gaps.Max > 0 {
		fmt.Println("\nInter-arrival statistics (seconds):")
		printDistribution(result.Gaps)
	}
	fmt.Println("====================================")
}

func printDistribution(d Distribution) {
	fmt.Printf("  Min: %.2f\n", d.Min)
	fmt.Printf("  Max: %.2f\n", d.Max)
	fmt.Printf("  Avg: %.2f (stddev %.2f)\n", d.Mean, d.Std)
	fmt.Printf("  P50: %.2f\n", d.P50)
	fmt.Printf("  P95: %.2f\n", d.P95)
}

func exportResults(config Config, result *ReplaySummary) error {
	if config.ExportJSON {
		base := filepath.Base(config.TraceFile)
		if base == "-" {
			base = "stdin"
		}
		base = security.SanitizeFilename(strings.TrimSuffix(base, filepath.Ext(base)))
		jsonPath := filepath.Join(config.OutputDir, base+"_replay.json")
		if err := security.ValidatePathWithinDirectory(jsonPath, config.OutputDir); err != nil {
			return fmt.Errorf("export path: %w", err)
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("JSON marshal: %w", err)
		}
		if err := os.WriteFile(jsonPath, data, 0644); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
		fmt.Printf("JSON summary: %s\n", jsonPath)
	}

	if config.PlotFile != "" {
		if len(result.Throughput) == 0 {
			fmt.Println("Skipping plot: no timestamped packets")
			return nil
		}
		if err := renderThroughputPlot(config.PlotFile, result.Throughput); err != nil {
			return fmt.Errorf("write plot: %w", err)
		}
		fmt.Printf("Throughput plot: %s\n", config.PlotFile)
	}

	return nil
}

// renderThroughputPlot draws packets-per-second over trace time.
func renderThroughputPlot(path string, series []ThroughputPoint) error {
	pts := make(plotter.XYs, len(series))
	base := series[0].Sec
	for i, s := range series {
		pts[i] = plotter.XY{X: float64(s.Sec - base), Y: float64(s.Packets)}
	}

	p := plot.New()
	p.Title.Text = "Replay Throughput"
	p.X.Label.Text = "Trace time (s)"
	p.Y.Label.Text = "Packets/s"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("build line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}
