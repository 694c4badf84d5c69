// Command replay-server replays an IP summary dump behind an HTTP control
// surface: live status and tail, start/stop control, debug charts, and
// optional run bookkeeping in SQLite.
//
// Usage:
//
//	go run ./cmd/replay-server -trace trace.gz -db replay.db
//
// POST /api/active toggles production; POST /api/stop ends the replay and
// shuts the server down. The runs database schema is managed out of band
// with the migrate subcommand ("replay-server -db replay.db migrate status").
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/traffic.replay/internal/api"
	"github.com/banshee-data/traffic.replay/internal/db"
	"github.com/banshee-data/traffic.replay/internal/ipsum"
	"github.com/banshee-data/traffic.replay/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	trace       = flag.String("trace", "", "Path to IP summary dump (required; - for stdin)")
	contents    = flag.String("contents", "", "Default record schema when the trace declares none")
	sample      = flag.Float64("sample", 1.0, "Probability each packet survives sampling")
	proto       = flag.Uint("proto", 6, "IP protocol for records without a protocol field")
	zeroFill    = flag.Bool("zero", true, "Zero unspecified header and payload bytes")
	multipacket = flag.Bool("multipacket", false, "Expand count fields into that many packets")
	active      = flag.Bool("active", true, "Start replaying immediately (false: wait for POST /api/active)")
	speed       = flag.Float64("speed", 1.0, "Pace output to trace timing scaled by this factor (0: full speed)")
	maxGap      = flag.Duration("max-gap", 10*time.Second, "Cap a single pacing wait (0: no cap)")
	exitAtEOF   = flag.Bool("exit-at-eof", false, "Shut the server down once the trace is exhausted")
	dbPath      = flag.String("db", "", "Record the run in this SQLite database")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("replay-server %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if flag.Arg(0) == "migrate" {
		if *dbPath == "" {
			log.Fatal("Error: -db flag is required for migrate commands")
		}
		db.RunMigrateCommand(flag.Args()[1:], *dbPath)
		return
	}

	if *trace == "" {
		log.Fatal("Error: -trace flag is required")
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := ipsum.NewReplayer(ipsum.Config{
		Source:       *trace,
		Contents:     *contents,
		SampleProb:   *sample,
		DefaultProto: uint8(*proto),
		ZeroFill:     *zeroFill,
		Multipacket:  *multipacket,
		Active:       *active,
		StopAtEOF:    *exitAtEOF,
		OnStop:       stop,
	})
	if err != nil {
		log.Fatalf("Failed to open trace: %v", err)
	}
	defer rep.Close()

	log.Printf("Replaying %s (size %d, sampling %g)", rep.Source(), rep.TotalSize(), rep.SamplingProb())

	var database *db.DB
	var runID string
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open runs database: %v", err)
		}
		defer database.Close()

		runID = uuid.New().String()
		err = database.RecordRunStart(db.ReplayRun{
			ID:           runID,
			Source:       *trace,
			SamplingProb: *sample,
		})
		if err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
		log.Printf("Recording run %s in %s", runID, *dbPath)
	}

	server := api.NewServer(rep, database)

	var pacer *ipsum.Pacer
	if *speed > 0 {
		pacer = ipsum.NewPacer(*speed)
		pacer.MaxGap = *maxGap
	}

	var wg sync.WaitGroup

	// push loop: drive the replayer and feed the live tail
	wg.Add(1)
	go func() {
		defer wg.Done()

		protoCounts := make(map[uint8]int64)
		var wireBytes int64

		err := rep.Run(ctx, func(pkt *ipsum.Packet) error {
			if pacer != nil {
				pacer.Wait(pkt.Info.Timestamp)
			}
			protoCounts[pkt.Proto()]++
			wireBytes += int64(pkt.Info.Length)
			server.Observe(pkt)
			return nil
		})
		switch {
		case err == nil:
			log.Printf("replay complete")
		case errors.Is(err, context.Canceled):
			log.Printf("replay interrupted")
		default:
			log.Printf("replay ended with error: %v", err)
		}

		if database != nil {
			stats := rep.Stats()
			status := db.RunStatusFinished
			if err != nil && !errors.Is(err, context.Canceled) {
				status = db.RunStatusFailed
			}
			if ferr := database.FinishRun(runID, status, stats.Emitted, wireBytes, stats.Dropped); ferr != nil {
				log.Printf("failed to finish run record: %v", ferr)
			}
			if perr := database.RecordProtocols(runID, protoCounts); perr != nil {
				log.Printf("failed to record protocol histogram: %v", perr)
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		server.AttachAdminRoutes(mux)

		srv := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
