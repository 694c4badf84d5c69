package api

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/traffic.replay/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleTrafficChart renders a bar chart of the replayer's live counters.
func (s *Server) handleTrafficChart(w http.ResponseWriter, r *http.Request) {
	stats := s.rep.Stats()

	x := []string{"Emitted", "Dropped", "Lines read", "Bytes consumed"}
	y := []opts.BarData{
		{Value: stats.Emitted},
		{Value: stats.Dropped},
		{Value: stats.Lines},
		{Value: stats.Position},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Replay Traffic", Subtitle: stats.Source}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("replay", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleProtocolChart renders one stored run's protocol histogram. With no
// id parameter it picks the most recent run.
func (s *Server) handleProtocolChart(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "no runs database attached")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		runs, err := s.db.Runs(1)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to query runs: %v", err))
			return
		}
		if len(runs) == 0 {
			httputil.NotFound(w, "no runs recorded")
			return
		}
		id = runs[0].ID
	}

	run, err := s.db.Run(id)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, fmt.Sprintf("no such run %s", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query run: %v", err))
		return
	}
	counts, err := s.db.RunProtocols(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query protocols: %v", err))
		return
	}

	x := make([]string, 0, len(counts))
	y := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		x = append(x, protoLabel(c.Proto))
		y = append(y, opts.BarData{Value: c.Packets})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Protocol Breakdown", Subtitle: fmt.Sprintf("run=%s source=%s packets=%d", run.ID, run.Source, run.Packets)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("packets", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func protoLabel(proto int) string {
	switch proto {
	case 6:
		return "tcp (6)"
	case 17:
		return "udp (17)"
	case 1:
		return "icmp (1)"
	default:
		return fmt.Sprintf("proto %d", proto)
	}
}
