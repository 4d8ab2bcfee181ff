// Command iptv-harvest: collect IPTV playlists, keep the streams that work, serve the result.
//
//	run       Loop forever: discover, validate, write the playlist; serve it over HTTP
//	once      One cycle, then exit (cron / CI)
//	serve     Serve the current playlist, /healthz and /metrics only
//	validate  Validate one URL and print the outcome
//	render    Rewrite the playlist file from the store
//	probe     Probe every configured playlist source, report OK / Cloudflare / fail, best first
//	cycles    Print recent cycle history as JSON (sqlite store)
//	health    Check a running instance's /healthz and /playlist.m3u (container health probe)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/iptvharvest/internal/config"
	"github.com/snapetech/iptvharvest/internal/harvester"
	"github.com/snapetech/iptvharvest/internal/health"
	"github.com/snapetech/iptvharvest/internal/httpclient"
	"github.com/snapetech/iptvharvest/internal/provider"
	"github.com/snapetech/iptvharvest/internal/safeurl"
	"github.com/snapetech/iptvharvest/internal/server"
	"github.com/snapetech/iptvharvest/internal/store"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[iptv-harvest] ")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runAddr := runCmd.String("addr", "", "Listen address (default: IPTV_HARVEST_ADDR or :8080)")
	runInterval := runCmd.Duration("interval", 0, "Cycle interval (default: IPTV_HARVEST_INTERVAL or 30m)")
	runNoServe := runCmd.Bool("no-serve", false, "Do not start the HTTP server")

	onceCmd := flag.NewFlagSet("once", flag.ExitOnError)
	onceSources := onceCmd.String("sources", "", "Comma-separated sources for this cycle (default: configured sources)")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: IPTV_HARVEST_ADDR or :8080)")

	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateURL := validateCmd.String("url", "", "Stream URL to validate (required)")
	validateTimeout := validateCmd.Duration("timeout", 0, "Per-call timeout (default: IPTV_HARVEST_VALIDATE_TIMEOUT)")
	validateDeep := validateCmd.Bool("deep", true, "Allow manifest/ffprobe/yt-dlp tiers")
	validateRecord := validateCmd.Bool("record", false, "Also record the outcome in the store")

	renderCmd := flag.NewFlagSet("render", flag.ExitOnError)

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURLs := probeCmd.String("urls", "", "Comma-separated playlist URLs to probe (default: configured playlist sources)")
	probeTimeout := probeCmd.Duration("timeout", 60*time.Second, "Overall timeout")
	probeJSON := probeCmd.Bool("json", false, "Print results as JSON")
	probeBest := probeCmd.Bool("best", false, "Print only the best working source URL (exit 1 when none)")

	cyclesCmd := flag.NewFlagSet("cycles", flag.ExitOnError)
	cyclesN := cyclesCmd.Int("n", 10, "Number of cycles to show")

	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	healthURL := healthCmd.String("url", "http://127.0.0.1:8080", "Base URL of a running instance")
	healthRequire := healthCmd.Bool("require-playlist", false, "Fail when no playlist has been written yet")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <run|once|serve|validate|render|probe|cycles|health> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run       Loop: discover, validate, write playlist; serve it over HTTP\n")
		fmt.Fprintf(os.Stderr, "  once      One cycle, then exit\n")
		fmt.Fprintf(os.Stderr, "  serve     Serve the playlist, /healthz and /metrics only\n")
		fmt.Fprintf(os.Stderr, "  validate  Validate one URL (-url) and print the outcome\n")
		fmt.Fprintf(os.Stderr, "  render    Rewrite the playlist from the store\n")
		fmt.Fprintf(os.Stderr, "  probe     Probe configured playlist sources, best first (use -urls a,b,c for specific ones)\n")
		fmt.Fprintf(os.Stderr, "  cycles    Print recent cycle history as JSON\n")
		fmt.Fprintf(os.Stderr, "  health    Check a running instance (exit 1 when unhealthy)\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		if *runAddr != "" {
			cfg.ListenAddr = *runAddr
		}
		if *runInterval > 0 {
			cfg.UpdateInterval = *runInterval
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		os.Exit(runHarvester(ctx, cfg, !*runNoServe))

	case "once":
		_ = onceCmd.Parse(os.Args[2:])
		if *onceSources != "" {
			cfg.Sources = splitFlagList(*onceSources)
			cfg.SourcesFile = ""
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		os.Exit(runOnce(ctx, cfg))

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if *serveAddr != "" {
			cfg.ListenAddr = *serveAddr
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		var counter server.Counter
		if st, err := openStore(cfg); err != nil {
			log.Printf("Store unavailable (%v); serving playlist without counts", err)
		} else {
			defer st.Close()
			counter = st
		}
		srv := &server.Server{Addr: cfg.ListenAddr, PlaylistPath: cfg.PlaylistPath, Store: counter}
		if err := srv.Run(ctx); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "validate":
		_ = validateCmd.Parse(os.Args[2:])
		if strings.TrimSpace(*validateURL) == "" {
			log.Print("validate: -url is required")
			os.Exit(1)
		}
		if *validateTimeout > 0 {
			cfg.ValidateTimeout = *validateTimeout
		}
		cfg.DeepProbe = *validateDeep
		os.Exit(runValidate(cfg, *validateURL, *validateRecord))

	case "render":
		_ = renderCmd.Parse(os.Args[2:])
		os.Exit(runRender(cfg))

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		var urls []string
		if *probeURLs != "" {
			urls = splitFlagList(*probeURLs)
		} else {
			sources, err := cfg.ResolveSources()
			if err != nil {
				log.Printf("Load sources: %v", err)
				os.Exit(1)
			}
			for _, s := range sources {
				if s.Kind == config.SourcePlaylist {
					urls = append(urls, s.URL)
				}
			}
		}
		if len(urls) == 0 {
			log.Print("No playlist URLs to probe. Set IPTV_HARVEST_SOURCES or pass -urls=http://a/x.m3u,http://b/y.m3u")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), *probeTimeout)
		code := runProbe(ctx, cfg, urls, *probeJSON, *probeBest, os.Stdout)
		cancel()
		os.Exit(code)

	case "cycles":
		_ = cyclesCmd.Parse(os.Args[2:])
		os.Exit(runCycles(cfg, *cyclesN, os.Stdout))

	case "health":
		_ = healthCmd.Parse(os.Args[2:])
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := health.CheckEndpoints(ctx, *healthURL, *healthRequire); err != nil {
			log.Printf("Unhealthy: %v", err)
			os.Exit(1)
		}
		log.Print("Healthy")

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

// openStore opens the configured store backend after making sure its directories exist.
func openStore(cfg *config.Config) (store.Store, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return store.Open(cfg.StoreBackend, cfg.StorePath, store.Options{MaxFailures: cfg.MaxFailures})
}

// closeStore is the exit hook: flush, then close.
func closeStore(st store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Flush(ctx); err != nil {
		log.Printf("Store flush on exit: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Store close: %v", err)
	}
}

// newHarvester performs the fatal part of startup: directories, store, sources, playlist file.
func newHarvester(cfg *config.Config) (*harvester.Harvester, store.Store, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	sources, err := cfg.ResolveSources()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load sources: %w", err)
	}
	h, err := harvester.New(cfg, st, sources)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	log.Printf("Store %s (%s), playlist %s, %d source(s), %d EPG URL(s)",
		cfg.StorePath, cfg.StoreBackend, cfg.PlaylistPath, len(sources), len(cfg.EPGURLs))
	return h, st, nil
}

// waitPublisher lets an in-flight playlist push finish before exit.
func waitPublisher(h *harvester.Harvester) {
	if w, ok := h.Publisher.(interface{ Wait() }); ok {
		w.Wait()
	}
}

func runHarvester(ctx context.Context, cfg *config.Config, serve bool) int {
	h, st, err := newHarvester(cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		return 1
	}
	defer closeStore(st)
	defer waitPublisher(h)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	if serve {
		srv := &server.Server{Addr: cfg.ListenAddr, PlaylistPath: cfg.PlaylistPath, Status: h, Store: st}
		g.Go(func() error { return srv.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		log.Printf("Run failed: %v", err)
		return 1
	}
	log.Print("Shut down cleanly")
	return 0
}

func runOnce(ctx context.Context, cfg *config.Config) int {
	h, st, err := newHarvester(cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		return 1
	}
	defer closeStore(st)
	defer waitPublisher(h)
	stats, err := h.RunCycle(ctx)
	if err != nil {
		log.Printf("Cycle failed: %v", err)
		return 1
	}
	log.Printf("Cycle complete: %d valid, %d invalid, %d written", stats.Valid, stats.Invalid, stats.Written)
	return 0
}

func runValidate(cfg *config.Config, rawURL string, record bool) int {
	v := harvester.NewValidator(cfg)
	if ff, yt := v.Tools(); cfg.DeepProbe {
		log.Printf("Deep probe tools: ffprobe=%q yt-dlp=%q", ff, yt)
	}
	out := v.Validate(context.Background(), rawURL)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]interface{}{
		"url":        safeurl.Redact(out.URL),
		"final_url":  safeurl.Redact(out.FinalURL),
		"verdict":    out.Verdict,
		"diagnostic": out.Diagnostic,
		"tier":       out.Tier,
		"strategy":   out.Strategy,
		"elapsed_ms": out.Elapsed.Milliseconds(),
	})
	if record {
		st, err := openStore(cfg)
		if err != nil {
			log.Printf("Open store: %v", err)
			return 1
		}
		defer closeStore(st)
		ctx := context.Background()
		status := store.StatusFail
		if out.OK() {
			status = store.StatusOK
		}
		if _, err := st.RecordDiscovered(ctx, out.FinalURL, "", "", "cli"); err != nil {
			log.Printf("Record: %v", err)
			return 1
		}
		if err := st.RecordResult(ctx, store.Result{URL: out.FinalURL, Status: status, Diagnostic: out.Diagnostic}); err != nil {
			log.Printf("Record: %v", err)
			return 1
		}
	}
	if !out.OK() {
		return 2
	}
	return 0
}

func runRender(cfg *config.Config) int {
	h, st, err := newHarvester(cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		return 1
	}
	defer closeStore(st)
	if _, err := h.Render(context.Background()); err != nil {
		log.Printf("Render failed: %v", err)
		return 1
	}
	return 0
}

// runProbe classifies urls, best first. With best set only the winning URL is printed.
func runProbe(ctx context.Context, cfg *config.Config, urls []string, asJSON, best bool, w io.Writer) int {
	client := httpclient.New(cfg.FetchTimeout*2, cfg.UserAgent)
	if best {
		u := provider.Best(ctx, urls, client, cfg.HostConcurrency)
		if u == "" {
			log.Printf("None of %d source(s) is usable", len(urls))
			return 1
		}
		fmt.Fprintln(w, u)
		return 0
	}
	log.Printf("Probing %d source(s)...", len(urls))
	results := provider.ProbeAll(ctx, urls, client, cfg.HostConcurrency)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return 0
	}
	okCount := 0
	for i, r := range results {
		if r.Status == provider.StatusOK {
			okCount++
		}
		log.Printf("  %d. %-10s HTTP %3d %6dms %-4s entries=%-6d %s",
			i+1, r.Status, r.StatusCode, r.LatencyMs, r.Format, r.Entries, safeurl.Redact(r.URL))
	}
	log.Printf("--- %d of %d source(s) OK ---", okCount, len(results))
	return 0
}

// runCycles prints the n most recent cycle-history rows as a JSON array.
func runCycles(cfg *config.Config, n int, w io.Writer) int {
	st, err := openStore(cfg)
	if err != nil {
		log.Printf("Open store: %v", err)
		return 1
	}
	defer st.Close()
	rec, ok := st.(store.CycleRecorder)
	if !ok {
		log.Printf("Store backend %q keeps no cycle history", cfg.StoreBackend)
		return 1
	}
	cycles, err := rec.RecentCycles(context.Background(), n)
	if err != nil {
		log.Printf("Read cycles: %v", err)
		return 1
	}
	if cycles == nil {
		cycles = []store.CycleRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cycles); err != nil {
		log.Printf("Write cycles: %v", err)
		return 1
	}
	return 0
}

func splitFlagList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
