// Command bifrostd runs the live-sync daemon: it watches both framework
// roots, converts changed files through the sync engine, and pushes the
// resulting IR updates to every connected device over the session control
// surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bifrost-sync/bifrost/internal/conflict"
	"github.com/bifrost-sync/bifrost/internal/config"
	"github.com/bifrost-sync/bifrost/internal/convert"
	"github.com/bifrost-sync/bifrost/internal/demo"
	"github.com/bifrost-sync/bifrost/internal/dispatch"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/metrics"
	"github.com/bifrost-sync/bifrost/internal/mode"
	"github.com/bifrost-sync/bifrost/internal/queue"
	"github.com/bifrost-sync/bifrost/internal/resolver"
	"github.com/bifrost-sync/bifrost/internal/server"
	"github.com/bifrost-sync/bifrost/internal/session"
	"github.com/bifrost-sync/bifrost/internal/syncengine"
	"github.com/bifrost-sync/bifrost/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ~/.config/bifrost/config.yaml)")
	port := flag.Int("port", 0, "override server port")
	demoMode := flag.Bool("demo", false, "drive the pipeline with synthetic fixture files instead of watching a real tree")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, warnings, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	for _, w := range warnings {
		log.Println(w)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctrl := mode.New(mode.Mode(cfg.Mode))

	irStore, err := ir.NewStore(cfg.StorageDir)
	if err != nil {
		log.Fatalf("failed to open IR store: %v", err)
	}
	conflictStore, err := conflict.NewStore(cfg.StorageDir)
	if err != nil {
		log.Fatalf("failed to open conflict store: %v", err)
	}
	detector := conflict.NewDetector(conflict.DefaultWindow)

	fileConvention := namingConvention(cfg.NamingConventions.FileNaming)
	convA := convert.NewReferenceConverter("A", ".a.json", fileConvention)
	convB := convert.NewReferenceConverter("B", ".b.json", fileConvention)

	roots := syncengine.Roots{RootA: cfg.RootA, RootB: cfg.RootB, ConvA: convA, ConvB: convB}
	engine := syncengine.New(roots, ctrl, irStore, detector, conflictStore)
	conflictResolver := resolver.New(conflictStore, irStore, convA, convB)

	q := queue.New(queue.Options{
		BatchDelay: time.Duration(cfg.Sync.DebounceMs) * time.Millisecond,
	})

	reg := session.NewRegistry(session.Options{
		SessionTimeout:    time.Duration(cfg.Session.SessionTimeoutMinutes) * time.Minute,
		HeartbeatInterval: time.Duration(cfg.Session.HeartbeatIntervalSeconds) * time.Second,
		ConnectionTimeout: time.Duration(cfg.Session.ConnectionTimeoutSeconds) * time.Second,
	})
	reg.Start()
	defer reg.Stop()

	disp := dispatch.New(reg, 50*time.Millisecond)
	m := metrics.New(prometheus.DefaultRegisterer)
	engine.SetMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.Sync.Enabled && !*demoMode {
		w, err := watch.New(watch.Options{
			RootA:          cfg.RootA,
			RootB:          cfg.RootB,
			IgnorePatterns: cfg.Sync.ExcludePatterns,
			Debounce:       time.Duration(cfg.Sync.DebounceMs) * time.Millisecond,
		})
		if err != nil {
			log.Fatalf("failed to create watcher: %v", err)
		}
		if err := w.Run(); err != nil {
			log.Fatalf("failed to run watcher: %v", err)
		}
		defer w.Stop()

		wg.Add(1)
		go func() {
			defer wg.Done()
			pumpWatcherIntoQueue(ctx, w, q)
		}()
	}

	if *demoMode {
		log.Println("starting in demo mode (synthetic fixture files)")
		gen := demo.New(cfg.RootA, q, 2*time.Second)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gen.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainQueueIntoEngine(ctx, q, engine, disp, reg, m)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportSessionCounts(ctx, reg, m, 5*time.Second)
	}()

	mux := http.NewServeMux()
	srv := server.New(reg, disp, cfg.Server.AllowedOrigins)
	srv.SetResolver(conflictResolver)
	srv.SetMetrics(m)
	srv.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadConfig(cfgPath, cfg)
				continue
			}
			log.Println("shutting down...")
			cancel()
			wg.Wait()
			os.Exit(0)
		}
	}()

	addr := cfg.Server.Host + ":" + strconv.Itoa(serverPort(cfg.Server.Port))
	log.Printf("listening on %s (mode=%s)", addr, cfg.Mode)
	if err := server.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// reloadConfig re-reads the config file on SIGHUP and logs what changed in
// the hot-reloadable subsection. rootA/rootB/storageDir/server/session are
// wired into long-lived components at startup and still require a restart,
// the same restriction the teacher places on its own port/host/auth fields.
func reloadConfig(path string, cur *config.Config) {
	next, warnings, err := config.Load(path)
	if err != nil {
		log.Printf("config reload failed, keeping previous config: %v", err)
		return
	}
	for _, w := range warnings {
		log.Println(w)
	}
	changes := config.Diff(cur, next)
	if len(changes) == 0 {
		log.Println("config reload: no hot-reloadable changes")
		return
	}
	for _, c := range changes {
		log.Printf("config reload: %s", c)
	}
	*cur = *next
}

func serverPort(p int) int {
	if p <= 0 {
		return 8080
	}
	return p
}

func namingConvention(s string) convert.Convention {
	switch s {
	case string(convert.KebabCase), string(convert.PascalCase), string(convert.CamelCase):
		return convert.Convention(s)
	default:
		return convert.SnakeCase
	}
}

// pumpWatcherIntoQueue forwards coalesced file events and logs watcher
// errors until ctx is cancelled.
func pumpWatcherIntoQueue(ctx context.Context, w *watch.Watcher, q *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			q.Enqueue(ev)
		case werr, ok := <-w.Errors():
			if !ok {
				continue
			}
			log.Printf("watcher error: %v", werr)
		}
	}
}

// reportSessionCounts periodically pushes the registry's live session and
// device counts into the session/device gauges until ctx is cancelled.
func reportSessionCounts(ctx context.Context, reg *session.Registry, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reg.Stats()
			m.SetSessionCounts(stats.SessionCount, stats.TotalDevices)
		}
	}
}

// drainQueueIntoEngine pulls batches off the queue, runs them through the
// sync engine, and fans successful updates out to every connected session.
func drainQueueIntoEngine(ctx context.Context, q *queue.Queue, engine *syncengine.Engine, disp *dispatch.Dispatcher, reg *session.Registry, m *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case warn, ok := <-q.Warnings():
			if ok {
				log.Printf("queue capacity warning: dropped %s (len=%d)", warn.DroppedPath, warn.QueueLen)
			}
		case batch, ok := <-q.Out():
			if !ok {
				return
			}
			m.SetQueueDepth(q.Len())
			for _, res := range engine.ProcessBatch(ctx, batch) {
				handleResult(res, disp, reg, m)
			}
			q.MarkDone()
		}
	}
}

func handleResult(res syncengine.Result, disp *dispatch.Dispatcher, reg *session.Registry, m *metrics.Metrics) {
	switch res.Kind {
	case syncengine.ResultSuccess:
		m.RecordFileEvent("success")
		if res.TargetPath == "" {
			return
		}
		broadcastTarget(res.TargetPath, disp, reg, m)
	case syncengine.ResultConflict:
		m.RecordFileEvent("conflict")
		m.RecordConflictDetected(res.Reason)
	case syncengine.ResultSkipped:
		m.RecordFileEvent("skipped")
	case syncengine.ResultError:
		m.RecordFileEvent("error")
		log.Printf("sync error on %s: %v", res.Path, res.Error)
	}
}

// broadcastTarget pushes the mirrored file's current contents to every live
// session, so connected devices see the regenerated side without needing to
// know which logical IR id a path maps to. The reference converter's
// SourceToIR is reused here purely to re-read what the engine just wrote.
func broadcastTarget(targetPath string, disp *dispatch.Dispatcher, reg *session.Registry, m *metrics.Metrics) {
	ids := reg.SessionIDs()
	if len(ids) == 0 {
		return
	}
	doc, err := convert.NewReferenceConverter("", "", convert.SnakeCase).SourceToIR(context.Background(), targetPath)
	if err != nil {
		return
	}
	for _, sid := range ids {
		disp.PushUpdate(sid, doc, false)
	}
	m.RecordUpdateDispatched("full")
}
