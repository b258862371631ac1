package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/haikuports/kitchen/pkg/api"
	"github.com/haikuports/kitchen/pkg/build"
	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/config"
	"github.com/haikuports/kitchen/pkg/notify"
	"github.com/haikuports/kitchen/pkg/portstree"
	"github.com/haikuports/kitchen/pkg/registry"
	"github.com/haikuports/kitchen/pkg/repository"
	"github.com/haikuports/kitchen/pkg/resolver"
	"github.com/haikuports/kitchen/pkg/telemetry"
	"github.com/haikuports/kitchen/pkg/transfer"
)

func main() {
	httpAddr := pflag.String("port", "", "address for the HTTP listener (overrides http_addr)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown := telemetry.InitTracer(ctx, "kitchen-server", os.Stdout, logger)
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Printf("tracer shutdown error: %v", err)
			}
		}()
	}

	logger.Info("starting up", "data_dir", cfg.DataDir)

	notifications := newNotifier(ctx, cfg, logger)

	configs, err := builder.OpenConfigStore(cfg.BuildersFile())
	if err != nil {
		log.Fatalf("failed to load builders: %v", err)
	}
	transfers := transfer.NewServer(logger.With("component", "transfer"))
	reg := registry.New(configs, registry.Options{
		Logger:    logger.With("component", "builders"),
		Keepalive: cfg.KeepaliveInterval,
		Transfers: transfers,
		Tree:      cfg.BuilderTree,
	})

	store, closeStore := newBuildStore(cfg)
	defer closeStore()
	sched := build.NewScheduler(build.FromRegistry(reg), build.Options{
		Store:     store,
		Logger:    logger.With("component", "builds"),
		Retention: cfg.BuildRetention,
	})
	if err := sched.Load(); err != nil {
		log.Fatalf("failed to load builds: %v", err)
	}

	tree, err := portstree.Open(ctx, portstree.Options{
		Dir:    cfg.PortsTree.Dir,
		URL:    cfg.PortsTree.URL,
		Logger: logger.With("component", "portstree"),
	})
	if err != nil {
		log.Fatalf("failed to open haikuports tree: %v", err)
	}

	policy := resolver.DefaultPolicy()
	if _, err := os.Stat(cfg.PolicyFile); err == nil {
		if policy, err = resolver.LoadPolicy(cfg.PolicyFile); err != nil {
			log.Fatalf("failed to load resolver policy: %v", err)
		}
	}

	var publisher repository.Publisher
	if cfg.Publish.Host != "" {
		publisher = repository.NewSFTPPublisher(cfg.Publish)
	}
	manager := repository.NewManager(tree, sched, resolver.New(policy, logger.With("component", "resolver")), repository.Options{
		Dir:            cfg.PackagesDir(),
		Architectures:  cfg.Architectures,
		PackageBaseURL: cfg.PackageBaseURL,
		Assembler:      repository.PackageRepoTool{RepoInfo: cfg.RepoInfo},
		Publisher:      publisher,
		Notifier:       notifications,
		Logger:         logger.With("component", "repository"),
	})

	reg.OnAvailable(func(string) { sched.TryRunBuilds() })
	reg.OnBroken(func(name string) {
		_ = notifications.Notify(ctx, notify.BuilderBroken(name, reg.Owner(name)))
	})
	sched.OnFinished(func(b build.Build) {
		if msg := notify.BuildFinished(b); msg != "" {
			_ = notifications.Notify(ctx, msg)
		}
	})
	tree.OnRecipesChanged(func(keys []string) {
		reg.UpdateAllTrees(ctx)
		if _, err := manager.CreateJobToLintRecipes(keys, ""); err != nil {
			logger.Error("creating lint job failed", "error", err)
		}
		manager.BuildEverything(ctx)
	})

	manager.LintUnlinted()
	manager.BuildEverything(ctx)

	builderLn, err := listen(cfg, cfg.BuilderAddr)
	if err != nil {
		log.Fatalf("builder listener failed: %v", err)
	}
	transferLn, err := listen(cfg, cfg.TransferAddr)
	if err != nil {
		log.Fatalf("transfer listener failed: %v", err)
	}
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewHandler(api.Options{
			Recipes:     tree,
			Builders:    reg,
			Builds:      sched,
			PackagesDir: cfg.PackagesDir(),
			AdminToken:  cfg.AdminToken,
			Logger:      logger.With("component", "api"),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("builder listener ready", "addr", cfg.BuilderAddr)
		return reg.Serve(gctx, builderLn)
	})
	g.Go(func() error {
		logger.Info("transfer listener ready", "addr", cfg.TransferAddr)
		return transfers.Serve(gctx, transferLn)
	})
	g.Go(func() error {
		logger.Info("http listener ready", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		update := func() {
			if err := tree.Update(gctx); err != nil {
				logger.Error("haikuports tree update failed", "error", err)
			}
		}
		update()
		periodic(gctx, cfg.TreeUpdateInterval, update)
		return nil
	})
	g.Go(func() error {
		periodic(gctx, cfg.BuilderUpdateInterval, func() { reg.UpdateAllBuilders(gctx) })
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
	}
	sched.Close()
	logger.Info("kitchen server stopped")
}

// newNotifier queues announcements until the Redis sink, when configured,
// has answered a ping.
func newNotifier(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) *notify.Queue {
	sinks := notify.Multi{notify.LogNotifier{Logger: logger.With("component", "notify")}}
	var rn *notify.RedisNotifier
	if cfg.RedisURL != "" {
		var err error
		rn, err = notify.NewRedisNotifier(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			log.Fatalf("notification sink init failed: %v", err)
		}
		sinks = append(sinks, rn)
	}
	q := notify.NewQueue(sinks, logger)
	go q.Run(ctx)
	if rn == nil {
		q.Ready()
		return q
	}
	go func() {
		for {
			err := rn.Ping(ctx)
			if err == nil {
				q.Ready()
				return
			}
			logger.Warn("notification sink not ready", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
		}
	}()
	return q
}

func newBuildStore(cfg config.ServerConfig) (build.Store, func()) {
	if cfg.DatabaseURL != "" {
		pg, err := build.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("build postgres init failed: %v", err)
		}
		return pg, func() {
			if err := pg.Close(); err != nil {
				log.Printf("build postgres close error: %v", err)
			}
		}
	}
	fs, err := build.NewFileStore(cfg.BuildsDir())
	if err != nil {
		log.Fatalf("build store init failed: %v", err)
	}
	return fs, func() {}
}

func listen(cfg config.ServerConfig, addr string) (net.Listener, error) {
	if cfg.TLSDisabled {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
}

func periodic(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
