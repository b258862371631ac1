package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/haikuports/kitchen/pkg/agent"
	"github.com/haikuports/kitchen/pkg/config"
)

func main() {
	workDir := pflag.String("dir", "", "working directory for commands (defaults to $HOME)")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Name == "" || cfg.Key == "" {
		log.Fatalf("builder name and key must be configured")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("builder", cfg.Name)

	dir := *workDir
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &agent.Client{
		Name:     cfg.Name,
		Key:      cfg.Key,
		Executor: agent.ShellExecutor{Dir: dir},
		Dial: func(ctx context.Context) (net.Conn, error) {
			return dial(ctx, cfg, cfg.TransferPort)
		},
		Logger: logger,
	}
	// The process supervisor is expected to start the agent again.
	client.OnRestart = func() { time.AfterFunc(time.Second, stop) }

	backoff := time.Second
	for {
		conn, err := dial(ctx, cfg, cfg.Port)
		if err == nil {
			logger.Info("connected", "server", cfg.Server)
			backoff = time.Second
			err = client.Run(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			logger.Info("kitchen agent stopped")
			return
		}
		if err != nil {
			logger.Warn("connection lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func dial(ctx context.Context, cfg config.AgentConfig, port int) (net.Conn, error) {
	addr := net.JoinHostPort(cfg.Server, fmt.Sprint(port))
	if cfg.TLSDisabled {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	d := tls.Dialer{Config: &tls.Config{
		ServerName:         cfg.Server,
		InsecureSkipVerify: cfg.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}
