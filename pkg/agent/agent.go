// Package agent is the builder side of the kitchen protocol. It executes
// commands it receives one at a time and uploads requested files over the
// transfer side channel.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"

	"github.com/haikuports/kitchen/pkg/protocol"
	"github.com/haikuports/kitchen/pkg/transfer"
)

// Executor runs a shell command and returns its exit code and combined
// stdout/stderr.
type Executor interface {
	Execute(ctx context.Context, command string) (int, string)
}

// ShellExecutor runs commands through /bin/sh.
type ShellExecutor struct {
	Dir string
}

func (e ShellExecutor) Execute(ctx context.Context, command string) (int, string) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = e.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), out.String()
		}
		return 127, out.String() + err.Error()
	}
	return 0, out.String()
}

// Dialer opens the transfer side channel.
type Dialer func(ctx context.Context) (net.Conn, error)

// Client is one builder agent.
type Client struct {
	Name      string
	Key       string
	Cores     int
	Executor  Executor
	Dial      Dialer
	Logger    *slog.Logger
	OnRestart func()
}

// Run performs the handshake on conn and serves requests until the
// connection closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context, conn net.Conn) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	dec := protocol.NewDecoder(conn)
	marker, err := dec.Reader().ReadByte()
	if err != nil {
		return fmt.Errorf("wait for ready marker: %w", err)
	}
	if marker != protocol.ReadyMarker {
		return fmt.Errorf("unexpected ready marker %q", marker)
	}

	enc := protocol.NewEncoder(conn)
	if err := enc.Encode(protocol.Message{What: protocol.WhatAuth, Name: c.Name, Key: c.Key}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		reply, ok := c.handle(ctx, msg, logger)
		if !ok {
			continue
		}
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg protocol.Message, logger *slog.Logger) (protocol.Message, bool) {
	switch msg.What {
	case protocol.WhatCommand:
		logger.Info("executing command", "command", msg.Command)
		code, output := c.Executor.Execute(ctx, msg.Command)
		return protocol.Reply(msg.ReplyWith, code, output), true
	case protocol.WhatGetCores:
		cores := c.Cores
		if cores <= 0 {
			cores = runtime.NumCPU()
		}
		return protocol.Message{What: protocol.WhatCoreCount, Count: cores}, true
	case protocol.WhatRestart:
		logger.Info("received restart request")
		if c.OnRestart != nil {
			c.OnRestart()
		}
		return protocol.Message{What: protocol.WhatRestarting}, true
	case protocol.WhatTransferFile:
		if err := c.upload(ctx, msg.File, msg.ReplyWith); err != nil {
			logger.Error("upload failed", "file", msg.File, "error", err)
			return protocol.Reply(msg.ReplyWith, 1, err.Error()), true
		}
		return protocol.Reply(msg.ReplyWith, 0, ""), true
	default:
		logger.Warn("ignoring unknown message", "what", msg.What)
		return protocol.Message{}, false
	}
}

func (c *Client) upload(ctx context.Context, path, id string) error {
	if c.Dial == nil {
		return fmt.Errorf("no transfer channel configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hash, err := transfer.HashFile(path)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	conn, err := c.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial transfer channel: %w", err)
	}
	defer conn.Close()

	header := protocol.Message{What: protocol.WhatTransferStart, ReplyWith: id, File: path, Size: info.Size(), Hash: hash}
	if err := protocol.NewEncoder(conn).Encode(header); err != nil {
		return fmt.Errorf("send transfer header: %w", err)
	}
	if _, err := io.Copy(conn, file); err != nil {
		return fmt.Errorf("stream %s: %w", path, err)
	}
	return nil
}
