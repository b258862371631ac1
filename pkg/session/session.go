// Package session implements the server side of one authenticated builder
// connection: request/reply correlation over the line-delimited JSON
// stream, the keepalive probe, and file transfers over the side channel.
//
// Authentication happens before a Session exists; see package registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/haikuports/kitchen/pkg/protocol"
	"github.com/haikuports/kitchen/pkg/transfer"
)

var (
	// ErrDisconnected is returned for every request that was outstanding
	// when the connection closed, and for requests issued afterwards.
	ErrDisconnected = errors.New("builder disconnected")
	// ErrNoTransferChannel is returned by TransferFile when the session was
	// created without a transfer server.
	ErrNoTransferChannel = errors.New("no transfer channel configured")
)

// DefaultKeepalive is the interval between keepalive probes.
const DefaultKeepalive = 10 * time.Minute

// Result is the outcome of a remote command.
type Result struct {
	ExitCode int    `json:"exitcode"`
	Output   string `json:"output"`
}

// Disconnected is the sentinel result reported for commands interrupted
// by a disconnect.
func Disconnected() Result {
	return Result{ExitCode: protocol.ExitDisconnected, Output: protocol.DisconnectedOutput}
}

// RemoteError reports a transfer the builder refused or failed to start.
type RemoteError struct {
	ExitCode int
	Output   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote exited %d: %s", e.ExitCode, e.Output)
}

// Options configures a Session.
type Options struct {
	Logger    *slog.Logger
	Keepalive time.Duration
	Transfers *transfer.Server
}

type reply struct {
	msg protocol.Message
	err error
}

// Session owns one builder connection.
type Session struct {
	name      string
	conn      net.Conn
	enc       *protocol.Encoder
	dec       *protocol.Decoder
	logger    *slog.Logger
	keepalive time.Duration
	transfers *transfer.Server

	// writeMu orders direct writes against queue flushes.
	writeMu sync.Mutex
	// transferMu allows one transfer at a time per builder.
	transferMu sync.Mutex

	mu           sync.Mutex
	pending      map[string][]chan reply
	abandoned    map[string]struct{}
	nextID       uint64
	transferring bool
	queued       []protocol.Message
	closed       bool

	done chan struct{}
}

// New wraps an already authenticated connection. dec must be the decoder
// that read the auth message so no buffered bytes are lost.
func New(name string, conn net.Conn, dec *protocol.Decoder, opts Options) *Session {
	if dec == nil {
		dec = protocol.NewDecoder(conn)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Session{
		name:      name,
		conn:      conn,
		enc:       protocol.NewEncoder(conn),
		dec:       dec,
		logger:    logger.With("builder", name),
		keepalive: keepalive,
		transfers: opts.Transfers,
		pending:   make(map[string][]chan reply),
		abandoned: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) Name() string { return s.name }

// RemoteAddr is the builder's network address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close terminates the connection. Run performs the cleanup.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run reads messages until the connection fails or ctx is cancelled, then
// fails every outstanding request with ErrDisconnected.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-runCtx.Done()
		_ = s.conn.Close()
	}()
	go s.keepaliveLoop(runCtx)

	var err error
	for {
		var msg protocol.Message
		msg, err = s.dec.Decode()
		if err != nil {
			break
		}
		s.dispatch(msg)
	}
	s.shutdown()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe := protocol.Message{What: protocol.WhatCommand, Command: "true", ReplyWith: protocol.WhatIgnore}
			if err := s.Send(probe); err != nil {
				s.logger.Warn("keepalive failed, closing connection", "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	s.mu.Lock()
	waiters := s.pending[msg.What]
	if len(waiters) > 0 {
		ch := waiters[0]
		if len(waiters) == 1 {
			delete(s.pending, msg.What)
		} else {
			s.pending[msg.What] = waiters[1:]
		}
		s.mu.Unlock()
		ch <- reply{msg: msg}
		return
	}
	_, abandoned := s.abandoned[msg.What]
	delete(s.abandoned, msg.What)
	s.mu.Unlock()

	switch {
	case abandoned:
		s.logger.Debug("dropping reply for abandoned request", "id", msg.What)
	case msg.What == protocol.WhatRestarting || msg.What == protocol.WhatIgnore:
	default:
		s.logger.Warn("unmatched or unknown message from builder", "what", msg.What, "exitcode", msg.Code())
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string][]chan reply)
	s.queued = nil
	s.mu.Unlock()

	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- reply{err: ErrDisconnected}
		}
	}
	close(s.done)
	s.logger.Info("builder disconnected")
}

// Send writes msg without expecting a reply. While a transfer is in
// flight the message is queued and flushed, in order, when it completes.
func (s *Session) Send(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	if s.transferring {
		s.queued = append(s.queued, msg)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.write(msg)
}

func (s *Session) write(msg protocol.Message) error {
	if err := s.enc.Encode(msg); err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (s *Session) register(key string) (chan reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisconnected
	}
	ch := make(chan reply, 1)
	s.pending[key] = append(s.pending[key], ch)
	return ch, nil
}

// forget drops a registration whose reply is no longer wanted.
func (s *Session) forget(key string, ch chan reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.pending[key]
	for i, candidate := range waiters {
		if candidate == ch {
			s.pending[key] = append(waiters[:i], waiters[i+1:]...)
			if len(s.pending[key]) == 0 {
				delete(s.pending, key)
			}
			s.abandoned[key] = struct{}{}
			return
		}
	}
}

func (s *Session) newID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("%s%d", prefix, s.nextID)
	s.nextID++
	return id
}

// Call sends msg and waits for the message whose what equals replyKey.
func (s *Session) Call(ctx context.Context, msg protocol.Message, replyKey string) (protocol.Message, error) {
	ch, err := s.register(replyKey)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := s.Send(msg); err != nil {
		s.forget(replyKey, ch)
		return protocol.Message{}, err
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		s.forget(replyKey, ch)
		return protocol.Message{}, ctx.Err()
	}
}

// RunCommand executes command on the builder and returns its exit code and
// combined output. When the builder disconnects first, the result is
// Disconnected() and the error is ErrDisconnected.
func (s *Session) RunCommand(ctx context.Context, command string) (Result, error) {
	id := s.newID("cmd")
	msg := protocol.Message{What: protocol.WhatCommand, Command: command, ReplyWith: id}
	resp, err := s.Call(ctx, msg, id)
	if err != nil {
		if errors.Is(err, ErrDisconnected) {
			return Disconnected(), err
		}
		return Result{}, err
	}
	return Result{ExitCode: resp.Code(), Output: resp.Output}, nil
}

// Cores asks the builder for its core count.
func (s *Session) Cores(ctx context.Context) (int, error) {
	resp, err := s.Call(ctx, protocol.Message{What: protocol.WhatGetCores}, protocol.WhatCoreCount)
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// TransferFile asks the builder to upload remotePath over the side channel
// and stores it at localPath. Messages sent while the transfer runs are
// held back until it finishes.
func (s *Session) TransferFile(ctx context.Context, remotePath, localPath string) (transfer.Result, error) {
	if s.transfers == nil {
		return transfer.Result{}, ErrNoTransferChannel
	}
	s.transferMu.Lock()
	defer s.transferMu.Unlock()

	// Builders behind one address tell their uploads apart by this id.
	id := s.name + ":" + s.newID("xfer")
	ch, err := s.register(id)
	if err != nil {
		return transfer.Result{}, err
	}
	pend := s.transfers.ExpectID(transfer.PeerHost(s.conn.RemoteAddr()), id, localPath)

	s.writeMu.Lock()
	s.mu.Lock()
	s.transferring = true
	s.mu.Unlock()
	err = s.write(protocol.Message{What: protocol.WhatTransferFile, File: remotePath, ReplyWith: id})
	s.writeMu.Unlock()
	defer s.endTransfer()

	if err != nil {
		pend.Cancel()
		s.forget(id, ch)
		return transfer.Result{}, err
	}

	var (
		side    *transfer.Result
		replied bool
	)
	for side == nil || !replied {
		select {
		case res := <-pend.Done():
			if res.Err != nil {
				s.forget(id, ch)
				return res, fmt.Errorf("transfer %s: %w", remotePath, res.Err)
			}
			side = &res
		case r := <-ch:
			replied = true
			if r.err != nil {
				pend.Cancel()
				return transfer.Result{}, r.err
			}
			if code := r.msg.Code(); code != 0 {
				pend.Cancel()
				return transfer.Result{}, fmt.Errorf("transfer %s: %w", remotePath, &RemoteError{ExitCode: code, Output: r.msg.Output})
			}
		case <-ctx.Done():
			pend.Cancel()
			s.forget(id, ch)
			return transfer.Result{}, ctx.Err()
		}
	}
	return *side, nil
}

func (s *Session) endTransfer() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.transferring = false
	queued := s.queued
	s.queued = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	for _, msg := range queued {
		if err := s.write(msg); err != nil {
			s.logger.Warn("flushing queued message failed", "what", msg.What, "error", err)
			return
		}
	}
}
