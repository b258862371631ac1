// Package transfer receives files uploaded by builders over the dedicated
// side channel. Each upload is a single connection: one JSON header line
// declaring the size and blake3 digest, followed by exactly that many raw
// bytes. Connections are matched to pending transfers by peer host and the
// transfer id carried in the header; a header without an id takes the oldest
// transfer expected from that host.
package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/haikuports/kitchen/pkg/protocol"
)

var (
	ErrCancelled    = errors.New("transfer cancelled")
	ErrBadHeader    = errors.New("transfer header invalid")
	ErrShortRead    = errors.New("transfer connection closed before declared size was received")
	ErrHashMismatch = errors.New("transferred file hash mismatch")
)

// DefaultIdleTimeout bounds how long a side-channel read may block.
const DefaultIdleTimeout = 10 * time.Minute

// Result describes the outcome of one transfer.
type Result struct {
	Path string
	Size int64
	Hash string
	Err  error
}

// Pending is a transfer the server expects a builder to open.
type Pending struct {
	host      string
	id        string
	localPath string
	server    *Server

	once sync.Once
	done chan Result

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Done delivers exactly one Result.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Cancel aborts the transfer. A connection already streaming is closed,
// which removes the partial file.
func (p *Pending) Cancel() {
	if p.server.remove(p) {
		p.finish(Result{Path: p.localPath, Err: ErrCancelled})
		return
	}
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (p *Pending) attach(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conn = conn
	return true
}

func (p *Pending) finish(res Result) {
	p.once.Do(func() {
		p.done <- res
	})
}

// Server matches side-channel connections to pending transfers.
type Server struct {
	logger      *slog.Logger
	idleTimeout time.Duration

	mu      sync.Mutex
	waiting map[string][]*Pending
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		waiting:     make(map[string][]*Pending),
	}
}

// SetIdleTimeout overrides DefaultIdleTimeout.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Expect registers a transfer from host that will be written to localPath.
// Transfers from the same host are matched in registration order.
func (s *Server) Expect(host, localPath string) *Pending {
	return s.ExpectID(host, "", localPath)
}

// ExpectID is Expect for a transfer whose header names id. Ids must be
// unique among the transfers pending for one host.
func (s *Server) ExpectID(host, id, localPath string) *Pending {
	p := &Pending{
		host:      host,
		id:        id,
		localPath: localPath,
		server:    s,
		done:      make(chan Result, 1),
	}
	s.mu.Lock()
	s.waiting[host] = append(s.waiting[host], p)
	s.mu.Unlock()
	return p
}

func (s *Server) remove(p *Pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiting[p.host]
	for i, candidate := range queue {
		if candidate == p {
			s.waiting[p.host] = append(queue[:i], queue[i+1:]...)
			if len(s.waiting[p.host]) == 0 {
				delete(s.waiting, p.host)
			}
			return true
		}
	}
	return false
}

// match takes the transfer pending for host whose id equals id. Without an
// id, or when no pending transfer carries it, the oldest transfer registered
// without an id is used; an unknown id never takes another transfer's slot.
func (s *Server) match(host, id string) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.waiting[host]
	at := -1
	for i, p := range queue {
		if id != "" && p.id == id {
			at = i
			break
		}
	}
	if at < 0 {
		for i, p := range queue {
			if p.id == "" || id == "" {
				at = i
				break
			}
		}
	}
	if at < 0 {
		return nil
	}
	p := queue[at]
	if len(queue) == 1 {
		delete(s.waiting, host)
	} else {
		s.waiting[host] = append(queue[:at:at], queue[at+1:]...)
	}
	return p
}

// Serve accepts side-channel connections until ctx is cancelled or the
// listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept transfer connection: %w", err)
		}
		go s.HandleConn(conn)
	}
}

// HandleConn receives one file over conn and closes it.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()

	host := PeerHost(conn.RemoteAddr())
	dec := protocol.NewDecoder(&idleConn{Conn: conn, timeout: s.idleTimeout})
	header, err := dec.Decode()
	if err != nil {
		s.logger.Warn("transfer connection without header", "peer", host, "error", err)
		return
	}
	p := s.match(host, header.ReplyWith)
	if p == nil {
		s.logger.Warn("transfer connection with no pending transfer", "peer", host, "id", header.ReplyWith)
		return
	}
	if !p.attach(conn) {
		p.finish(Result{Path: p.localPath, Err: ErrCancelled})
		return
	}

	res := s.receive(dec, header, p.localPath)
	if res.Err != nil {
		s.logger.Error("transfer failed", "peer", host, "file", p.localPath, "error", res.Err)
	} else {
		s.logger.Info("transfer complete", "peer", host, "file", p.localPath, "bytes", res.Size)
	}
	p.finish(res)
}

func (s *Server) receive(dec *protocol.Decoder, header protocol.Message, localPath string) Result {
	res := Result{Path: localPath}
	if header.What != protocol.WhatTransferStart || header.Size < 0 || header.Hash == "" {
		res.Err = fmt.Errorf("%w: %+v", ErrBadHeader, header)
		return res
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		res.Err = err
		return res
	}
	partial := localPath + ".part-" + uuid.NewString()
	file, err := os.Create(partial)
	if err != nil {
		res.Err = err
		return res
	}

	written, copyErr := io.CopyN(file, dec.Reader(), header.Size)
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(partial)
		res.Err = fmt.Errorf("%w: got %d of %d bytes: %v", ErrShortRead, written, header.Size, copyErr)
		return res
	case closeErr != nil:
		_ = os.Remove(partial)
		res.Err = closeErr
		return res
	}

	digest, err := HashFile(partial)
	if err != nil {
		_ = os.Remove(partial)
		res.Err = err
		return res
	}
	if digest != header.Hash {
		_ = os.Remove(partial)
		res.Err = fmt.Errorf("%w: declared %s, computed %s", ErrHashMismatch, header.Hash, digest)
		return res
	}
	if err := os.Rename(partial, localPath); err != nil {
		_ = os.Remove(partial)
		res.Err = err
		return res
	}

	res.Size = written
	res.Hash = digest
	return res
}

// HashFile returns the hex blake3 digest of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// PeerHost returns the host part of addr, or its full string form when it
// has no port (for example net.Pipe endpoints).
func PeerHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}
