package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/haikuports/kitchen/pkg/auth"
	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/protocol"
	"github.com/haikuports/kitchen/pkg/session"
)

var (
	ErrNotAuth          = errors.New("first message is not auth")
	ErrUnknownBuilder   = errors.New("no known builder with that name")
	ErrAlreadyConnected = errors.New("builder is already connected")
)

// Serve accepts builder connections until ctx is cancelled. TLS, when
// enabled, is applied by the caller's listener.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("accept builder connection: %w", err)
		}
		go r.HandleConn(ctx, conn)
	}
}

// HandleConn runs one builder connection to completion: readiness marker,
// a single authentication attempt, bootstrap, then the session read loop.
func (r *Registry) HandleConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	r.logger.Info("socket opened", "peer", peer)

	if _, err := conn.Write([]byte{protocol.ReadyMarker}); err != nil {
		r.logger.Warn("writing ready marker failed", "peer", peer, "error", err)
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(r.opts.AuthTimeout))
	dec := protocol.NewDecoder(conn)
	msg, err := dec.Decode()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		r.logger.Warn("AUTHFAIL: reading auth message", "peer", peer, "error", err)
		_ = conn.Close()
		return
	}

	sess, err := r.authenticate(msg, conn, dec)
	if err != nil {
		r.logger.Warn("AUTHFAIL", "peer", peer, "builder", msg.Name, "error", err)
		_ = conn.Close()
		return
	}
	r.logger.Info("builder authenticated", "builder", msg.Name, "peer", peer)

	bootCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-sess.Done()
		cancel()
	}()
	go r.bootstrap(bootCtx, msg.Name, sess)

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Debug("session ended", "builder", msg.Name, "error", err)
	}
	cancel()
	r.detach(msg.Name, sess)
}

// authenticate validates the auth message and atomically attaches a new
// session, enforcing at most one live session per builder.
func (r *Registry) authenticate(msg protocol.Message, conn net.Conn, dec *protocol.Decoder) (*session.Session, error) {
	if msg.What != protocol.WhatAuth {
		return nil, ErrNotAuth
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.builders[msg.Name]
	if !ok {
		return nil, ErrUnknownBuilder
	}
	if e.session != nil {
		return nil, ErrAlreadyConnected
	}
	if err := auth.Verify(e.config.KeyHash, msg.Key); err != nil {
		return nil, err
	}

	sess := session.New(msg.Name, conn, dec, session.Options{
		Logger:    r.logger,
		Keepalive: r.opts.Keepalive,
		Transfers: r.opts.Transfers,
	})
	e.session = sess
	e.info = builder.Info{}
	if e.status != builder.StatusBroken {
		e.status = builder.StatusBusy
	}
	return sess, nil
}

// detach clears transient metadata and marks the builder offline unless it
// is broken. Jobs running on it observe the disconnect through their
// pending commands and stall themselves.
func (r *Registry) detach(name string, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[name]
	if !ok || e.session != sess {
		return
	}
	e.session = nil
	e.info = builder.Info{}
	if e.status != builder.StatusBroken {
		e.status = builder.StatusOffline
	}
	r.logger.Info("builder detached", "builder", name)
}
