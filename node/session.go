// Package node implements the node-side session state machine (C6):
// connect, handshake, an initial full-sync subloop, then an indefinite
// event loop applying the root's FileHeader/Remove/Rename/Heartbeat
// messages to a local mirror directory (spec.md §4.9's description of
// the node side).
package node

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nicolagi/mirra/config"
	"github.com/nicolagi/mirra/internal/conn"
	"github.com/nicolagi/mirra/internal/digest"
	"github.com/nicolagi/mirra/internal/pathsafe"
	"github.com/nicolagi/mirra/internal/wire"
)

var log = logrus.WithField("component", "node")

// ErrInvalidInput is returned (wrapped) by Run when the remote root
// does not serve the requested module.
var ErrInvalidInput = errors.New("node: invalid input")

// Session mirrors one remote share into a local directory.
type Session struct {
	sync config.Sync
}

// New returns a Session that mirrors sync.
func New(sync config.Sync) *Session {
	return &Session{sync: sync}
}

// Run dials the configured remote root, completes the handshake, then
// drives the session until the connection ends or ctx is done. A
// NotFound handshake reply closes the connection and returns an error
// wrapping ErrInvalidInput; the supervisor decides whether to retry.
func (s *Session) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.sync.LocalPath, 0o755); err != nil {
		return errors.Wrapf(err, "node: ensure local path %q", s.sync.LocalPath)
	}

	addr := s.sync.RemoteHost + ":" + strconv.Itoa(s.sync.RemotePort)
	c, err := conn.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "node: dial %q", addr)
	}

	entry := log.WithField("sync", s.sync.Name).WithField("remote", addr)

	ok, err := s.handshake(c)
	if err != nil {
		_ = c.CloseNow()
		return err
	}
	if !ok {
		entry.Warn("handshake: remote reports module not found")
		_ = c.CloseNow()
		return errors.Wrapf(ErrInvalidInput, "node: module %q not found on %s", s.sync.Name, addr)
	}

	if err := s.eventLoop(ctx, c); err != nil {
		_ = c.CloseNow()
		return err
	}
	return nil
}

func (s *Session) handshake(c *conn.Conn) (bool, error) {
	if err := c.Send(wire.Handshake{Module: s.sync.Name}); err != nil {
		return false, errors.Wrap(err, "node: send handshake")
	}
	kind, err := c.PeekKind()
	if err != nil {
		return false, errors.Wrap(err, "node: peek handshake reply")
	}
	switch kind {
	case wire.KindNotFound:
		_, err := c.Recv(wire.KindNotFound)
		return false, errors.Wrap(err, "node: recv not found")
	case wire.KindOk:
		_, err := c.Recv(wire.KindOk)
		return true, errors.Wrap(err, "node: recv ok")
	default:
		return false, errors.Wrapf(wire.ErrInvalidData, "node: unexpected handshake reply %s", kind)
	}
}

// eventLoop consumes messages from c indefinitely, dispatching each to
// its handler (spec.md §4.6 phase 2).
func (s *Session) eventLoop(ctx context.Context, c *conn.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m, err := c.RecvUnchecked()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "node: recv")
		}
		switch msg := m.(type) {
		case wire.Heartbeat:
			if err := c.Send(wire.Ok{}); err != nil {
				return errors.Wrap(err, "node: ack heartbeat")
			}
		case wire.BeginSync:
			if err := c.Send(wire.Ok{}); err != nil {
				return errors.Wrap(err, "node: ack begin sync")
			}
			if err := s.fullSyncSubloop(c); err != nil {
				return err
			}
		case wire.FileHeader:
			if err := s.receiveFile(c, msg); err != nil {
				return err
			}
		case wire.Remove:
			if err := s.handleRemove(c, msg); err != nil {
				return err
			}
		case wire.Rename:
			if err := s.handleRename(c, msg); err != nil {
				return err
			}
		case wire.Close:
			return errors.Wrap(c.Send(wire.Close{}), "node: ack close")
		default:
			return errors.Wrapf(wire.ErrInvalidData, "node: unexpected message %s", m.Kind())
		}
	}
}

// fullSyncSubloop runs the bracketed full-sync exchange (spec.md §4.6
// phase 2's BeginSync subloop): a run of FileHeaders, each handled
// exactly as a live single-file update, terminated by EndSync.
func (s *Session) fullSyncSubloop(c *conn.Conn) error {
	for {
		kind, err := c.PeekKind()
		if err != nil {
			return errors.Wrap(err, "node: peek kind in full sync")
		}
		switch kind {
		case wire.KindFileHeader:
			m, err := c.Recv(wire.KindFileHeader)
			if err != nil {
				return errors.Wrap(err, "node: recv file header")
			}
			if err := s.receiveFile(c, m.(wire.FileHeader)); err != nil {
				return err
			}
		case wire.KindEndSync:
			if _, err := c.Recv(wire.KindEndSync); err != nil {
				return errors.Wrap(err, "node: recv end sync")
			}
			return errors.Wrap(c.Send(wire.Ok{}), "node: ack end sync")
		default:
			return errors.Wrapf(wire.ErrInvalidData, "node: unexpected message %s during full sync", kind)
		}
	}
}

// receiveFile implements the node side of the per-file transfer
// protocol (spec.md §4.2, §4.6): if the local file already matches the
// announced hash it replies Skip, otherwise Ok and receives the
// content into a truncated file.
func (s *Session) receiveFile(c *conn.Conn, h wire.FileHeader) error {
	if err := pathsafe.Validate(h.Path); err != nil {
		return errors.Wrapf(err, "node: file header %q", h.Path)
	}
	abs, err := pathsafe.Resolve(s.sync.LocalPath, h.Path)
	if err != nil {
		return err
	}

	if matches(abs, h.Hash) {
		return errors.Wrap(c.Send(wire.Skip{}), "node: send skip")
	}

	if err := c.Send(wire.Ok{}); err != nil {
		return errors.Wrap(err, "node: send ok")
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errors.Wrapf(err, "node: mkdir for %q", h.Path)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "node: open %q for write", h.Path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.WithField("path", h.Path).WithError(cerr).Warn("could not close received file")
		}
	}()

	if err := c.RecvFile(f); err != nil {
		return errors.Wrapf(err, "node: receive content for %q", h.Path)
	}
	return errors.Wrap(c.Send(wire.Ok{}), "node: send final ok")
}

// matches reports whether the file at abs exists and its content
// digest equals hash, in which case the transfer can be skipped
// (spec.md §4.2).
func matches(abs, hash string) bool {
	f, err := os.Open(abs)
	if err != nil {
		return false
	}
	defer f.Close()
	got, err := digest.Hash(f)
	return err == nil && got == hash
}

// handleRemove validates m.Path (a protocol violation terminates the
// session without an Ok), then acknowledges and attempts the removal.
// Only a regular file is removed — a path that resolves to a directory
// is left alone, matching the original node's path.is_file() guard. A
// filesystem failure here is only a warning (spec.md §4.6): the Ok
// already went out to keep the stream aligned, and a future Rescan is
// relied on for reconciliation.
func (s *Session) handleRemove(c *conn.Conn, m wire.Remove) error {
	abs, err := pathsafe.Resolve(s.sync.LocalPath, m.Path)
	if err != nil {
		return errors.Wrapf(err, "node: remove %q", m.Path)
	}
	if err := c.Send(wire.Ok{}); err != nil {
		return errors.Wrap(err, "node: ack remove")
	}
	fi, err := os.Lstat(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("path", m.Path).WithError(err).Warn("could not stat file to remove")
		}
		return nil
	}
	if !fi.Mode().IsRegular() {
		log.WithField("path", m.Path).Warn("remove target is not a regular file, leaving it in place")
		return nil
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		log.WithField("path", m.Path).WithError(err).Warn("could not remove file")
	}
	return nil
}

// handleRename mirrors handleRemove: path validation is a session-ending
// protocol violation, a failed rename on disk is only a warning.
func (s *Session) handleRename(c *conn.Conn, m wire.Rename) error {
	oldAbs, err := pathsafe.Resolve(s.sync.LocalPath, m.Old)
	if err != nil {
		return errors.Wrapf(err, "node: rename old %q", m.Old)
	}
	newAbs, err := pathsafe.Resolve(s.sync.LocalPath, m.New)
	if err != nil {
		return errors.Wrapf(err, "node: rename new %q", m.New)
	}
	if err := c.Send(wire.Ok{}); err != nil {
		return errors.Wrap(err, "node: ack rename")
	}
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		log.WithField("path", m.New).WithError(err).Warn("could not create rename target directory")
		return nil
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		log.WithField("old", m.Old).WithField("new", m.New).WithError(err).Warn("could not rename file")
	}
	return nil
}
