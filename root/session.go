// Package root implements the root-side session state machine (C5):
// handshake, initial full sync, then an indefinite live-update loop
// driven by a watch bridge (spec.md §4.9's three-phase description of
// the root side). One Session serves every accepted connection; the
// per-connection state lives in each Serve call.
package root

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nicolagi/mirra/config"
	"github.com/nicolagi/mirra/internal/archive"
	"github.com/nicolagi/mirra/internal/conn"
	"github.com/nicolagi/mirra/internal/digest"
	"github.com/nicolagi/mirra/internal/filelock"
	"github.com/nicolagi/mirra/internal/pathsafe"
	"github.com/nicolagi/mirra/internal/sign"
	"github.com/nicolagi/mirra/internal/walk"
	"github.com/nicolagi/mirra/internal/watch"
	"github.com/nicolagi/mirra/internal/wire"
)

var log = logrus.WithField("component", "root")

// heartbeatInterval is how often a root, absent any other traffic,
// sends a Heartbeat during the live-update phase (spec.md §4.9).
const heartbeatInterval = 20 * time.Second

// Session drives accepted connections from handshake through
// indefinite live updates, one negotiated share per connection. A
// single Session may serve many connections concurrently.
type Session struct {
	cfg    *config.C
	signer sign.Signer
	stores map[string]archive.Store // by share name; a share absent here archives nothing.
}

// New returns a Session that dispatches handshakes against cfg's
// shares, signing every FileHeader with signer. Each share's archive
// store (if any) is resolved once, up front, from its own
// ArchiveDir/ArchiveS3Bucket configuration (SPEC_FULL.md D1: archiving
// is wholly optional per share, not a single daemon-wide store).
func New(cfg *config.C, signer sign.Signer) *Session {
	stores := make(map[string]archive.Store, len(cfg.Shares))
	for name, share := range cfg.Shares {
		switch {
		case share.ArchiveDir != "":
			stores[name] = archive.NewDiskStore(share.ArchiveDir)
		case share.ArchiveS3Bucket != "":
			stores[name] = archive.NewS3Store("", share.ArchiveS3Region, share.ArchiveS3Bucket)
		}
	}
	return &Session{cfg: cfg, signer: signer, stores: stores}
}

// Serve drives c to completion: handshake, then (if the requested
// module exists) a full sync followed by live updates until the peer
// disconnects or ctx is done. Serve always closes c before returning.
func (s *Session) Serve(ctx context.Context, c *conn.Conn) error {
	entry := log.WithField("peer", c.PeerAddr())
	moduleDir, store, ok, err := s.handshake(c)
	if err != nil {
		_ = c.CloseNow()
		return err
	}
	if !ok {
		entry.Info("handshake: connection ended before a known module was named")
		return errors.Wrap(c.CloseNow(), "root: close connection")
	}
	entry = entry.WithField("module_dir", moduleDir)

	b, err := watch.Start(moduleDir)
	if err != nil {
		_ = c.CloseNow()
		return errors.Wrap(err, "root: start watch bridge")
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			entry.WithError(cerr).Warn("could not close watch bridge")
		}
	}()

	if err := s.fullSync(moduleDir, store, c); err != nil {
		_ = c.CloseNow()
		return err
	}
	entry.Info("full sync complete, entering live-update phase")

	return s.liveUpdates(ctx, moduleDir, store, c, b)
}

// handshake repeatedly accepts Handshake attempts — replying NotFound
// and looping on a miss — until one resolves against the configured
// shares or the peer sends Close (spec.md §4.5 phase 1). The bool
// return is false (with a nil error) only when the peer closed
// cleanly without ever naming a module this root serves. The returned
// store is the negotiated share's own archive store (nil if it has
// none), never a store belonging to a different share.
func (s *Session) handshake(c *conn.Conn) (string, archive.Store, bool, error) {
	for {
		kind, err := c.PeekKind()
		if err != nil {
			return "", nil, false, errors.Wrap(err, "root: peek kind")
		}
		switch kind {
		case wire.KindHandshake:
			m, err := c.Recv(wire.KindHandshake)
			if err != nil {
				return "", nil, false, errors.Wrap(err, "root: recv handshake")
			}
			hs := m.(wire.Handshake)

			share, ok := s.cfg.ShareFor(hs.Module)
			if !ok {
				if err := c.Send(wire.NotFound{}); err != nil {
					return "", nil, false, errors.Wrap(err, "root: send not found")
				}
				continue
			}

			dir, err := filepath.Abs(share.LocalPath)
			if err != nil {
				return "", nil, false, errors.Wrapf(err, "root: resolve share %q", share.Name)
			}
			dir, err = filepath.EvalSymlinks(dir)
			if err != nil {
				return "", nil, false, errors.Wrapf(err, "root: canonicalize share %q", share.Name)
			}
			if err := c.BindModuleDir(dir); err != nil {
				return "", nil, false, err
			}
			if err := c.Send(wire.Ok{}); err != nil {
				return "", nil, false, errors.Wrap(err, "root: send ok")
			}
			return dir, s.stores[share.Name], true, nil
		case wire.KindClose:
			if _, err := c.Recv(wire.KindClose); err != nil {
				return "", nil, false, errors.Wrap(err, "root: recv close")
			}
			return "", nil, false, errors.Wrap(c.Send(wire.Close{}), "root: ack close")
		default:
			return "", nil, false, errors.Wrapf(wire.ErrInvalidData, "root: unexpected message %s during handshake", kind)
		}
	}
}

// fullSync walks moduleDir, sending BeginSync, one FileHeader (plus an
// optional File) per regular file, then EndSync (spec.md §4.9 phase
// 2).
func (s *Session) fullSync(moduleDir string, store archive.Store, c *conn.Conn) error {
	if err := c.Send(wire.BeginSync{}); err != nil {
		return errors.Wrap(err, "root: send begin sync")
	}
	if _, err := c.Recv(wire.KindOk); err != nil {
		return errors.Wrap(err, "root: recv ok for begin sync")
	}
	err := walk.Walk(moduleDir, func(absolute string) error {
		rel, err := pathsafe.ToSlash(moduleDir, absolute)
		if err != nil {
			return err
		}
		return s.sendFile(c, store, moduleDir, rel)
	})
	if err != nil {
		return err
	}
	if err := c.Send(wire.EndSync{}); err != nil {
		return errors.Wrap(err, "root: send end sync")
	}
	return errors.Wrap(firstErr(c.Recv(wire.KindOk)), "root: recv ok for end sync")
}

// firstErr discards a recv's decoded message, keeping only the error,
// for call sites that only care whether the expected reply arrived.
func firstErr(_ wire.Message, err error) error { return err }

// sendFile implements the per-file transfer protocol (spec.md §4.2):
// lock, hash, sign, announce via FileHeader, then stream the content
// unless the node already has it (Skip) or the session is ending
// (Close).
func (s *Session) sendFile(c *conn.Conn, store archive.Store, moduleDir, rel string) error {
	abs, err := pathsafe.Resolve(moduleDir, rel)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrapf(err, "root: open %q", rel)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.WithField("path", rel).WithError(cerr).Warn("could not close file")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := filelock.Lock(ctx, f); err != nil {
		return errors.Wrapf(err, "root: lock %q", rel)
	}
	defer func() {
		if uerr := filelock.Unlock(f); uerr != nil {
			log.WithField("path", rel).WithError(uerr).Warn("could not unlock file")
		}
	}()

	hash, err := digest.Hash(f)
	if err != nil {
		return errors.Wrapf(err, "root: hash %q", rel)
	}

	if store != nil {
		if _, err := f.Seek(0, 0); err == nil {
			if data, err := os.ReadFile(abs); err == nil {
				if err := store.Put(archive.Key(hash), data); err != nil {
					log.WithField("path", rel).WithError(err).Warn("could not archive file content")
				}
			}
			_, _ = f.Seek(0, 0)
		}
	}

	cert := ""
	if s.signer != nil {
		cert, err = s.signer.Sign(hash)
		if err != nil {
			return errors.Wrapf(err, "root: sign %q", rel)
		}
	}

	if err := c.Send(wire.FileHeader{Path: rel, Hash: hash, Cert: cert}); err != nil {
		return errors.Wrap(err, "root: send file header")
	}

	kind, err := c.PeekKind()
	if err != nil {
		return errors.Wrap(err, "root: peek response to file header")
	}
	switch kind {
	case wire.KindSkip:
		_, err := c.Recv(wire.KindSkip)
		return errors.Wrap(err, "root: recv skip")
	case wire.KindOk:
		if _, err := c.Recv(wire.KindOk); err != nil {
			return errors.Wrap(err, "root: recv ok")
		}
		if err := c.SendFile(f); err != nil {
			return errors.Wrapf(err, "root: send file content %q", rel)
		}
		return errors.Wrap(firstErr(c.Recv(wire.KindOk)), "root: recv ok after file content")
	case wire.KindClose:
		return nil
	default:
		return errors.Wrapf(wire.ErrInvalidData, "root: unexpected response %s to file header", kind)
	}
}

// liveUpdates runs the indefinite phase 3 loop: filesystem events from
// b become FileHeader/Remove/Rename messages, and the connection is
// kept alive with a periodic Heartbeat when otherwise idle (spec.md
// §4.9 phase 3).
func (s *Session) liveUpdates(ctx context.Context, moduleDir string, store archive.Store, c *conn.Conn, b *watch.Bridge) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(c.CloseNow(), "root: close connection")
		case ev, ok := <-b.Events():
			if !ok {
				return errors.Wrap(c.CloseNow(), "root: close connection")
			}
			if err := s.applyEvent(c, moduleDir, store, ev); err != nil {
				_ = c.CloseNow()
				return err
			}
			ticker.Reset(heartbeatInterval)
		case <-ticker.C:
			if err := c.Send(wire.Heartbeat{}); err != nil {
				_ = c.CloseNow()
				return errors.Wrap(err, "root: send heartbeat")
			}
			kind, err := c.PeekKind()
			if err != nil {
				_ = c.CloseNow()
				return errors.Wrap(err, "root: peek heartbeat reply")
			}
			switch kind {
			case wire.KindOk:
				if _, err := c.Recv(wire.KindOk); err != nil {
					_ = c.CloseNow()
					return errors.Wrap(err, "root: recv heartbeat ok")
				}
			case wire.KindClose:
				if _, err := c.Recv(wire.KindClose); err != nil {
					_ = c.CloseNow()
					return errors.Wrap(err, "root: recv close")
				}
				if err := c.Send(wire.Close{}); err != nil {
					_ = c.CloseNow()
					return errors.Wrap(err, "root: ack close")
				}
				return errors.Wrap(c.CloseNow(), "root: close connection")
			default:
				_ = c.CloseNow()
				return errors.Wrapf(wire.ErrInvalidData, "root: unexpected heartbeat reply %s", kind)
			}
		}
	}
}

func (s *Session) applyEvent(c *conn.Conn, moduleDir string, store archive.Store, ev watch.Event) error {
	switch ev.Kind {
	case watch.Create, watch.Write:
		rel, err := pathsafe.ToSlash(moduleDir, ev.Path)
		if err != nil {
			return err
		}
		fi, err := os.Stat(ev.Path)
		if err != nil || !fi.Mode().IsRegular() {
			return nil // vanished or not a regular file by the time we got here.
		}
		return s.sendFile(c, store, moduleDir, rel)
	case watch.Remove:
		rel, err := pathsafe.ToSlash(moduleDir, ev.Path)
		if err != nil {
			return err
		}
		if err := c.Send(wire.Remove{Path: rel}); err != nil {
			return errors.Wrap(err, "root: send remove")
		}
		return errors.Wrap(firstErr(c.Recv(wire.KindOk)), "root: recv ok for remove")
	case watch.Rename:
		oldRel, err := pathsafe.ToSlash(moduleDir, ev.Old)
		if err != nil {
			return err
		}
		newRel, err := pathsafe.ToSlash(moduleDir, ev.Path)
		if err != nil {
			return err
		}
		if err := c.Send(wire.Rename{Old: oldRel, New: newRel}); err != nil {
			return errors.Wrap(err, "root: send rename")
		}
		return errors.Wrap(firstErr(c.Recv(wire.KindOk)), "root: recv ok for rename")
	case watch.Rescan:
		return s.fullSync(moduleDir, store, c)
	case watch.Error:
		log.Warn("watch bridge reported an error event")
		return nil
	default:
		return nil
	}
}
