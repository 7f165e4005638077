// Package conn implements the connection object (C4): typed send/receive
// of protocol messages and files on top of the wire codec, owning one
// bytestream end to end (spec.md §4.4).
package conn

import (
	"bufio"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"

	"github.com/nicolagi/mirra/internal/wire"
)

const chunkSize = 4096

// Conn wraps a single reliable ordered bytestream (almost always a
// net.Conn) with the typed message operations sessions need. It is not
// safe for concurrent use: spec.md's transfer invariant is that at most
// one message, and at most one file, is in flight per connection at a
// time.
type Conn struct {
	peer string
	rwc  io.ReadWriteCloser
	r    *bufio.Reader

	// moduleDir is the server-side negotiated module's canonicalized
	// absolute directory, bound once after a successful handshake
	// (spec.md §3's Connection state invariant).
	moduleDir string
}

// New wraps rwc, an already-established bytestream, for typed framing.
// peer is a human-readable address used only for logging.
func New(rwc io.ReadWriteCloser, peer string) *Conn {
	return &Conn{peer: peer, rwc: rwc, r: bufio.NewReader(rwc)}
}

// Dial connects to address over network and wraps the resulting
// net.Conn.
func Dial(network, address string) (*Conn, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "conn: dial")
	}
	return New(c, c.RemoteAddr().String()), nil
}

// PeerAddr returns the peer address recorded at construction time.
func (c *Conn) PeerAddr() string { return c.peer }

// ModuleDir returns the server-side bound module directory, or "" if
// no handshake has completed yet.
func (c *Conn) ModuleDir() string { return c.moduleDir }

// BindModuleDir records the negotiated module's absolute directory.
// It may be called at most once per connection (spec.md §3).
func (c *Conn) BindModuleDir(dir string) error {
	if c.moduleDir != "" {
		return errors.Errorf("conn: module directory already bound to %q", c.moduleDir)
	}
	c.moduleDir = dir
	return nil
}

// PeekKind reads the next message's kind tag without consuming it.
func (c *Conn) PeekKind() (wire.Kind, error) {
	b, err := c.r.Peek(1)
	if err != nil {
		return 0, errors.Wrap(err, "conn: peek kind")
	}
	k := wire.Kind(b[0])
	if !k.Valid() {
		return 0, errors.Wrapf(wire.ErrInvalidData, "conn: unknown kind %#x", b[0])
	}
	return k, nil
}

// RecvUnchecked consumes the next message, whatever its kind.
func (c *Conn) RecvUnchecked() (wire.Message, error) {
	kind, err := wire.ReadKind(c.r)
	if err != nil {
		return nil, errors.Wrap(err, "conn: recv kind")
	}
	m, err := wire.DecodeBody(c.r, kind)
	return m, errors.Wrap(err, "conn: recv body")
}

// Recv consumes the next message and fails with wire.ErrInvalidData if
// its kind is not want.
func (c *Conn) Recv(want wire.Kind) (wire.Message, error) {
	kind, err := wire.ReadKind(c.r)
	if err != nil {
		return nil, errors.Wrap(err, "conn: recv kind")
	}
	if kind != want {
		return nil, errors.Wrapf(wire.ErrInvalidData, "conn: expected %s, got %s", want, kind)
	}
	m, err := wire.DecodeBody(c.r, kind)
	return m, errors.Wrap(err, "conn: recv body")
}

// Send writes m's kind tag and body.
func (c *Conn) Send(m wire.Message) error {
	return errors.Wrap(wire.Encode(c.rwc, m), "conn: send")
}

// SendFile writes the File kind tag, the file's current size, then
// streams its content in chunkSize reads. The file must be locked (or
// otherwise known stable) across the call and the digest.Hash call that
// preceded it, per spec.md §4.2's contract.
func (c *Conn) SendFile(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "conn: stat file")
	}
	if err := wire.Encode(c.rwc, wire.File{Size: uint64(fi.Size())}); err != nil {
		return errors.Wrap(err, "conn: send file header")
	}
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(c.rwc, io.LimitReader(f, fi.Size()), buf); err != nil {
		return errors.Wrap(err, "conn: stream file content")
	}
	return nil
}

// RecvFile expects the next message to be a File, reads its declared
// size, and copies exactly that many bytes into dst. Per spec.md §9's
// hardened resolution of the short-read open question, a transfer that
// ends before size bytes have arrived is a hard failure rather than a
// silent truncation.
func (c *Conn) RecvFile(dst *os.File) error {
	m, err := c.Recv(wire.KindFile)
	if err != nil {
		return err
	}
	fm := m.(wire.File)
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(dst, io.LimitReader(c.r, int64(fm.Size)), buf)
	if err != nil {
		return errors.Wrap(err, "conn: recv file content")
	}
	if uint64(n) != fm.Size {
		return errors.Wrapf(io.ErrUnexpectedEOF, "conn: recv file: got %d of %d declared bytes", n, fm.Size)
	}
	return nil
}

// Close sends Close and awaits a Close reply, then closes the
// underlying bytestream.
func (c *Conn) Close() error {
	if err := c.Send(wire.Close{}); err != nil {
		_ = c.rwc.Close()
		return err
	}
	_, err := c.Recv(wire.KindClose)
	closeErr := c.rwc.Close()
	if err != nil {
		return err
	}
	return errors.Wrap(closeErr, "conn: close bytestream")
}

// CloseNow closes the underlying bytestream without the Close
// handshake, for use after a protocol or I/O error where the peer
// cannot be expected to respond.
func (c *Conn) CloseNow() error {
	return errors.Wrap(c.rwc.Close(), "conn: close bytestream")
}
