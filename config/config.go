// Package config defines the collaborator interface spec.md §6.2 names:
// { name, port, shares, syncs }; the signing function it also names
// lives in internal/sign, not here. Persistence
// format (interactive setup, TOML/KV editing) is out of scope — the
// core only consumes an already-populated *C. A minimal bufio
// key/value loader in the style of the teacher's config.Load is
// provided for tests and for cmd/mirra's own convenience, not as the
// canonical persistence mechanism.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Share is a module this peer serves authoritatively: { name,
// local_path } (spec.md §3).
type Share struct {
	Name      string
	LocalPath string

	// ArchiveDir and ArchiveS3Bucket optionally enable D1's
	// content-addressable archive for this share (SPEC_FULL.md); at
	// most one should be set. Both empty disables archiving.
	ArchiveDir      string
	ArchiveS3Bucket string
	ArchiveS3Region string
}

// Sync is a module this peer mirrors from a remote root: { name,
// remote_host, remote_port, local_path } (spec.md §3).
type Sync struct {
	Name       string
	RemoteHost string
	RemotePort int
	LocalPath  string
}

// C is the configuration the core consumes read-only for the lifetime
// of the daemon (spec.md §6.2, §5's "read-only after startup" shared
// resource).
type C struct {
	Name   string
	Port   int
	Shares map[string]Share
	Syncs  map[string]Sync
}

// ShareFor returns the share named name, if this peer serves it.
func (c *C) ShareFor(name string) (Share, bool) {
	s, ok := c.Shares[name]
	return s, ok
}

// SyncFor returns the sync named name, if this peer mirrors it.
func (c *C) SyncFor(name string) (Sync, bool) {
	s, ok := c.Syncs[name]
	return s, ok
}

// Load reads a minimal key/value configuration from r, in the style of
// the teacher's config.Load (one directive per line, "#" comments,
// blank lines ignored). This is a convenience for tests and cmd/mirra,
// not a specified wire or persistence format — interactive setup and
// TOML/KV persistence remain external collaborators (spec.md §1).
//
// Grammar:
//
//	name NAME
//	port PORT
//	share NAME LOCAL_PATH
//	sync NAME HOST PORT LOCAL_PATH
func Load(r io.Reader) (*C, error) {
	c := &C{Shares: map[string]Share{}, Syncs: map[string]Sync{}}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "name":
			if len(fields) != 2 {
				return nil, errors.Errorf("config: load: %q: want 1 argument", line)
			}
			c.Name = fields[1]
		case "port":
			if len(fields) != 2 {
				return nil, errors.Errorf("config: load: %q: want 1 argument", line)
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, errors.Wrapf(err, "config: load: %q", line)
			}
			c.Port = port
		case "share":
			if len(fields) != 3 {
				return nil, errors.Errorf("config: load: %q: want 2 arguments", line)
			}
			c.Shares[fields[1]] = Share{Name: fields[1], LocalPath: fields[2]}
		case "sync":
			if len(fields) != 5 {
				return nil, errors.Errorf("config: load: %q: want 4 arguments", line)
			}
			port, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, errors.Wrapf(err, "config: load: %q", line)
			}
			c.Syncs[fields[1]] = Sync{
				Name:       fields[1],
				RemoteHost: fields[2],
				RemotePort: port,
				LocalPath:  fields[4],
			}
		default:
			return nil, errors.Errorf("config: load: unknown directive %q", fields[0])
		}
	}
	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "config: load")
	}
	return c, nil
}

// ListenAddr is the address cmd/mirra listens on for incoming node
// connections.
func (c *C) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Port)
}
