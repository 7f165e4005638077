package wire

import (
	"io"

	"github.com/pkg/errors"
)

// Message is a decoded protocol message: a kind tag plus its fields.
// Concrete types below correspond 1:1 to the table in spec.md §6.1.
type Message interface {
	Kind() Kind
	encodeBody(w io.Writer) error
}

type Ok struct{}

func (Ok) Kind() Kind                 { return KindOk }
func (Ok) encodeBody(io.Writer) error { return nil }

type Close struct{}

func (Close) Kind() Kind                 { return KindClose }
func (Close) encodeBody(io.Writer) error { return nil }

type Handshake struct {
	Module string
}

func (Handshake) Kind() Kind { return KindHandshake }
func (m Handshake) encodeBody(w io.Writer) error {
	return writeString(w, m.Module)
}

type NotFound struct{}

func (NotFound) Kind() Kind                 { return KindNotFound }
func (NotFound) encodeBody(io.Writer) error { return nil }

type Heartbeat struct{}

func (Heartbeat) Kind() Kind                 { return KindHeartbeat }
func (Heartbeat) encodeBody(io.Writer) error { return nil }

type BeginSync struct{}

func (BeginSync) Kind() Kind                 { return KindBeginSync }
func (BeginSync) encodeBody(io.Writer) error { return nil }

type EndSync struct{}

func (EndSync) Kind() Kind                 { return KindEndSync }
func (EndSync) encodeBody(io.Writer) error { return nil }

// FileHeader announces a file's identity and content digest ahead of an
// optional File transfer. Field names here follow spec.md's wire table
// (path, hash, cert); the data-model name for the same triple is
// FileHeader{relative_path, content_hash, signature} (spec.md §3).
type FileHeader struct {
	Path string
	Hash string
	Cert string
}

func (FileHeader) Kind() Kind { return KindFileHeader }
func (m FileHeader) encodeBody(w io.Writer) error {
	if err := writeString(w, m.Path); err != nil {
		return err
	}
	if err := writeString(w, m.Hash); err != nil {
		return err
	}
	return writeString(w, m.Cert)
}

// File carries a size followed by that many bytes of file content. The
// content is not buffered into this struct: Conn streams it directly
// to/from disk (see internal/conn). File.Size is the declared length
// used to frame the streamed transfer.
type File struct {
	Size uint64
}

func (File) Kind() Kind { return KindFile }
func (m File) encodeBody(w io.Writer) error {
	return writeU64(w, m.Size)
}

type Remove struct {
	Path string
}

func (Remove) Kind() Kind { return KindRemove }
func (m Remove) encodeBody(w io.Writer) error {
	return writeString(w, m.Path)
}

type Rename struct {
	Old string
	New string
}

func (Rename) Kind() Kind { return KindRename }
func (m Rename) encodeBody(w io.Writer) error {
	if err := writeString(w, m.Old); err != nil {
		return err
	}
	return writeString(w, m.New)
}

type Skip struct{}

func (Skip) Kind() Kind                 { return KindSkip }
func (Skip) encodeBody(io.Writer) error { return nil }

// Encode writes m's kind byte followed by its body to w.
func Encode(w io.Writer, m Message) error {
	if err := writeU8(w, uint8(m.Kind())); err != nil {
		return err
	}
	return m.encodeBody(w)
}

// DecodeBody decodes a message body for the given kind, assuming the
// kind byte has already been consumed (this is recv_unchecked in
// spec.md §4.4 terms: the caller already knows, or doesn't care, what
// kind to expect).
func DecodeBody(r io.Reader, kind Kind) (Message, error) {
	switch kind {
	case KindOk:
		return Ok{}, nil
	case KindClose:
		return Close{}, nil
	case KindHandshake:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return Handshake{Module: s}, nil
	case KindNotFound:
		return NotFound{}, nil
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindBeginSync:
		return BeginSync{}, nil
	case KindEndSync:
		return EndSync{}, nil
	case KindFileHeader:
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		hash, err := readString(r)
		if err != nil {
			return nil, err
		}
		cert, err := readString(r)
		if err != nil {
			return nil, err
		}
		return FileHeader{Path: path, Hash: hash, Cert: cert}, nil
	case KindFile:
		size, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return File{Size: size}, nil
	case KindRemove:
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		return Remove{Path: path}, nil
	case KindRename:
		old, err := readString(r)
		if err != nil {
			return nil, err
		}
		n, err := readString(r)
		if err != nil {
			return nil, err
		}
		return Rename{Old: old, New: n}, nil
	case KindSkip:
		return Skip{}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidData, "wire: unknown kind %#x", uint8(kind))
	}
}

// ReadKind reads exactly one byte and maps it to a Kind, the peek_kind
// operation of spec.md §4.4 (the byte is consumed, not actually peeked
// — a reimplementation needs a one-message lookahead buffer if true
// peeking without consumption is required; Conn provides that).
func ReadKind(r io.Reader) (Kind, error) {
	b, err := readU8(r)
	if err != nil {
		return 0, err
	}
	k := Kind(b)
	if !k.Valid() {
		return 0, errors.Wrapf(ErrInvalidData, "wire: unknown kind %#x", b)
	}
	return k, nil
}
