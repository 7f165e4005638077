package wire

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// The primitive encodings, all big-endian per spec.md §4.1.

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return errors.Wrap(err, "wire: write u8")
}

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read u8")
	}
	return b[0], nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "wire: write u32")
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read u32")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "wire: write u64")
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read u64")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return writeU8(w, b)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readU8(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "wire: write string body")
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "wire: read string body")
	}
	if !utf8.Valid(buf) {
		return "", errors.Wrap(ErrInvalidData, "wire: string is not valid UTF-8")
	}
	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeU32(w, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	ss := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}
