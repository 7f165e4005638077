// Package wire implements the typed message framing used between a root
// and a node: a one-byte kind tag followed by the concatenation of the
// message's fields, all integers big-endian. See spec.md §6.1 for the
// kind table; the numbering there is load-bearing and must not change.
package wire

import "fmt"

// Kind identifies a message variant on the wire.
type Kind uint8

const (
	KindOk         Kind = 0x1
	KindClose      Kind = 0x2
	KindHandshake  Kind = 0x3
	KindNotFound   Kind = 0x4
	KindHeartbeat  Kind = 0x5
	KindBeginSync  Kind = 0x6
	KindEndSync    Kind = 0x7
	KindFileHeader Kind = 0x8
	KindFile       Kind = 0x9
	KindRemove     Kind = 0xA
	KindRename     Kind = 0xB
	KindSkip       Kind = 0xC
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "Ok"
	case KindClose:
		return "Close"
	case KindHandshake:
		return "Handshake"
	case KindNotFound:
		return "NotFound"
	case KindHeartbeat:
		return "Heartbeat"
	case KindBeginSync:
		return "BeginSync"
	case KindEndSync:
		return "EndSync"
	case KindFileHeader:
		return "FileHeader"
	case KindFile:
		return "File"
	case KindRemove:
		return "Remove"
	case KindRename:
		return "Rename"
	case KindSkip:
		return "Skip"
	default:
		return fmt.Sprintf("Kind(%#x)", uint8(k))
	}
}

// Valid reports whether k is one of the kinds in the table above.
func (k Kind) Valid() bool {
	switch k {
	case KindOk, KindClose, KindHandshake, KindNotFound, KindHeartbeat,
		KindBeginSync, KindEndSync, KindFileHeader, KindFile, KindRemove,
		KindRename, KindSkip:
		return true
	default:
		return false
	}
}
