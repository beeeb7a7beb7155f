package netio

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/lithdew/bytesutil"
	"golang.org/x/crypto/blake2b"
)

// MsgIDSize is the wire size of a message identifier.
const MsgIDSize = 16

// MsgID distinguishes concurrently in-flight logical messages on one
// connection. It is opaque to this layer: comparable, totally ordered, and
// fixed-width on the wire. No two in-flight messages on a connection may
// share an id; reuse after delivery is fine.
type MsgID [MsgIDSize]byte

// ZeroMsgID addresses the connection's default buffer rather than a tagged
// message stream.
var ZeroMsgID MsgID

// NewMsgID packs a composite (party, round, tag) key into an identifier.
func NewMsgID(party uint32, round uint32, tag uint64) MsgID {
	var id MsgID
	b := bytesutil.AppendUint32BE(id[:0], party)
	b = bytesutil.AppendUint32BE(b, round)
	bytesutil.AppendUint64BE(b, tag)
	return id
}

// NamedMsgID hashes an arbitrary label into the identifier keyspace. Useful
// for well-known control streams that carry no round structure.
func NamedMsgID(label string) MsgID {
	sum := blake2b.Sum256([]byte(label))
	var id MsgID
	copy(id[:], sum[:MsgIDSize])
	return id
}

func (id MsgID) IsZero() bool { return id == ZeroMsgID }

// Compare orders identifiers lexicographically.
func (id MsgID) Compare(other MsgID) int { return bytes.Compare(id[:], other[:]) }

func (id MsgID) String() string { return hex.EncodeToString(id[:]) }

func (id MsgID) AppendTo(dst []byte) []byte { return append(dst, id[:]...) }

func UnmarshalMsgID(buf []byte) (MsgID, []byte, error) {
	var id MsgID
	if len(buf) < MsgIDSize {
		return id, buf, io.ErrUnexpectedEOF
	}
	copy(id[:], buf[:MsgIDSize])
	return id, buf[MsgIDSize:], nil
}
