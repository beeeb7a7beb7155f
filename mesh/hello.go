package mesh

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"github.com/oasisprotocol/ed25519"
	"golang.org/x/crypto/blake2b"
)

// HelloSize is the wire size of a hello packet.
const HelloSize = 4 + 1 + ed25519.PublicKeySize + ed25519.SignatureSize

// HelloPacket introduces a party right after the transport handshake: who
// it claims to be, which role it took on the channel, and a signature
// proving it holds the key it advertises.
type HelloPacket struct {
	PartyID   uint32
	Server    bool
	PubKey    ed25519.PublicKey
	Signature []byte
}

func (h HelloPacket) AppendPayloadTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, h.PartyID)
	if h.Server {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = append(dst, h.PubKey...)
	return dst
}

func (h HelloPacket) AppendTo(dst []byte) []byte {
	dst = h.AppendPayloadTo(dst)
	dst = append(dst, h.Signature...)
	return dst
}

// Sign fills in the signature over the packet payload.
func (h HelloPacket) Sign(priv ed25519.PrivateKey) HelloPacket {
	h.Signature = ed25519.Sign(priv, h.AppendPayloadTo(nil))
	return h
}

func UnmarshalHelloPacket(buf []byte) (HelloPacket, error) {
	var pkt HelloPacket

	if len(buf) < HelloSize {
		return pkt, io.ErrUnexpectedEOF
	}

	pkt.PartyID, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	pkt.Server, buf = buf[0] == 1, buf[1:]

	pkt.PubKey = make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pkt.PubKey, buf[:ed25519.PublicKeySize])
	buf = buf[ed25519.PublicKeySize:]

	pkt.Signature = make([]byte, ed25519.SignatureSize)
	copy(pkt.Signature, buf[:ed25519.SignatureSize])

	return pkt, nil
}

func (h HelloPacket) Validate() error {
	if len(h.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("hello public key is %d bytes, want %d", len(h.PubKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(h.PubKey, h.AppendPayloadTo(nil), h.Signature) {
		return errors.New("hello signature is malformed")
	}
	return nil
}

// Fingerprint derives a short stable identifier from a party's public key,
// for logs and for pinning checks.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
