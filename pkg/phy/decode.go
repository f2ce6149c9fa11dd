package phy

import (
	"errors"

	"github.com/go-osdp/osdp/pkg/securechannel"
)

var (
	ErrWrongAddress = errors.New("phy: packet not addressed to this PD")
	ErrSequence     = errors.New("phy: sequence number mismatch")
)

// ChainDirection picks which of a Session's two running MAC chains an
// Encode/Decode call advances: CMAC tracks CP->PD traffic, RMAC tracks
// PD->CP traffic. A CP encodes commands and decodes replies with
// ChainCtoP/ChainPtoC respectively; a PD does the opposite.
type ChainDirection int

const (
	ChainCtoP ChainDirection = iota // CP->PD, C-MAC
	ChainPtoC                       // PD->CP, R-MAC
)

func (d ChainDirection) next(sc *securechannel.Session, data []byte) ([16]byte, error) {
	if d == ChainCtoP {
		return sc.NextCMAC(data)
	}
	return sc.NextRMAC(data)
}

func (d ChainDirection) verify(sc *securechannel.Session, data []byte, mac [4]byte) error {
	if d == ChainCtoP {
		return sc.VerifyCMAC(data, mac)
	}
	return sc.VerifyRMAC(data, mac)
}

// peerMAC returns the running MAC of the opposite direction's chain
// (the peer's last MAC), used as the SCS_17/18 payload IV.
func (d ChainDirection) peerMAC(sc *securechannel.Session) [16]byte {
	if d == ChainCtoP {
		return sc.RMac
	}
	return sc.CMac
}

// Decode validates frame (already Check'd OK/Busy) against the
// expected bus address and sequence number, verifies and strips the
// MAC and decrypts the payload when a secure channel session is
// active, and returns the plaintext payload. dir names the chain the
// FRAME was sent on (a CP decoding a reply passes ChainPtoC).
//
// expectedSeq is the sequence number Decode requires unless
// skipSeqCheck is set, in which case sequence mismatches are ignored
// (pkg/pd always sets it and applies its own sequence policy).
func Decode(frame []byte, expectedAddr uint8, expectedSeq uint8, skipSeqCheck bool, sc *securechannel.Session, dir ChainDirection) ([]byte, Header, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, h, err
	}
	if !verifyIntegrity(frame, h) {
		return nil, h, ErrIntegrity
	}
	if h.Address != expectedAddr && h.Address != BroadcastAddr {
		return nil, h, ErrWrongAddress
	}
	if !skipSeqCheck && h.Seq != expectedSeq {
		return nil, h, ErrSequence
	}

	payload := frame[h.PayloadStart:h.PayloadEnd]
	if !h.MACPresent {
		return payload, h, nil
	}
	if sc == nil || !sc.Active {
		return nil, h, securechannel.ErrNotActive
	}

	// The IV for SCS_17/18 payload decryption is the peer's running MAC
	// (the opposite direction's chain), the same value the sender used.
	ivBefore := dir.peerMAC(sc)

	macData := frame[:h.PayloadEnd]
	if err := dir.verify(sc, macData, h.MAC); err != nil {
		return nil, h, err
	}

	if h.SecureBlockType == 0x17 || h.SecureBlockType == 0x18 {
		plain, err := sc.DecryptPayload(payload, ivBefore)
		if err != nil {
			return nil, h, err
		}
		return plain, h, nil
	}
	return payload, h, nil
}

// EncodeSecure builds a complete SC-protected frame: it optionally
// encrypts plaintext (sbType SCS_17/18), appends the secure block and
// payload, advances dir's MAC chain over the resulting wire bytes, and
// appends the truncated MAC plus the CRC/checksum trailer.
func EncodeSecure(addr, seq uint8, withMark, crcMode bool, sbType uint8, plaintext []byte, sc *securechannel.Session, dir ChainDirection) ([]byte, error) {
	b := Init(addr, seq, withMark, crcMode)
	b.AppendSecureBlock(sbType, nil)

	wirePayload := plaintext
	if sbType == 0x17 || sbType == 0x18 {
		ivBefore := dir.peerMAC(sc)
		ct, err := sc.EncryptPayload(plaintext, ivBefore)
		if err != nil {
			return nil, err
		}
		wirePayload = ct
	}
	b.AppendPayload(wirePayload)

	// PreMAC patches LEN/CTRL to their final values before the MAC is
	// computed: the MAC covers the header as it will actually go out on
	// the wire, not a zeroed placeholder, but it can never cover its own
	// trailer bytes.
	mac, err := dir.next(sc, b.PreMAC(4))
	if err != nil {
		return nil, err
	}
	trunc := securechannel.TruncateMAC(mac)
	return b.Finalize(&trunc), nil
}

// EncodePlain builds a complete frame with no secure block at all
// (used before the secure channel is active, or when SC is disabled).
func EncodePlain(addr, seq uint8, withMark, crcMode bool, payload []byte) []byte {
	b := Init(addr, seq, withMark, crcMode)
	b.AppendPayload(payload)
	return b.Finalize(nil)
}

// EncodeHandshake builds a frame carrying one of the SCS_11..14
// handshake secure block markers (no data of their own, SBLEN=2) with
// payload holding the command/reply code and handshake fields. These
// packets carry no MAC trailer.
func EncodeHandshake(addr, seq uint8, withMark, crcMode bool, sbType uint8, payload []byte) []byte {
	b := Init(addr, seq, withMark, crcMode)
	b.AppendSecureBlock(sbType, nil)
	b.AppendPayload(payload)
	return b.Finalize(nil)
}
