// Package phy implements the OSDP physical-layer packet codec: frame
// marker detection, header parsing, CRC/checksum integrity, and
// secure-block framing (spec section 4.E).
//
// Grounded in shape on rob-gra/go-iecp5's cs104/apci.go link-layer
// framing (length-prefixed frames scanned out of a byte stream with an
// explicit "need more data" disposition) and on the teacher's
// BusManager send/receive plumbing, generalized from CAN frames to a
// variable-length serial frame with a trailing integrity code.
package phy

import (
	"encoding/binary"
	"errors"

	"github.com/go-osdp/osdp/internal/crc"
)

const (
	MarkByte byte = 0xFF
	SOMByte  byte = 0x53

	ReplyAddrBit  uint8 = 0x80
	AddressMask   uint8 = 0x7F
	BroadcastAddr uint8 = 0x7F

	ctrlSeqMask     uint8 = 0x03
	ctrlCRCPresent  uint8 = 0x04
	ctrlSBPresent   uint8 = 0x08

	// minHeaderLen is SOM+ADDR+LEN(2)+CTRL, not counting an optional
	// leading mark byte.
	minHeaderLen = 5
	// MaxFrameLen bounds a single frame (spec section 3, 256-byte
	// receive buffer).
	MaxFrameLen = 256
)

var (
	ErrTruncated    = errors.New("phy: frame truncated")
	ErrBadLength    = errors.New("phy: LEN field out of range")
	ErrNotSOM       = errors.New("phy: no SOM at expected position")
	ErrSecureBlock  = errors.New("phy: malformed secure block")
	ErrIntegrity    = errors.New("phy: CRC/checksum mismatch")
)

// CheckResult is the disposition Check returns after scanning a raw
// input buffer for a complete frame. CheckBusy restates the original
// "busy reply as positive integer 2" micro-optimization as a
// first-class disposition (spec section 9, design notes).
type CheckResult int

const (
	CheckNone CheckResult = iota
	CheckNeedMore
	CheckBadFormat
	CheckSkip
	CheckFailed
	CheckBusy
	CheckOK
)

func (r CheckResult) String() string {
	switch r {
	case CheckNone:
		return "none"
	case CheckNeedMore:
		return "need-more"
	case CheckBadFormat:
		return "bad-format"
	case CheckSkip:
		return "skip"
	case CheckFailed:
		return "check-failed"
	case CheckBusy:
		return "busy"
	case CheckOK:
		return "ok"
	default:
		return "unknown"
	}
}

// busyReplyCode is the PD->CP REPLY_BUSY command byte, recognised by
// Check without a full Decode so the CP can reschedule immediately.
const busyReplyCode = 0x79

// Check scans buf from the start for one complete frame.
//
//   - If buf is empty, returns (0, 0, CheckNone).
//   - If buf[0] is not a mark or SOM byte, returns (1, 0, CheckSkip):
//     the caller should drop one byte and call Check again.
//   - If a SOM is present but the header is incomplete, or the header
//     declares a length that is not yet fully buffered, returns
//     (0, 0, CheckNeedMore): never advance past an incomplete frame.
//   - If the declared LEN is out of range, returns (1, 0, CheckBadFormat).
//   - If the frame is complete but its CRC/checksum fails, returns
//     (frameLen, frameLen, CheckFailed).
//   - If the frame is complete, verifies, and is a REPLY_BUSY, returns
//     (frameLen, frameLen, CheckBusy).
//   - Otherwise returns (frameLen, frameLen, CheckOK).
func Check(buf []byte) (consumed int, frameLen int, result CheckResult) {
	if len(buf) == 0 {
		return 0, 0, CheckNone
	}

	i := 0
	if buf[0] == MarkByte {
		i = 1
	}
	if i >= len(buf) {
		return 0, 0, CheckNeedMore
	}
	if buf[i] != SOMByte {
		return 1, 0, CheckSkip
	}
	if len(buf)-i < minHeaderLen {
		return 0, 0, CheckNeedMore
	}

	lenOff := i + 2
	total := int(binary.LittleEndian.Uint16(buf[lenOff : lenOff+2]))
	if total < minHeaderLen+1 || i+total > MaxFrameLen {
		return 1, 0, CheckBadFormat
	}
	frameLen = i + total
	if len(buf) < frameLen {
		return 0, 0, CheckNeedMore
	}

	frame := buf[:frameLen]
	hdr, err := ParseHeader(frame)
	if err != nil {
		return frameLen, frameLen, CheckBadFormat
	}
	if !verifyIntegrity(frame, hdr) {
		return frameLen, frameLen, CheckFailed
	}
	if hdr.PayloadEnd > hdr.PayloadStart && frame[hdr.PayloadStart] == busyReplyCode {
		return frameLen, frameLen, CheckBusy
	}
	return frameLen, frameLen, CheckOK
}

// Header is the parsed result of a frame's fixed fields, valid once
// Check has returned CheckOK/CheckBusy for the same bytes.
type Header struct {
	HasMark         bool
	Address         uint8 // 7-bit bus address, reply bit stripped
	IsReply         bool
	Seq             uint8
	CRCMode         bool
	SecurePresent   bool
	SecureBlockType uint8
	SecureBlockData []byte // aliases frame
	MACPresent      bool
	MAC             [4]byte
	PayloadStart    int
	PayloadEnd      int // exclusive, start of MAC (if present) or integrity trailer
	TrailerLen      int
}

// macBearingSecureBlockTypes are the secure-block types whose packets
// carry a 4-byte MAC trailer ahead of the CRC/checksum (spec section
// 4.F): SCS_15/16 (MAC only) and SCS_17/18 (MAC + encrypted payload).
// The handshake types SCS_11..14 never carry a MAC.
func macBearing(sbType uint8) bool { return sbType >= 0x15 && sbType <= 0x18 }

// ParseHeader parses frame's fixed header and, if present, its secure
// block. It does not verify integrity; call verifyIntegrity or Decode
// for that.
func ParseHeader(frame []byte) (Header, error) {
	var h Header
	i := 0
	if len(frame) > 0 && frame[0] == MarkByte {
		h.HasMark = true
		i = 1
	}
	if len(frame)-i < minHeaderLen {
		return h, ErrTruncated
	}
	if frame[i] != SOMByte {
		return h, ErrNotSOM
	}
	rawAddr := frame[i+1]
	h.IsReply = rawAddr&ReplyAddrBit != 0
	h.Address = rawAddr & AddressMask

	total := int(binary.LittleEndian.Uint16(frame[i+2 : i+4]))
	if i+total != len(frame) {
		return h, ErrBadLength
	}

	ctrl := frame[i+4]
	h.Seq = ctrl & ctrlSeqMask
	h.CRCMode = ctrl&ctrlCRCPresent != 0
	h.SecurePresent = ctrl&ctrlSBPresent != 0

	h.TrailerLen = 1
	if h.CRCMode {
		h.TrailerLen = 2
	}

	cursor := i + 5
	if h.SecurePresent {
		if cursor+2 > len(frame) {
			return h, ErrSecureBlock
		}
		sbLen := int(frame[cursor])
		sbType := frame[cursor+1]
		if sbLen < 2 || cursor+sbLen > len(frame) {
			return h, ErrSecureBlock
		}
		h.SecureBlockType = sbType
		h.SecureBlockData = frame[cursor+2 : cursor+sbLen]
		cursor += sbLen
	}

	h.MACPresent = h.SecurePresent && macBearing(h.SecureBlockType)
	macLen := 0
	if h.MACPresent {
		macLen = 4
	}
	if cursor+macLen+h.TrailerLen > len(frame) {
		return h, ErrTruncated
	}
	h.PayloadStart = cursor
	h.PayloadEnd = len(frame) - h.TrailerLen - macLen
	if h.MACPresent {
		copy(h.MAC[:], frame[h.PayloadEnd:h.PayloadEnd+4])
	}
	return h, nil
}

func verifyIntegrity(frame []byte, h Header) bool {
	i := 0
	if h.HasMark {
		i = 1
	}
	body := frame[i : len(frame)-h.TrailerLen]
	trailer := frame[len(frame)-h.TrailerLen:]
	if h.CRCMode {
		want := binary.LittleEndian.Uint16(trailer)
		return crc.Compute(body) == want
	}
	return crc.Checksum8(body) == trailer[0]
}

// VerifyIntegrity re-validates frame's trailer against its parsed
// header; exported for callers that parsed the header separately from
// Check (e.g. after reassembling a frame by hand in tests).
func VerifyIntegrity(frame []byte, h Header) bool { return verifyIntegrity(frame, h) }
