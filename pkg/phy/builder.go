package phy

import (
	"encoding/binary"

	"github.com/go-osdp/osdp/internal/crc"
)

// Builder assembles one outgoing frame: Init reserves header space,
// callers append an optional secure block and the payload, and
// Finalize patches LEN/CTRL and appends the MAC trailer (if any) and
// the CRC/checksum trailer.
type Builder struct {
	buf       []byte
	somOffset int
	lenOffset int
	ctrlOffset int
	addr      uint8
	seq       uint8
	crcMode   bool
	sbPresent bool
}

// Init starts a new frame addressed to addr (reply bit set by the
// caller via addr|phy.ReplyAddrBit on the PD side) with sequence number
// seq, optionally prefixed with the 0xFF mark byte, optionally using
// CRC-16 instead of the 8-bit checksum. It returns the Builder ready
// for AppendSecureBlock/AppendPayload.
func Init(addr uint8, seq uint8, withMark bool, crcMode bool) *Builder {
	b := &Builder{addr: addr, seq: seq, crcMode: crcMode}
	if withMark {
		b.buf = append(b.buf, MarkByte)
	}
	b.somOffset = len(b.buf)
	b.buf = append(b.buf, SOMByte, addr, 0, 0, 0) // ADDR, LEN(2, placeholder), CTRL(placeholder)
	b.lenOffset = b.somOffset + 2
	b.ctrlOffset = b.somOffset + 4
	return b
}

// AppendSecureBlock writes [SBLEN][SBTYPE][data...] immediately after
// the header and marks the CTRL secure-block-present bit.
func (b *Builder) AppendSecureBlock(sbType uint8, data []byte) *Builder {
	b.sbPresent = true
	sbLen := byte(2 + len(data))
	b.buf = append(b.buf, sbLen, sbType)
	b.buf = append(b.buf, data...)
	return b
}

// AppendPayload appends the command/reply payload bytes.
func (b *Builder) AppendPayload(data []byte) *Builder {
	b.buf = append(b.buf, data...)
	return b
}

// Len reports the number of bytes written so far, including the
// header but excluding any trailer that Finalize has not yet appended.
func (b *Builder) Len() int { return len(b.buf) }

// patchHeader writes LEN and CTRL to their final values given that the
// frame will end up carrying macLen additional MAC-trailer bytes after
// the bytes written so far. It is idempotent: calling it again with the
// same macLen after appending exactly macLen bytes reproduces the same
// LEN/CTRL.
func (b *Builder) patchHeader(macLen int) {
	trailerLen := 1
	if b.crcMode {
		trailerLen = 2
	}
	total := len(b.buf) - b.somOffset + macLen + trailerLen
	binary.LittleEndian.PutUint16(b.buf[b.lenOffset:b.lenOffset+2], uint16(total))

	ctrl := b.seq & ctrlSeqMask
	if b.crcMode {
		ctrl |= ctrlCRCPresent
	}
	if b.sbPresent {
		ctrl |= ctrlSBPresent
	}
	b.buf[b.ctrlOffset] = ctrl
}

// PreMAC patches LEN/CTRL to their final values -- accounting for the
// macLen bytes of MAC trailer the caller is about to append -- and
// returns the header+secure-block+payload bytes the MAC must cover.
// The MAC itself can never cover its own trailer bytes, so this must be
// called, and its result fed to the MAC chain, before the MAC is
// appended.
func (b *Builder) PreMAC(macLen int) []byte {
	b.patchHeader(macLen)
	return b.buf
}

// Finalize appends mac (if non-nil, the truncated wire MAC for an SC
// packet) and the CRC/checksum trailer, patches LEN and CTRL if PreMAC
// was not already called with the matching macLen, and returns the
// complete frame.
func (b *Builder) Finalize(mac *[4]byte) []byte {
	macLen := 0
	if mac != nil {
		macLen = 4
	}
	b.patchHeader(macLen)
	if mac != nil {
		b.buf = append(b.buf, mac[:]...)
	}

	body := b.buf[b.somOffset:]
	if b.crcMode {
		var trailer [2]byte
		binary.LittleEndian.PutUint16(trailer[:], crc.Compute(body))
		b.buf = append(b.buf, trailer[:]...)
	} else {
		b.buf = append(b.buf, crc.Checksum8(body))
	}
	return b.buf
}
