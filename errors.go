package osdp

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalArgument = errors.New("osdp: error in function arguments")
	ErrQueueFull       = errors.New("osdp: command/event queue is full")
	ErrChannelIO       = errors.New("osdp: channel read/write failed")
	ErrPacketFormat    = errors.New("osdp: malformed packet")
	ErrPacketCheck     = errors.New("osdp: packet failed integrity check")
	ErrPacketWait      = errors.New("osdp: packet out of sequence, waiting for retry")
	ErrPacketSkip      = errors.New("osdp: garbage bytes skipped before frame")
	ErrPacketBusy      = errors.New("osdp: peer replied busy")
	ErrSCHandshake     = errors.New("osdp: secure channel handshake failed")
	ErrSCMac           = errors.New("osdp: secure channel MAC verification failed")
	ErrSCDecrypt       = errors.New("osdp: secure channel payload decryption failed")
	ErrSequence        = errors.New("osdp: sequence number mismatch")
	ErrTimeout         = errors.New("osdp: reply timeout")
	ErrUnsupported     = errors.New("osdp: command not supported")
	ErrNoContext       = errors.New("osdp: nil context")
	ErrBadPDIndex      = errors.New("osdp: PD index out of range")
)

// NakCode enumerates the OSDP reply-NAK reason codes a PD can report
// back to the CP (spec section 4.G).
type NakCode uint8

const (
	NakMsgChk     NakCode = 1
	NakCmdLen     NakCode = 2
	NakCmdUnknown NakCode = 3
	NakSeqNum     NakCode = 4
	NakSCUnsup    NakCode = 5
	NakSCCond     NakCode = 6
	NakBioType    NakCode = 7
	NakBioFmt     NakCode = 8
	NakRecord     NakCode = 9
)

func (c NakCode) String() string {
	switch c {
	case NakMsgChk:
		return "MSG_CHK"
	case NakCmdLen:
		return "CMD_LEN"
	case NakCmdUnknown:
		return "CMD_UNKNOWN"
	case NakSeqNum:
		return "SEQ_NUM"
	case NakSCUnsup:
		return "SC_UNSUP"
	case NakSCCond:
		return "SC_COND"
	case NakBioType:
		return "BIO_TYPE"
	case NakBioFmt:
		return "BIO_FMT"
	case NakRecord:
		return "RECORD"
	default:
		return fmt.Sprintf("NAK(%d)", uint8(c))
	}
}

// NakError wraps a NakCode reported by a PD so callers can type-assert
// on it with errors.As.
type NakError struct {
	Code NakCode
}

func (e *NakError) Error() string {
	return fmt.Sprintf("osdp: NAK %s", e.Code)
}
