// Package osdp implements the Open Supervised Device Protocol: a
// single library providing both bus endpoints (Control Panel and
// Peripheral Device) for physical access control serial links.
package osdp

import (
	"crypto/rand"
	"time"
)

// Role selects which side of the bus a Context drives.
type Role uint8

const (
	RoleCP Role = iota
	RolePD
)

func (r Role) String() string {
	if r == RoleCP {
		return "CP"
	}
	return "PD"
}

// Channel is the byte-level transport a PD record is bound to. It must
// never block: Read returns whatever bytes are immediately available
// (possibly zero), Write consumes as much of p as it can right now.
// Multiple PD records on the same physical link share one Channel and
// arbitrate with the CP's channel lock (see pkg/cp) keyed by ID.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	// ID identifies the underlying physical link so PDs sharing one
	// channel can be recognised as such by the scheduler.
	ID() uintptr
}

// Clock supplies monotonic milliseconds to the library. The host owns
// the clock; refresh cadence and reply timeouts are all measured
// against it.
type Clock interface {
	NowMs() uint32
}

// SystemClock is a Clock backed by the Go runtime's monotonic timer,
// epoched at construction time.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock epoched at the moment of the call.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) NowMs() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// RandomSource supplies cryptographically adequate randomness, used
// for cp_random and, in PD-side test harnesses, pd_random/pd_client_uid.
type RandomSource interface {
	Read(buf []byte) error
}

// CryptoRandomSource is a RandomSource backed by crypto/rand.
type CryptoRandomSource struct{}

func (CryptoRandomSource) Read(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// Identity is the PD identification tuple reported in reply to ID
// (spec section 3, "Identity").
type Identity struct {
	VendorCode      [3]byte
	Model           byte
	Version         byte
	Serial          [4]byte
	FirmwareVersion [3]byte
}

// ClientUID derives the 8-byte pd_client_uid secure-channel key
// derivation input from this identity tuple: vendor code, model, and
// the first four bytes of serial. Both CP and PD sides compute this
// the same way so a master-key-derived SCBK lines up on both ends.
func (id Identity) ClientUID() [8]byte {
	var uid [8]byte
	copy(uid[0:3], id.VendorCode[:])
	uid[3] = id.Model
	copy(uid[4:8], id.Serial[:])
	return uid
}

// CapabilityFunction enumerates the defined OSDP capability function
// codes (CAP reply, spec section 3 "Capabilities").
type CapabilityFunction uint8

const (
	CapContactStatusMonitoring   CapabilityFunction = 1
	CapOutputControl             CapabilityFunction = 2
	CapCardDataFormat            CapabilityFunction = 3
	CapLEDControl                CapabilityFunction = 4
	CapAudibleOutput             CapabilityFunction = 5
	CapTextOutput                CapabilityFunction = 6
	CapTimeKeeping                CapabilityFunction = 7
	CapCheckCharacterSupport      CapabilityFunction = 8
	CapCommunicationSecurity      CapabilityFunction = 9
	CapReceiveBufferSize          CapabilityFunction = 10
	CapLargestCombinedMessageSize CapabilityFunction = 11
	CapSmartCardSupport           CapabilityFunction = 12
	CapReaders                    CapabilityFunction = 13
	CapBiometrics                 CapabilityFunction = 14
)

// Capability is a single {compliance level, number of items} entry in
// the PD capability table.
type Capability struct {
	Compliance uint8
	NumItems   uint8
}

// CapabilityTable is the fixed-indexed capability set a PD reports.
type CapabilityTable map[CapabilityFunction]Capability
