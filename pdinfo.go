package osdp

// PDInfo is the static, host-supplied description of one bus
// participant (spec section 6, "pd_info"). On the CP side it describes
// a PD the CP will poll; on the PD side it describes the local PD
// itself.
type PDInfo struct {
	// Address is the 7-bit bus address (0-127); 0x7F is broadcast.
	Address uint8
	// Baud is the link baud rate, informative only -- the Channel
	// already speaks at this rate.
	Baud int
	// Channel is the byte transport this PD is reached through.
	Channel Channel
	// SCBK, if non-nil, is a per-PD secure channel base key the host
	// manages directly. If nil, the PD's SCBK is derived from the
	// context master key and the PD's client UID at first handshake.
	SCBK *[16]byte
	// Identity is the PD's identity tuple, what a PD reports in reply to
	// CMD_ID. Only the PD side reads it; the CP keeps the identity a PD
	// reports in its own per-PD state and never writes this field.
	Identity Identity
	// Capabilities is the PD's capability table, what a PD reports in
	// reply to CMD_CAP. Only the PD side reads it; the CP keeps the
	// reported table in its own per-PD state and never writes this field.
	Capabilities CapabilityTable
	// ReplyTimeoutMs bounds how long the CP waits for a reply before
	// counting a miss. Zero selects DefaultReplyTimeoutMs.
	ReplyTimeoutMs uint32
	// PollIntervalMs paces CMD_POLL when no command is queued. Zero
	// selects DefaultPollIntervalMs.
	PollIntervalMs uint32
}

// Defaults for PDInfo fields left at zero.
const (
	DefaultReplyTimeoutMs = 200
	DefaultPollIntervalMs = 50
	// MaxOfflineMisses is the number of consecutive reply timeouts
	// that demote a PD from ONLINE to OFFLINE (spec section 4.H).
	MaxOfflineMisses = 3
	// MaxWaitRetries bounds how many times the CP re-emits the same
	// packet after a WAIT disposition before tearing down to resync.
	MaxWaitRetries = 3
	// OfflineBackoffMinMs / OfflineBackoffMaxMs bound the bring-up
	// retry backoff applied while a PD is OFFLINE.
	OfflineBackoffMinMs = 1000
	OfflineBackoffMaxMs = 30000
	// MaxRecordSize bounds a single command/event record stored in a
	// PD's slab FIFO.
	MaxRecordSize = 256
	// DefaultQueueCapacity is the default number of commands/events a
	// PD's slab FIFO can hold.
	DefaultQueueCapacity = 16
	// MaxFrameSize bounds the PD receive buffer (spec section 3,
	// "one receive buffer up to 256 bytes").
	MaxFrameSize = 256
)
