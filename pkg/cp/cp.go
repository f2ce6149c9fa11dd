// Package cp implements the CP (Control Panel) role state machine
// (spec section 4.H) and its round-robin scheduler (spec section 4.I):
// per-PD bring-up (ID -> CAP -> optional SC handshake -> ONLINE),
// command submission and retry, reply-timeout/offline tracking, and
// shared-channel arbitration.
//
// Grounded in shape on the teacher's network.go/nmt.go pairing of a
// "walk every node once per tick, advance its FSM" scheduler with a
// per-node timeout/heartbeat tracker, generalized from CANopen's NMT
// bring-up to OSDP's ID/CAP/SC bring-up.
package cp

import (
	"github.com/sirupsen/logrus"

	"github.com/go-osdp/osdp/internal/fifo"
	"github.com/go-osdp/osdp/pkg/phy"
	"github.com/go-osdp/osdp/pkg/securechannel"

	"github.com/go-osdp/osdp"
)

// State is a PD's bring-up/online state from the CP's perspective
// (spec section 4.H).
type State uint8

const (
	StateInit State = iota
	StateIDReq
	StateCapDet
	StateSCInit
	StateSCChlng
	StateSCScrypt
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIDReq:
		return "IDREQ"
	case StateCapDet:
		return "CAPDET"
	case StateSCInit:
		return "SC_INIT"
	case StateSCChlng:
		return "SC_CHLNG"
	case StateSCScrypt:
		return "SC_SCRYPT"
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// CompletionStatus tags how a submitted command finished.
type CompletionStatus uint8

const (
	CompletionDelivered CompletionStatus = iota
	CompletionFailed
	CompletionEvicted
)

// EventCallback receives events a PD delivers piggybacked on CMD_POLL.
type EventCallback func(pdIndex int, reply osdp.ReplyCode, data []byte)

// CommandCompleteCallback is notified when a submitted command reaches
// a terminal state.
type CommandCompleteCallback func(pdIndex int, status CompletionStatus, reply osdp.ReplyCode, data []byte)

// queuedCommand is one command record held in a PD's slab FIFO.
type queuedCommand struct {
	cmd  osdp.CommandCode
	data []byte
}

// pdSlot is everything the CP tracks for one configured PD.
type pdSlot struct {
	info osdp.PDInfo

	state        State
	flags        osdp.PDState
	sc           *securechannel.Session
	seq          uint8
	reportedID   osdp.Identity
	reportedCaps osdp.CapabilityTable

	rxBuf []byte

	queue      *fifo.Slab
	inFlight   *queuedCommand
	sentMs     uint32
	missCount  int
	waitRetry  int
	polledOnce bool
	nextPollMs uint32
	offlineMs  uint32
	backoffMs  uint32
}

// Option configures a Context at construction time.
type Option func(*Context)

// WithLogger injects a logger instead of the package default.
func WithLogger(l *logrus.Logger) Option { return func(c *Context) { c.log = l } }

// WithClock injects a Clock instead of osdp.NewSystemClock().
func WithClock(clk osdp.Clock) Option { return func(c *Context) { c.clock = clk } }

// WithRandomSource injects a RandomSource instead of osdp.CryptoRandomSource.
func WithRandomSource(r osdp.RandomSource) Option { return func(c *Context) { c.rng = r } }

// WithEventCallback installs the event-delivery callback.
func WithEventCallback(fn EventCallback) Option { return func(c *Context) { c.onEvent = fn } }

// WithCommandCompleteCallback installs the command-completion callback.
func WithCommandCompleteCallback(fn CommandCompleteCallback) Option {
	return func(c *Context) { c.onComplete = fn }
}

// WithQueueCapacity overrides each PD's command queue record count.
func WithQueueCapacity(n int) Option { return func(c *Context) { c.queueCap = n } }

// WithMarkByte prefixes every outgoing frame with the 0xFF mark byte
// (spec section 3), needed on multidrop RS-485 links to let other
// receivers' UARTs settle after the bus turns around. Off by default.
func WithMarkByte() Option { return func(c *Context) { c.markByte = true } }

// Context is the CP-side host-facing entry point (spec section 6,
// "cp_setup"). One Context drives one bus; refresh-ing it concurrently
// from multiple goroutines is forbidden (spec section 5).
type Context struct {
	log   *logrus.Logger
	clock osdp.Clock
	rng   osdp.RandomSource

	masterKey  *[16]byte
	onEvent    EventCallback
	onComplete CommandCompleteCallback
	queueCap   int
	markByte   bool

	pds []*pdSlot

	// channelLock maps a Channel.ID() to the index of the pdSlot
	// currently holding the bus, or -1 if free. Channels not shared by
	// any two PDs are never looked up here.
	channelLock map[uintptr]int

	cursor int
}

// NewContext builds a CP context driving the PDs described by infos. If
// masterKey is non-nil, PDs without a dedicated SCBK attempt secure
// channel bring-up after capability detection, before going ONLINE;
// PDs with PDInfo.SCBK set always use it.
func NewContext(infos []osdp.PDInfo, masterKey *[16]byte, opts ...Option) *Context {
	c := &Context{
		log:         logrus.StandardLogger(),
		clock:       osdp.NewSystemClock(),
		rng:         osdp.CryptoRandomSource{},
		masterKey:   masterKey,
		queueCap:    osdp.DefaultQueueCapacity,
		channelLock: map[uintptr]int{},
	}
	for _, opt := range opts {
		opt(c)
	}

	for i, info := range infos {
		slot := &pdSlot{
			info:  info,
			queue: fifo.NewSlab(c.queueCap, osdp.MaxRecordSize),
		}
		slot.flags.SetChannelShared(c.channelIsShared(infos, i))
		slot.flags.SetPacketHasMark(c.markByte)
		c.pds = append(c.pds, slot)
	}
	for ch := range c.channelLock {
		c.channelLock[ch] = -1
	}
	return c
}

func (c *Context) channelIsShared(infos []osdp.PDInfo, i int) bool {
	id := infos[i].Channel.ID()
	count := 0
	for _, other := range infos {
		if other.Channel.ID() == id {
			count++
		}
	}
	if count > 1 {
		if _, ok := c.channelLock[id]; !ok {
			c.channelLock[id] = -1
		}
		return true
	}
	return false
}

// NumPDs reports how many PDs this context drives.
func (c *Context) NumPDs() int { return len(c.pds) }

// PDState reports PD i's CP-observed bring-up state.
func (c *Context) PDState(i int) (State, error) {
	if i < 0 || i >= len(c.pds) {
		return 0, osdp.ErrBadPDIndex
	}
	return c.pds[i].state, nil
}

// PDFlags reports PD i's packed state-bit word, letting the host detect
// conditions such as UsingDefaultSCBK() to decide when to submit a
// CMD_KEYSET installing a permanent SCBK.
func (c *Context) PDFlags(i int) (osdp.PDState, error) {
	if i < 0 || i >= len(c.pds) {
		return osdp.PDState{}, osdp.ErrBadPDIndex
	}
	return c.pds[i].flags, nil
}

// StatusMask returns a bitmask with bit i set when PD i is ONLINE
// (spec section 6, "get_status_mask").
func (c *Context) StatusMask() uint32 {
	var mask uint32
	for i, p := range c.pds {
		if p.state == StateOnline {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// SubmitCommand enqueues a command for PD i. Returns osdp.ErrBadPDIndex
// for an out-of-range index and osdp.ErrQueueFull when the PD's command
// queue is at capacity.
func (c *Context) SubmitCommand(pdIndex int, cmd osdp.CommandCode, data []byte) error {
	if pdIndex < 0 || pdIndex >= len(c.pds) {
		return osdp.ErrBadPDIndex
	}
	record := append([]byte{byte(cmd)}, data...)
	if err := c.pds[pdIndex].queue.PushBack(record); err != nil {
		return osdp.ErrQueueFull
	}
	return nil
}

// Refresh walks every PD once, letting each perform at most one unit of
// work (spec section 4.I): check for an incoming reply, or send the
// next outgoing command/poll if none is outstanding.
func (c *Context) Refresh() {
	for i, p := range c.pds {
		c.cursor = i
		if err := c.tick(p, i); err != nil {
			c.log.WithError(err).WithField("pd", i).Debug("cp: tick error")
		}
	}
}
