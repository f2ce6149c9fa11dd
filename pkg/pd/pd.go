// Package pd implements the PD (Peripheral Device) role state machine
// (spec section 4.G): frame reception, sequence validation, mandatory
// command handling, NAK taxonomy, server-side secure channel bring-up,
// and event delivery piggybacked on CMD_POLL.
//
// Grounded in shape on the teacher's sdo_server.go: a single Context
// object owning phy/session state, a Refresh entry point driven by the
// host's cooperative tick that hands each complete frame to handleFrame, and package-scoped NAK/ACK helpers
// in place of CANopen's abort-code helpers.
package pd

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/go-osdp/osdp/internal/fifo"
	"github.com/go-osdp/osdp/pkg/phy"
	"github.com/go-osdp/osdp/pkg/securechannel"

	"github.com/go-osdp/osdp"
)

// State is the PD role state (spec section 4.G): IDLE -> PROCESS_CMD
// -> SEND_REPLY -> IDLE, with Err a sink that resets phy state.
type State uint8

const (
	StateIdle State = iota
	StateProcessCmd
	StateSendReply
	StateErr
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateProcessCmd:
		return "PROCESS_CMD"
	case StateSendReply:
		return "SEND_REPLY"
	case StateErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// ResponseKind tags how a CommandCallback wants a command answered.
type ResponseKind uint8

const (
	RespAck ResponseKind = iota
	RespNak
	RespReply
)

// Response is what a CommandCallback returns for an optional command:
// a plain ACK, a NAK with reason, or a reply record the PD package
// frames verbatim (e.g. MFGREP).
type Response struct {
	Kind  ResponseKind
	Nak   osdp.NakCode
	Reply osdp.ReplyCode
	Data  []byte
}

// CommandCallback realizes the side effects of an optional command
// (OUT, LED, BUZ, TEXT, MFG, FILETRANSFER, ACURXSIZE, KEEPACTIVE) on
// the host application and decides how it is answered.
type CommandCallback func(cmd osdp.CommandCode, data []byte) Response

// Option configures a Context at construction time.
type Option func(*Context)

// WithLogger injects a logger instead of the package default
// (logrus.StandardLogger()), per the design note against a process-
// global logging sink.
func WithLogger(l *logrus.Logger) Option { return func(c *Context) { c.log = l } }

// WithClock injects a Clock instead of osdp.NewSystemClock().
func WithClock(clk osdp.Clock) Option { return func(c *Context) { c.clock = clk } }

// WithRandomSource injects a RandomSource instead of osdp.CryptoRandomSource.
func WithRandomSource(r osdp.RandomSource) Option { return func(c *Context) { c.rng = r } }

// WithCommandCallback installs the optional-command callback.
func WithCommandCallback(fn CommandCallback) Option {
	return func(c *Context) { c.onCommand = fn }
}

// WithQueueCapacity overrides the event queue's record count (default
// osdp.DefaultQueueCapacity).
func WithQueueCapacity(n int) Option { return func(c *Context) { c.queueCap = n } }

// WithMarkByte prefixes every outgoing frame with the 0xFF mark byte
// (spec section 3), needed on multidrop RS-485 links to let other
// receivers' UARTs settle after the bus turns around. Off by default.
func WithMarkByte() Option { return func(c *Context) { c.flags.SetPacketHasMark(true) } }

// WithMasterKey enables secure channel bring-up by deriving this PD's
// SCBK from masterKey and its client UID, when info.SCBK was not set
// directly by the host.
func WithMasterKey(masterKey [16]byte) Option {
	return func(c *Context) { c.masterKey = &masterKey }
}

// WithAllowSCBKD lets this PD accept a handshake against the well-known
// SCBK-D key (spec section 4.F) when it has neither a dedicated SCBK
// nor a master key to derive one from. Intended only for first-time
// provisioning: the PD expects a CMD_KEYSET over that channel to
// install its permanent key before normal operation.
func WithAllowSCBKD() Option { return func(c *Context) { c.allowSCBKD = true } }

// Context is the PD-side host-facing entry point (spec section 6,
// "pd_setup").
type Context struct {
	info osdp.PDInfo
	caps osdp.CapabilityTable

	log   *logrus.Logger
	clock osdp.Clock
	rng   osdp.RandomSource

	onCommand  CommandCallback
	queueCap   int
	masterKey  *[16]byte
	allowSCBKD bool

	state State
	flags osdp.PDState
	sc    *securechannel.Session

	lastSeq uint8

	rxBuf []byte

	events *fifo.Slab
}

// NewContext builds a PD context for the local identity/capabilities
// described by info and caps. info.SCBK, if set, pins a dedicated SCBK;
// otherwise the SCBK is derived from the master key given with
// WithMasterKey, or, with WithAllowSCBKD, the PD starts on SCBK-D until
// a KEYSET over the secure channel installs a permanent key. With none
// of these the PD has no secure channel and NAKs CMD_CHLNG.
func NewContext(info osdp.PDInfo, caps osdp.CapabilityTable, opts ...Option) *Context {
	c := &Context{
		info:     info,
		caps:     caps,
		log:      logrus.StandardLogger(),
		clock:    osdp.NewSystemClock(),
		rng:      osdp.CryptoRandomSource{},
		queueCap: osdp.DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.flags.SetPDMode(true)
	c.events = fifo.NewSlab(c.queueCap, osdp.MaxRecordSize)

	switch {
	case info.SCBK != nil:
		c.sc = securechannel.NewSession(*info.SCBK)
		c.flags.SetHasDedicatedSCBK(true)
	case c.masterKey != nil:
		scbk, err := securechannel.DeriveSCBK(*c.masterKey, c.clientUID())
		if err != nil {
			c.log.WithError(err).Error("pd: SCBK derivation failed, secure channel disabled")
			break
		}
		c.sc = securechannel.NewSession(scbk)
	case c.allowSCBKD:
		c.sc = securechannel.NewSession(securechannel.DefaultSCBK)
		c.flags.SetUsingDefaultSCBK(true)
	}
	c.flags.SetSCCapable(c.sc != nil)
	return c
}

// State reports the current PD role state.
func (c *Context) State() State { return c.state }

// Flags exposes the packed PD state-bit word for inspection.
func (c *Context) Flags() osdp.PDState { return c.flags }

// SubmitEvent enqueues an unsolicited event (card read, keypress,
// tamper) for delivery on the next CMD_POLL, one per poll. Returns
// osdp.ErrQueueFull if the event queue is at capacity.
func (c *Context) SubmitEvent(reply osdp.ReplyCode, data []byte) error {
	record := append([]byte{byte(reply)}, data...)
	if err := c.events.PushBack(record); err != nil {
		return osdp.ErrQueueFull
	}
	return nil
}

// Refresh drains one frame's worth of work from the channel: it reads
// whatever bytes are available, scans for a complete frame, dispatches
// it, and writes the reply. It is safe to call more often than a frame
// actually arrives; Refresh is then a no-op.
func (c *Context) Refresh() error {
	var tmp [osdp.MaxFrameSize]byte
	n, err := c.info.Channel.Read(tmp[:])
	if err != nil {
		return osdp.ErrChannelIO
	}
	if n > 0 {
		c.rxBuf = append(c.rxBuf, tmp[:n]...)
	}
	if len(c.rxBuf) == 0 {
		return nil
	}

	consumed, frameLen, result := phy.Check(c.rxBuf)
	switch result {
	case phy.CheckNone, phy.CheckNeedMore:
		return nil
	case phy.CheckSkip:
		c.rxBuf = c.rxBuf[consumed:]
		return nil
	case phy.CheckBadFormat, phy.CheckFailed:
		c.log.WithField("result", result).Warn("pd: dropping malformed frame")
		c.rxBuf = c.rxBuf[consumed:]
		return nil
	}

	frame := append([]byte{}, c.rxBuf[:frameLen]...)
	c.rxBuf = c.rxBuf[frameLen:]
	return c.handleFrame(frame)
}

func (c *Context) handleFrame(frame []byte) error {
	c.state = StateProcessCmd
	// Sequence is validated below by acceptSequence, which additionally
	// allows the seq-0 resync marker and answers a mismatch with a NAK
	// rather than a silent drop -- so phy.Decode's own seq check is
	// bypassed here (it only fits the CP side's plain equality check).
	payload, h, err := phy.Decode(frame, c.info.Address, 0, true, c.sc, phy.ChainCtoP)
	if err != nil {
		c.log.WithError(err).Debug("pd: decode failed")
		if errors.Is(err, securechannel.ErrMACMismatch) && c.sc != nil {
			// A broken C-MAC chain tears the secure channel down to
			// SC_INIT; the CP has to run the handshake again.
			c.log.Warn("pd: MAC mismatch, SC teardown")
			c.sc.Reset()
			c.flags.SetSCActive(false)
		}
		c.state = StateIdle
		return nil // local condition, never propagated (spec section 7)
	}
	if len(payload) == 0 {
		c.state = StateIdle
		return nil
	}

	if !c.acceptSequence(h.Seq) {
		return c.sendNak(h.Seq, osdp.NakSeqNum)
	}

	cmd := osdp.CommandCode(payload[0])
	data := payload[1:]
	c.state = StateSendReply
	err = c.dispatch(h.Seq, cmd, data)
	c.state = StateIdle
	return err
}

// expectedSeq is last_seq+1 mod 4, skipping 0 (spec section 4.E).
func (c *Context) expectedSeq() uint8 {
	n := (c.lastSeq + 1) % 4
	if n == 0 {
		n = 1
	}
	return n
}

func (c *Context) acceptSequence(seq uint8) bool {
	if c.flags.SkipSeqCheck() {
		c.lastSeq = seq
		return true
	}
	if seq == 0 {
		// Resync marker: CP is restarting the chain.
		c.lastSeq = 0
		return true
	}
	if seq == c.expectedSeq() {
		c.lastSeq = seq
		return true
	}
	return false
}

func (c *Context) dispatch(seq uint8, cmd osdp.CommandCode, data []byte) error {
	switch cmd {
	case osdp.CmdPoll:
		return c.handlePoll(seq)
	case osdp.CmdID:
		return c.handleID(seq)
	case osdp.CmdCap:
		return c.handleCap(seq)
	case osdp.CmdLstat:
		return c.handleLstat(seq)
	case osdp.CmdIstat, osdp.CmdOstat, osdp.CmdRstat:
		return c.sendAck(seq)
	case osdp.CmdComset:
		return c.handleComset(seq, data)
	case osdp.CmdChlng:
		return c.handleChlng(seq, data)
	case osdp.CmdScrypt:
		return c.handleScrypt(seq, data)
	case osdp.CmdKeyset:
		return c.handleKeyset(seq, data)
	case osdp.CmdOut, osdp.CmdLed, osdp.CmdBuz, osdp.CmdText,
		osdp.CmdMfg, osdp.CmdFiletransfer, osdp.CmdAcurxsize, osdp.CmdKeepactive:
		return c.handleOptional(seq, cmd, data)
	default:
		return c.sendNak(seq, osdp.NakCmdUnknown)
	}
}

func (c *Context) handlePoll(seq uint8) error {
	if rec, ok := c.events.PopFront(); ok {
		return c.sendReply(seq, osdp.ReplyCode(rec[0]), rec[1:])
	}
	return c.sendAck(seq)
}

func (c *Context) handleID(seq uint8) error {
	id := c.info.Identity
	data := make([]byte, 0, 12)
	data = append(data, 0) // reserved "set" byte, always 0 on reply
	data = append(data, id.VendorCode[:]...)
	data = append(data, id.Model, id.Version)
	data = append(data, id.Serial[:]...)
	data = append(data, id.FirmwareVersion[:]...)
	return c.sendReply(seq, osdp.ReplyPDID, data)
}

func (c *Context) handleCap(seq uint8) error {
	data := make([]byte, 0, len(c.caps)*3)
	for fn, cap := range c.caps {
		data = append(data, byte(fn), cap.Compliance, cap.NumItems)
	}
	return c.sendReply(seq, osdp.ReplyPDCap, data)
}

func (c *Context) handleLstat(seq uint8) error {
	tamper := byte(0)
	if c.flags.Tamper() {
		tamper = 1
	}
	power := byte(0)
	if c.flags.Power() {
		power = 1
	}
	return c.sendReply(seq, osdp.ReplyLstatr, []byte{tamper, power})
}

func (c *Context) handleComset(seq uint8, data []byte) error {
	if c.onCommand == nil {
		return c.sendNak(seq, osdp.NakCmdUnknown)
	}
	return c.runCallback(seq, osdp.CmdComset, data)
}

func (c *Context) handleOptional(seq uint8, cmd osdp.CommandCode, data []byte) error {
	if c.onCommand == nil {
		return c.sendNak(seq, osdp.NakCmdUnknown)
	}
	return c.runCallback(seq, cmd, data)
}

func (c *Context) runCallback(seq uint8, cmd osdp.CommandCode, data []byte) error {
	resp := c.onCommand(cmd, data)
	switch resp.Kind {
	case RespNak:
		return c.sendNak(seq, resp.Nak)
	case RespReply:
		return c.sendReply(seq, resp.Reply, resp.Data)
	default:
		return c.sendAck(seq)
	}
}

// --- secure channel server side (spec section 4.F) ---

func (c *Context) handleChlng(seq uint8, data []byte) error {
	if len(data) < 8 {
		return c.sendNak(seq, osdp.NakCmdLen)
	}
	if c.sc == nil {
		return c.sendNak(seq, osdp.NakSCUnsup)
	}
	var cpRandom [8]byte
	copy(cpRandom[:], data[:8])

	pdRandom, pdCryptogram, err := c.sc.RespondToChallenge(c.rng.Read, cpRandom, c.clientUID())
	if err != nil {
		c.log.WithError(err).Warn("pd: challenge response failed")
		return c.sendNak(seq, osdp.NakSCCond)
	}
	reply := append(append([]byte{}, c.clientUID()[:]...), pdRandom[:]...)
	reply = append(reply, pdCryptogram[:]...)
	return c.sendSecureBlock(seq, osdp.ReplyCCrypt, osdp.SCSCCrypt, reply)
}

func (c *Context) handleScrypt(seq uint8, data []byte) error {
	if len(data) < 16 || c.sc == nil {
		return c.sendNak(seq, osdp.NakSCCond)
	}
	var cpCryptogram [16]byte
	copy(cpCryptogram[:], data[:16])

	seed, err := c.sc.VerifyCPCryptogramAndSeedRMAC(cpCryptogram)
	if err != nil {
		c.log.WithError(err).Warn("pd: cp cryptogram mismatch, tearing down SC")
		c.sc.Reset()
		c.flags.SetSCBKDDone(true)
		return c.sendNak(seq, osdp.NakSCCond)
	}
	c.flags.SetSCActive(true)
	c.flags.SetSCBKDDone(true)
	return c.sendSecureBlock(seq, osdp.ReplyRMacI, osdp.SCSRMACI, seed[:])
}

func (c *Context) handleKeyset(seq uint8, data []byte) error {
	if !c.flags.SCActive() {
		return c.sendNak(seq, osdp.NakSCCond)
	}
	if len(data) < 17 {
		return c.sendNak(seq, osdp.NakCmdLen)
	}
	var newKey [16]byte
	copy(newKey[:], data[1:17])
	c.sc = securechannel.NewSession(newKey)
	c.flags.SetHasDedicatedSCBK(true)
	c.flags.SetUsingDefaultSCBK(false)
	c.flags.SetSCBKDDone(true)
	return c.sendAck(seq)
}

func (c *Context) clientUID() [8]byte {
	return c.info.Identity.ClientUID()
}

// --- outbound framing ---

func (c *Context) sendAck(seq uint8) error {
	return c.sendReply(seq, osdp.ReplyAck, nil)
}

func (c *Context) sendNak(seq uint8, code osdp.NakCode) error {
	return c.sendReply(seq, osdp.ReplyNak, []byte{byte(code)})
}

func (c *Context) sendReply(seq uint8, reply osdp.ReplyCode, data []byte) error {
	payload := append([]byte{byte(reply)}, data...)
	withMark := c.flags.PacketHasMark() && !c.flags.SkipMarkOnEmit()
	addr := c.info.Address | phy.ReplyAddrBit

	var frame []byte
	var err error
	if c.sc != nil && c.sc.Active {
		frame, err = phy.EncodeSecure(addr, seq, withMark, true, byte(osdp.SCSMacEncReply), payload, c.sc, phy.ChainPtoC)
	} else {
		frame = phy.EncodePlain(addr, seq, withMark, true, payload)
	}
	if err != nil {
		return err
	}
	_, werr := c.info.Channel.Write(frame)
	return werr
}

func (c *Context) sendSecureBlock(seq uint8, reply osdp.ReplyCode, sbType osdp.SecureBlockType, data []byte) error {
	withMark := c.flags.PacketHasMark() && !c.flags.SkipMarkOnEmit()
	addr := c.info.Address | phy.ReplyAddrBit
	payload := append([]byte{byte(reply)}, data...)
	frame := phy.EncodeHandshake(addr, seq, withMark, true, byte(sbType), payload)
	_, err := c.info.Channel.Write(frame)
	return err
}
