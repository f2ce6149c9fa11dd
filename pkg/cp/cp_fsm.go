package cp

import (
	"github.com/go-osdp/osdp"
	"github.com/go-osdp/osdp/pkg/phy"
	"github.com/go-osdp/osdp/pkg/securechannel"
)

// tick performs at most one unit of work for p: if a command is
// outstanding, look for its reply or time it out; otherwise send the
// next thing this state calls for.
func (c *Context) tick(p *pdSlot, idx int) error {
	if p.state == StateOffline {
		return c.tickOffline(p, idx)
	}
	if p.flags.AwaitResponse() {
		return c.awaitReply(p, idx)
	}
	if !c.acquireChannel(p, idx) {
		return nil
	}
	return c.send(p, idx)
}

func (c *Context) tickOffline(p *pdSlot, idx int) error {
	now := c.clock.NowMs()
	if now-p.offlineMs < p.backoffMs {
		return nil
	}
	c.log.WithField("pd", idx).Info("cp: retrying bring-up after backoff")
	c.resetBringUp(p)
	return nil
}

func (c *Context) resetBringUp(p *pdSlot) {
	p.state = StateInit
	p.seq = 0
	p.flags.SetAwaitResponse(false)
	if p.sc != nil {
		p.sc.Reset()
	}
}

// acquireChannel enforces the shared-bus transmit lock (spec section
// 4.H, "channel sharing"): only the current holder may send, and an
// unshared channel never needs to check.
func (c *Context) acquireChannel(p *pdSlot, idx int) bool {
	if !p.flags.ChannelShared() {
		return true
	}
	id := p.info.Channel.ID()
	holder, ok := c.channelLock[id]
	if ok && holder != -1 && holder != idx {
		return false
	}
	c.channelLock[id] = idx
	return true
}

func (c *Context) releaseChannel(p *pdSlot, idx int) {
	if !p.flags.ChannelShared() {
		return
	}
	id := p.info.Channel.ID()
	if c.channelLock[id] == idx {
		c.channelLock[id] = -1
	}
}

func (c *Context) nextSeq(p *pdSlot) uint8 {
	n := (p.seq + 1) % 4
	if n == 0 {
		n = 1
	}
	p.seq = n
	return n
}

// send decides what this PD's current state calls for and emits it.
func (c *Context) send(p *pdSlot, idx int) error {
	switch p.state {
	case StateInit:
		return c.sendID(p, idx)
	case StateIDReq:
		return c.sendID(p, idx)
	case StateCapDet:
		return c.sendCap(p, idx)
	case StateSCInit:
		return c.sendChlng(p, idx)
	case StateSCChlng:
		return c.sendChlng(p, idx)
	case StateSCScrypt:
		return c.sendScrypt(p, idx) // retry path only; first send happens on CCRYPT receipt
	case StateOnline:
		return c.sendOnline(p, idx)
	default:
		return nil
	}
}

func (c *Context) sendID(p *pdSlot, idx int) error {
	p.state = StateIDReq
	return c.transmit(p, idx, osdp.CmdID, []byte{0})
}

func (c *Context) sendCap(p *pdSlot, idx int) error {
	return c.transmit(p, idx, osdp.CmdCap, []byte{0})
}

func (c *Context) sendChlng(p *pdSlot, idx int) error {
	if c.masterKey == nil && p.info.SCBK == nil {
		p.state = StateOnline
		return nil
	}
	p.state = StateSCChlng
	if p.sc == nil {
		scbk := c.pdSCBK(p)
		p.sc = securechannel.NewSession(scbk)
	}
	cpRandom, err := p.sc.GenerateChallenge(c.rng.Read)
	if err != nil {
		return err
	}
	return c.transmitHandshake(p, idx, osdp.CmdChlng, osdp.SCSChallenge, cpRandom[:])
}

func (c *Context) pdSCBK(p *pdSlot) [16]byte {
	if p.flags.UsingDefaultSCBK() {
		return securechannel.DefaultSCBK
	}
	if p.info.SCBK != nil {
		return *p.info.SCBK
	}
	scbk, err := securechannel.DeriveSCBK(*c.masterKey, p.reportedID.ClientUID())
	if err != nil {
		c.log.WithError(err).Warn("cp: SCBK derivation failed")
	}
	return scbk
}

func (c *Context) sendScrypt(p *pdSlot, idx int) error {
	if p.sc == nil {
		return securechannel.ErrNotActive
	}
	return c.transmitHandshake(p, idx, osdp.CmdScrypt, osdp.SCSSCrypt, p.sc.CPCryptogram[:])
}

func (c *Context) sendOnline(p *pdSlot, idx int) error {
	if rec, ok := p.queue.PeekFront(); ok {
		cmd := osdp.CommandCode(rec[0])
		data := append([]byte{}, rec[1:]...)
		p.inFlight = &queuedCommand{cmd: cmd, data: data}
		return c.transmit(p, idx, cmd, data)
	}
	now := c.clock.NowMs()
	interval := p.info.PollIntervalMs
	if interval == 0 {
		interval = osdp.DefaultPollIntervalMs
	}
	if p.polledOnce && now-p.nextPollMs < interval {
		return nil
	}
	p.polledOnce = true
	p.nextPollMs = now
	return c.transmit(p, idx, osdp.CmdPoll, nil)
}

func (c *Context) transmit(p *pdSlot, idx int, cmd osdp.CommandCode, data []byte) error {
	seq := c.nextSeq(p)
	payload := append([]byte{byte(cmd)}, data...)
	withMark := p.flags.PacketHasMark() && !p.flags.SkipMarkOnEmit()

	var frame []byte
	var err error
	if p.sc != nil && p.sc.Active {
		frame, err = phy.EncodeSecure(p.info.Address, seq, withMark, true, byte(osdp.SCSMacEnc), payload, p.sc, phy.ChainCtoP)
	} else {
		frame = phy.EncodePlain(p.info.Address, seq, withMark, true, payload)
	}
	if err != nil {
		return err
	}
	if _, err := p.info.Channel.Write(frame); err != nil {
		return osdp.ErrChannelIO
	}
	p.flags.SetAwaitResponse(true)
	p.sentMs = c.clock.NowMs()
	return nil
}

func (c *Context) transmitHandshake(p *pdSlot, idx int, cmd osdp.CommandCode, sbType osdp.SecureBlockType, fields []byte) error {
	seq := c.nextSeq(p)
	payload := append([]byte{byte(cmd)}, fields...)
	frame := phy.EncodeHandshake(p.info.Address, seq, false, true, byte(sbType), payload)
	if _, err := p.info.Channel.Write(frame); err != nil {
		return osdp.ErrChannelIO
	}
	p.flags.SetAwaitResponse(true)
	p.sentMs = c.clock.NowMs()
	return nil
}
