package cp

import (
	"errors"

	"github.com/go-osdp/osdp"
	"github.com/go-osdp/osdp/pkg/phy"
	"github.com/go-osdp/osdp/pkg/securechannel"
)

// awaitReply checks for a complete reply frame and, failing that, for
// a reply timeout. Both paths clear AWAIT_RESP one way or another so
// the next tick moves the FSM forward.
func (c *Context) awaitReply(p *pdSlot, idx int) error {
	var tmp [osdp.MaxFrameSize]byte
	n, err := p.info.Channel.Read(tmp[:])
	if err != nil {
		return osdp.ErrChannelIO
	}
	if n > 0 {
		p.rxBuf = append(p.rxBuf, tmp[:n]...)
	}

	consumed, frameLen, result := phy.Check(p.rxBuf)
	switch result {
	case phy.CheckNone, phy.CheckNeedMore:
		return c.checkTimeout(p, idx)
	case phy.CheckSkip:
		p.rxBuf = p.rxBuf[consumed:]
		return nil
	case phy.CheckBadFormat, phy.CheckFailed:
		c.log.WithField("pd", idx).WithField("result", result).Warn("cp: bad reply, resyncing")
		p.rxBuf = p.rxBuf[consumed:]
		return c.resync(p, idx)
	case phy.CheckBusy:
		p.rxBuf = p.rxBuf[consumed:]
		p.flags.SetAwaitResponse(false) // reschedule the same command, no state change
		c.releaseChannel(p, idx)
		return osdp.ErrPacketBusy
	}

	frame := append([]byte{}, p.rxBuf[:frameLen]...)
	p.rxBuf = p.rxBuf[frameLen:]
	return c.handleReply(p, idx, frame)
}

func (c *Context) checkTimeout(p *pdSlot, idx int) error {
	timeout := p.info.ReplyTimeoutMs
	if timeout == 0 {
		timeout = osdp.DefaultReplyTimeoutMs
	}
	if c.clock.NowMs()-p.sentMs < timeout {
		return nil
	}
	p.flags.SetAwaitResponse(false)
	c.releaseChannel(p, idx)
	// A missed reply is retried immediately next tick rather than
	// waiting out the idle poll-pacing interval.
	p.polledOnce = false
	p.missCount++
	if p.missCount >= osdp.MaxOfflineMisses {
		c.goOffline(p, idx)
		return osdp.ErrTimeout
	}
	return osdp.ErrTimeout
}

func (c *Context) goOffline(p *pdSlot, idx int) {
	c.log.WithField("pd", idx).Warn("cp: PD offline after repeated timeouts")
	if p.inFlight != nil {
		c.complete(idx, CompletionEvicted, 0, nil)
		p.inFlight = nil
		p.queue.PopFront()
	}
	p.state = StateOffline
	p.offlineMs = c.clock.NowMs()
	if p.backoffMs == 0 {
		p.backoffMs = osdp.OfflineBackoffMinMs
	} else {
		p.backoffMs *= 2
		if p.backoffMs > osdp.OfflineBackoffMaxMs {
			p.backoffMs = osdp.OfflineBackoffMaxMs
		}
	}
}

// resync applies the CHECK/FMT retry policy: tear down to a fresh
// sequence (next exchange starts at seq 0, per spec section 8).
func (c *Context) resync(p *pdSlot, idx int) error {
	p.flags.SetAwaitResponse(false)
	c.releaseChannel(p, idx)
	p.seq = 0
	return osdp.ErrPacketFormat
}

func (c *Context) handleReply(p *pdSlot, idx int, frame []byte) error {
	payload, h, err := phy.Decode(frame, p.info.Address, p.seq, false, p.sc, phy.ChainPtoC)
	if err != nil {
		c.log.WithField("pd", idx).WithError(err).Debug("cp: reply decode failed")
		if errors.Is(err, phy.ErrSequence) {
			p.waitRetry++
			p.flags.SetAwaitResponse(false)
			if p.waitRetry > osdp.MaxWaitRetries {
				p.waitRetry = 0
				return c.resync(p, idx)
			}
			c.releaseChannel(p, idx)
			return osdp.ErrPacketWait
		}
		return c.resync(p, idx)
	}

	p.flags.SetAwaitResponse(false)
	c.releaseChannel(p, idx)
	p.missCount = 0
	p.waitRetry = 0
	if len(payload) == 0 {
		return nil
	}
	reply := osdp.ReplyCode(payload[0])
	data := payload[1:]
	_ = h

	switch p.state {
	case StateIDReq:
		return c.handleIDReply(p, idx, reply, data)
	case StateCapDet:
		return c.handleCapReply(p, idx, reply, data)
	case StateSCChlng:
		return c.handleCCryptReply(p, idx, reply, data)
	case StateSCScrypt:
		return c.handleRMacIReply(p, idx, reply, data)
	case StateOnline:
		return c.handleOnlineReply(p, idx, reply, data)
	default:
		return nil
	}
}

func (c *Context) handleIDReply(p *pdSlot, idx int, reply osdp.ReplyCode, data []byte) error {
	if reply != osdp.ReplyPDID || len(data) < 11 {
		return c.resync(p, idx)
	}
	var id osdp.Identity
	copy(id.VendorCode[:], data[1:4])
	id.Model = data[4]
	id.Version = data[5]
	copy(id.Serial[:], data[6:10])
	copy(id.FirmwareVersion[:], data[10:])
	p.reportedID = id
	p.state = StateCapDet
	return nil
}

func (c *Context) handleCapReply(p *pdSlot, idx int, reply osdp.ReplyCode, data []byte) error {
	if reply != osdp.ReplyPDCap {
		return c.resync(p, idx)
	}
	caps := osdp.CapabilityTable{}
	for i := 0; i+2 < len(data)+1 && i+3 <= len(data); i += 3 {
		caps[osdp.CapabilityFunction(data[i])] = osdp.Capability{Compliance: data[i+1], NumItems: data[i+2]}
	}
	p.reportedCaps = caps
	p.state = StateSCInit
	return nil
}

func (c *Context) handleCCryptReply(p *pdSlot, idx int, reply osdp.ReplyCode, data []byte) error {
	if reply != osdp.ReplyCCrypt || len(data) < 32 || p.sc == nil {
		return c.resync(p, idx)
	}
	var pdClientUID, pdRandom [8]byte
	var pdCryptogram [16]byte
	copy(pdClientUID[:], data[0:8])
	copy(pdRandom[:], data[8:16])
	copy(pdCryptogram[:], data[16:32])

	if _, err := p.sc.VerifyPDCryptogramAndIssueSCrypt(pdClientUID, pdRandom, pdCryptogram); err != nil {
		if !p.flags.UsingDefaultSCBK() && !p.flags.SCBKDDone() && c.masterKey != nil && p.info.SCBK == nil {
			// The PD may not have been issued its permanent SCBK yet.
			// Retry the handshake once against the well-known SCBKD
			// before giving up (spec section 4.F, first-time
			// provisioning gated by SC_USE_SCBKD).
			c.log.WithField("pd", idx).Warn("cp: scbk mismatch, retrying handshake with SCBKD")
			p.flags.SetUsingDefaultSCBK(true)
			p.sc = securechannel.NewSession(securechannel.DefaultSCBK)
			p.state = StateSCInit
			return nil
		}
		c.log.WithField("pd", idx).WithError(err).Warn("cp: pd cryptogram mismatch, SC teardown")
		p.flags.SetSCBKDDone(true)
		p.sc.Reset()
		p.state = StateSCInit
		return err
	}
	p.state = StateSCScrypt
	return c.sendScrypt(p, idx)
}

func (c *Context) handleRMacIReply(p *pdSlot, idx int, reply osdp.ReplyCode, data []byte) error {
	if reply != osdp.ReplyRMacI || len(data) < 16 || p.sc == nil {
		return c.resync(p, idx)
	}
	var seed [16]byte
	copy(seed[:], data[:16])
	p.sc.AcceptRMACSeed(seed)
	p.flags.SetSCActive(true)
	p.flags.SetSCBKDDone(true)
	if p.flags.UsingDefaultSCBK() {
		c.log.WithField("pd", idx).Warn("cp: online via SCBKD, submit CMD_KEYSET to install a permanent key")
	}
	p.state = StateOnline
	return nil
}

func (c *Context) handleOnlineReply(p *pdSlot, idx int, reply osdp.ReplyCode, data []byte) error {
	if reply == osdp.ReplyNak {
		code := osdp.NakCode(0)
		if len(data) > 0 {
			code = osdp.NakCode(data[0])
		}
		c.finishInFlight(p, idx, CompletionFailed, reply, data)
		if code == osdp.NakSeqNum {
			c.resync(p, idx)
		}
		return &osdp.NakError{Code: code}
	}

	if reply != osdp.ReplyAck && p.inFlight == nil {
		if c.onEvent != nil {
			c.onEvent(idx, reply, data)
		}
		return nil
	}

	if reply == osdp.ReplyAck && p.inFlight != nil && p.inFlight.cmd == osdp.CmdKeyset {
		// The new SCBK takes effect on the next handshake, not this
		// session's still-active MAC chain; only the SCBKD bookkeeping
		// clears here.
		p.flags.SetUsingDefaultSCBK(false)
		c.log.WithField("pd", idx).Info("cp: KEYSET acked, permanent SCBK installed")
	}

	c.finishInFlight(p, idx, CompletionDelivered, reply, data)
	if reply != osdp.ReplyAck && c.onEvent != nil {
		c.onEvent(idx, reply, data)
	}
	return nil
}

func (c *Context) finishInFlight(p *pdSlot, idx int, status CompletionStatus, reply osdp.ReplyCode, data []byte) {
	if p.inFlight == nil {
		return
	}
	p.queue.PopFront()
	p.inFlight = nil
	c.complete(idx, status, reply, data)
}

func (c *Context) complete(idx int, status CompletionStatus, reply osdp.ReplyCode, data []byte) {
	if c.onComplete != nil {
		c.onComplete(idx, status, reply, data)
	}
}
