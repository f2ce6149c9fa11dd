package cp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-osdp/osdp"
	"github.com/go-osdp/osdp/pkg/phy"
	"github.com/go-osdp/osdp/pkg/securechannel"
)

// fixedRandom stubs osdp.RandomSource.Read with a deterministic
// sequence, mirroring pkg/securechannel's test helper of the same
// shape: no real randomness needed to exercise the handshake math.
func fixedRandom(seed byte) func([]byte) error {
	return func(buf []byte) error {
		for i := range buf {
			buf[i] = seed + byte(i)
		}
		return nil
	}
}

// loopChannel is a minimal osdp.Channel over two in-memory buffers,
// mirroring pkg/pd's test double: one side's Write feeds the other
// side's Read.
type loopChannel struct {
	id  uintptr
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (c *loopChannel) Read(p []byte) (int, error) {
	if c.in.Len() == 0 {
		return 0, nil // a non-blocking Channel never errors on "nothing available"
	}
	return c.in.Read(p)
}
func (c *loopChannel) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *loopChannel) Flush() error                { return nil }
func (c *loopChannel) ID() uintptr                 { return c.id }

// fakeClock is an osdp.Clock the test advances explicitly.
type fakeClock struct{ ms uint32 }

func (c *fakeClock) NowMs() uint32 { return c.ms }

func newPair(id uintptr) (cp, pd *loopChannel) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	cp = &loopChannel{id: id, in: a, out: b}
	pd = &loopChannel{id: id, in: b, out: a}
	return
}

// recvFrame reads whatever the CP wrote to buf (the CP channel's out,
// which aliases the PD channel's in) and parses its header without
// sequence/MAC validation, for test assertions only.
func recvFrame(t *testing.T, buf *bytes.Buffer) ([]byte, phy.Header) {
	t.Helper()
	frame := buf.Bytes()
	require.NotEmpty(t, frame)
	h, err := phy.ParseHeader(frame)
	require.NoError(t, err)
	buf.Reset()
	return frame, h
}

func TestBringUpReachesOnlineWithoutMasterKey(t *testing.T) {
	ch, pdCh := newPair(1)
	info := osdp.PDInfo{Address: 0x00, Channel: ch}
	ctx := NewContext([]osdp.PDInfo{info}, nil)

	// send CMD_ID
	ctx.Refresh()
	frame, h := recvFrame(t, ch.out)
	require.Equal(t, osdp.CmdID, osdp.CommandCode(mustPayload(t, frame)[0]))

	// PD replies REPLY_PDID
	idReply := []byte{byte(osdp.ReplyPDID), 0, 0xAA, 0xBB, 0xCC, 1, 2, 9, 9, 9, 9, 0, 0, 0}
	replyFrame := phy.EncodePlain(0x00|phy.ReplyAddrBit, h.Seq, false, true, idReply)
	pdCh.Write(replyFrame)
	ctx.Refresh()

	st, err := ctx.PDState(0)
	require.NoError(t, err)
	assert.Equal(t, StateCapDet, st)

	// send CMD_CAP
	ctx.Refresh()
	frame, h = recvFrame(t, ch.out)
	require.Equal(t, osdp.CmdCap, osdp.CommandCode(mustPayload(t, frame)[0]))

	capReply := []byte{byte(osdp.ReplyPDCap), byte(osdp.CapContactStatusMonitoring), 1, 2}
	replyFrame = phy.EncodePlain(0x00|phy.ReplyAddrBit, h.Seq, false, true, capReply)
	pdCh.Write(replyFrame)
	ctx.Refresh()

	st, _ = ctx.PDState(0)
	require.Equal(t, StateSCInit, st)

	// No master key and no per-PD SCBK: the next tick skips secure
	// channel bring-up entirely and goes straight to ONLINE.
	ctx.Refresh()
	st, _ = ctx.PDState(0)
	assert.Equal(t, StateOnline, st)
}

func mustPayload(t *testing.T, frame []byte) []byte {
	t.Helper()
	payload, _, err := phy.Decode(frame, 0x00, 0, true, nil, phy.ChainCtoP)
	require.NoError(t, err)
	return payload
}

func TestSubmitCommandQueueFull(t *testing.T) {
	ch, _ := newPair(2)
	info := osdp.PDInfo{Address: 0x01, Channel: ch}
	ctx := NewContext([]osdp.PDInfo{info}, nil, WithQueueCapacity(1))

	require.NoError(t, ctx.SubmitCommand(0, osdp.CmdLed, []byte{1}))
	err := ctx.SubmitCommand(0, osdp.CmdLed, []byte{2})
	assert.ErrorIs(t, err, osdp.ErrQueueFull)

	rec, ok := ctx.pds[0].queue.PopFront()
	require.True(t, ok)
	assert.Equal(t, []byte{byte(osdp.CmdLed), 1}, rec)
}

func TestSCBKDFallbackWhenMasterKeyDerivedSCBKMismatches(t *testing.T) {
	ch, pdCh := newPair(7)
	var masterKey [16]byte
	copy(masterKey[:], []byte("0123456789abcdef"))
	info := osdp.PDInfo{Address: 0x00, Channel: ch}
	ctx := NewContext([]osdp.PDInfo{info}, &masterKey)

	// ID/CAP bring-up, same shape as TestBringUpReachesOnlineWithoutMasterKey.
	ctx.Refresh()
	frame, h := recvFrame(t, ch.out)
	require.Equal(t, osdp.CmdID, osdp.CommandCode(mustPayload(t, frame)[0]))
	idReply := []byte{byte(osdp.ReplyPDID), 0, 0xAA, 0xBB, 0xCC, 1, 2, 9, 9, 9, 9, 0, 0, 0}
	pdCh.Write(phy.EncodePlain(0x00|phy.ReplyAddrBit, h.Seq, false, true, idReply))
	ctx.Refresh()

	ctx.Refresh()
	frame, h = recvFrame(t, ch.out)
	require.Equal(t, osdp.CmdCap, osdp.CommandCode(mustPayload(t, frame)[0]))
	capReply := []byte{byte(osdp.ReplyPDCap), byte(osdp.CapContactStatusMonitoring), 1, 2}
	pdCh.Write(phy.EncodePlain(0x00|phy.ReplyAddrBit, h.Seq, false, true, capReply))
	ctx.Refresh()

	st, _ := ctx.PDState(0)
	require.Equal(t, StateSCInit, st)

	// A master key is configured, so the next tick starts the secure
	// channel handshake with an SCBK derived from it instead of going
	// straight ONLINE.
	ctx.Refresh()
	frame, h = recvFrame(t, ch.out)
	chlngPayload := mustPayload(t, frame)
	require.Equal(t, osdp.CmdChlng, osdp.CommandCode(chlngPayload[0]))
	var cpRandom [8]byte
	copy(cpRandom[:], chlngPayload[1:9])

	// The PD in this scenario only knows the well-known SCBK-D, not the
	// master-key-derived key the CP just tried: its cryptogram will not
	// match the CP's first attempt.
	pdClientUID := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	pdSession := securechannel.NewSession(securechannel.DefaultSCBK)
	pdRandom, pdCryptogram, err := pdSession.RespondToChallenge(fixedRandom(0x40), cpRandom, pdClientUID)
	require.NoError(t, err)

	ccryptPayload := append([]byte{byte(osdp.ReplyCCrypt)}, pdClientUID[:]...)
	ccryptPayload = append(ccryptPayload, pdRandom[:]...)
	ccryptPayload = append(ccryptPayload, pdCryptogram[:]...)
	pdCh.Write(phy.EncodeHandshake(0x00|phy.ReplyAddrBit, h.Seq, false, true, byte(osdp.SCSCCrypt), ccryptPayload))
	ctx.Refresh()

	// The mismatch drops the CP back to SC_INIT with UsingDefaultSCBK
	// set, ready to retry against SCBK-D rather than abandoning SC.
	st, _ = ctx.PDState(0)
	assert.Equal(t, StateSCInit, st)
	flags, err := ctx.PDFlags(0)
	require.NoError(t, err)
	assert.True(t, flags.UsingDefaultSCBK())

	// The retry re-sends CMD_CHLNG; completing the handshake against
	// SCBK-D this time reaches ONLINE.
	ctx.Refresh()
	frame, h = recvFrame(t, ch.out)
	chlngPayload = mustPayload(t, frame)
	require.Equal(t, osdp.CmdChlng, osdp.CommandCode(chlngPayload[0]))
	copy(cpRandom[:], chlngPayload[1:9])

	pdSession2 := securechannel.NewSession(securechannel.DefaultSCBK)
	pdRandom2, pdCryptogram2, err := pdSession2.RespondToChallenge(fixedRandom(0x60), cpRandom, pdClientUID)
	require.NoError(t, err)
	ccryptPayload = append([]byte{byte(osdp.ReplyCCrypt)}, pdClientUID[:]...)
	ccryptPayload = append(ccryptPayload, pdRandom2[:]...)
	ccryptPayload = append(ccryptPayload, pdCryptogram2[:]...)
	pdCh.Write(phy.EncodeHandshake(0x00|phy.ReplyAddrBit, h.Seq, false, true, byte(osdp.SCSCCrypt), ccryptPayload))
	ctx.Refresh()

	st, _ = ctx.PDState(0)
	require.Equal(t, StateSCScrypt, st)
	frame, h = recvFrame(t, ch.out)
	scryptPayload := mustPayload(t, frame)
	require.Equal(t, osdp.CmdScrypt, osdp.CommandCode(scryptPayload[0]))
	var cpCryptogram [16]byte
	copy(cpCryptogram[:], scryptPayload[1:17])

	seed, err := pdSession2.VerifyCPCryptogramAndSeedRMAC(cpCryptogram)
	require.NoError(t, err)
	rmaciPayload := append([]byte{byte(osdp.ReplyRMacI)}, seed[:]...)
	pdCh.Write(phy.EncodeHandshake(0x00|phy.ReplyAddrBit, h.Seq, false, true, byte(osdp.SCSRMACI), rmaciPayload))
	ctx.Refresh()

	st, _ = ctx.PDState(0)
	assert.Equal(t, StateOnline, st)
	flags, err = ctx.PDFlags(0)
	require.NoError(t, err)
	assert.True(t, flags.UsingDefaultSCBK())
	assert.True(t, flags.SCBKDDone())
	assert.True(t, flags.SCActive())
}

func TestSubmitCommandBadIndex(t *testing.T) {
	ctx := NewContext(nil, nil)
	err := ctx.SubmitCommand(0, osdp.CmdLed, nil)
	assert.ErrorIs(t, err, osdp.ErrBadPDIndex)
}

func TestStatusMaskReflectsOnlinePDs(t *testing.T) {
	ch1, _ := newPair(3)
	ch2, _ := newPair(4)
	ctx := NewContext([]osdp.PDInfo{
		{Address: 0x01, Channel: ch1},
		{Address: 0x02, Channel: ch2},
	}, nil)
	ctx.pds[1].state = StateOnline
	assert.Equal(t, uint32(0x02), ctx.StatusMask())
}

func TestTimeoutAccumulatesToOffline(t *testing.T) {
	ch, _ := newPair(5)
	clk := &fakeClock{}
	info := osdp.PDInfo{Address: 0x01, Channel: ch, ReplyTimeoutMs: 10}
	ctx := NewContext([]osdp.PDInfo{info}, nil, WithClock(clk))
	ctx.pds[0].state = StateOnline

	for i := 0; i < osdp.MaxOfflineMisses; i++ {
		ctx.Refresh() // sends POLL, sets AwaitResponse
		ch.out.Reset()
		clk.ms += 11
		ctx.Refresh() // times out
	}

	st, _ := ctx.PDState(0)
	assert.Equal(t, StateOffline, st)
}

func TestChannelLockArbitratesSharedBus(t *testing.T) {
	ch, _ := newPair(6) // both PDs on the same physical channel id
	ch2 := &loopChannel{id: ch.id, in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	ctx := NewContext([]osdp.PDInfo{
		{Address: 0x01, Channel: ch},
		{Address: 0x02, Channel: ch2},
	}, nil)
	assert.True(t, ctx.pds[0].flags.ChannelShared())
	assert.True(t, ctx.pds[1].flags.ChannelShared())

	// PD0 acquires the bus first; PD1 must wait this pass.
	require.True(t, ctx.acquireChannel(ctx.pds[0], 0))
	assert.False(t, ctx.acquireChannel(ctx.pds[1], 1))

	ctx.releaseChannel(ctx.pds[0], 0)
	assert.True(t, ctx.acquireChannel(ctx.pds[1], 1))
}
