package osdp

// pdFlags is the 16-bit packed state-bit word carried on every PD
// record (spec section 3, "Flags"). It stays a packed representation
// for size and testability parity with the original design, but every
// bit is reached only through a named accessor below -- callers never
// see or manipulate the raw mask (spec section 9, design notes).
type pdFlags uint16

const (
	flagSCCapable pdFlags = 1 << iota
	flagTamper
	flagPower
	flagRemoteTamper
	flagAwaitResponse
	flagSkipSeqCheck
	flagUsingDefaultSCBK
	flagSCActive
	flagSCBKDDone
	flagPDMode
	flagChannelShared
	flagPacketHasMark
	flagSkipMarkOnEmit
	flagHasDedicatedSCBK
)

func (f pdFlags) has(bit pdFlags) bool { return f&bit != 0 }

func (f *pdFlags) set(bit pdFlags, v bool) {
	if v {
		*f |= bit
	} else {
		*f &^= bit
	}
}

// PDState is a PD record's packed flag word (spec section 3, "Flags").
// The zero value has every bit clear. Every bit is reached only through
// a named getter/setter pair below -- callers never see or manipulate
// the raw mask directly.
type PDState struct{ flags pdFlags }

func (s PDState) SCCapable() bool        { return s.flags.has(flagSCCapable) }
func (s PDState) Tamper() bool           { return s.flags.has(flagTamper) }
func (s PDState) Power() bool            { return s.flags.has(flagPower) }
func (s PDState) RemoteTamper() bool     { return s.flags.has(flagRemoteTamper) }
func (s PDState) AwaitResponse() bool    { return s.flags.has(flagAwaitResponse) }
func (s PDState) SkipSeqCheck() bool     { return s.flags.has(flagSkipSeqCheck) }
func (s PDState) UsingDefaultSCBK() bool { return s.flags.has(flagUsingDefaultSCBK) }
func (s PDState) SCActive() bool         { return s.flags.has(flagSCActive) }
func (s PDState) SCBKDDone() bool        { return s.flags.has(flagSCBKDDone) }
func (s PDState) IsPDMode() bool         { return s.flags.has(flagPDMode) }
func (s PDState) ChannelShared() bool    { return s.flags.has(flagChannelShared) }
func (s PDState) PacketHasMark() bool    { return s.flags.has(flagPacketHasMark) }
func (s PDState) SkipMarkOnEmit() bool   { return s.flags.has(flagSkipMarkOnEmit) }
func (s PDState) HasDedicatedSCBK() bool { return s.flags.has(flagHasDedicatedSCBK) }

func (s *PDState) SetSCCapable(v bool)        { s.flags.set(flagSCCapable, v) }
func (s *PDState) SetTamper(v bool)           { s.flags.set(flagTamper, v) }
func (s *PDState) SetPower(v bool)            { s.flags.set(flagPower, v) }
func (s *PDState) SetRemoteTamper(v bool)     { s.flags.set(flagRemoteTamper, v) }
func (s *PDState) SetAwaitResponse(v bool)    { s.flags.set(flagAwaitResponse, v) }
func (s *PDState) SetSkipSeqCheck(v bool)     { s.flags.set(flagSkipSeqCheck, v) }
func (s *PDState) SetUsingDefaultSCBK(v bool) { s.flags.set(flagUsingDefaultSCBK, v) }
func (s *PDState) SetSCActive(v bool)         { s.flags.set(flagSCActive, v) }
func (s *PDState) SetSCBKDDone(v bool)        { s.flags.set(flagSCBKDDone, v) }
func (s *PDState) SetPDMode(v bool)           { s.flags.set(flagPDMode, v) }
func (s *PDState) SetChannelShared(v bool)    { s.flags.set(flagChannelShared, v) }
func (s *PDState) SetPacketHasMark(v bool)    { s.flags.set(flagPacketHasMark, v) }
func (s *PDState) SetSkipMarkOnEmit(v bool)   { s.flags.set(flagSkipMarkOnEmit, v) }
func (s *PDState) SetHasDedicatedSCBK(v bool) { s.flags.set(flagHasDedicatedSCBK, v) }
