// Package securechannel implements the OSDP secure channel: key
// derivation from a master key and PD client UID, the four-step
// CHLNG/CCRYPT/SCRYPT/RMAC_I handshake, the running per-direction MAC
// chain, and SCS_17/18 payload encryption (spec section 4.F).
//
// Shape grounded on the GlobalPlatform SCP03 cryptogram/MAC-chaining
// helpers (other_examples/card/scp03.go): context-block key derivation
// under AES-ECB, then a CBC-chained running MAC rather than SCP03's
// AES-CMAC (OSDP chains plain CBC-MAC over two distinct sub-keys
// instead of deriving CMAC subkeys).
package securechannel

import (
	"crypto/subtle"
	"errors"

	"github.com/go-osdp/osdp/internal/crypto"
)

var (
	// ErrCryptogramMismatch is returned when a peer's cryptogram does
	// not match what this side derives from the shared keys.
	ErrCryptogramMismatch = errors.New("securechannel: cryptogram mismatch")
	// ErrMACMismatch is returned when a received packet's MAC does not
	// match the running chain.
	ErrMACMismatch = errors.New("securechannel: MAC mismatch")
	// ErrNotActive is returned when payload crypto is attempted before
	// the handshake has completed.
	ErrNotActive = errors.New("securechannel: channel not active")
)

// Context-block tags used to derive distinct keys/cryptograms from one
// base key, following the same "constant byte + randoms" shape as
// SCP03's derivation constants.
const (
	tagSEnc         byte = 0x01
	tagSMac1        byte = 0x02
	tagSMac2        byte = 0x03
	tagSCBKFromMK   byte = 0x04
	tagRMacSeed     byte = 0x05
)

// contextBlock builds the fixed 16-byte block AES-ECB-encrypted under
// a base key to derive a new key or cryptogram: one tag byte, all 8
// bytes of a, then the first 7 bytes of b (the last byte of b is not
// part of the block).
func contextBlock(tag byte, a, b [8]byte) []byte {
	blk := make([]byte, 16)
	blk[0] = tag
	copy(blk[1:9], a[:])
	copy(blk[9:16], b[:7])
	return blk
}

// Session holds one PD's secure channel state across the handshake and
// subsequent MAC-chained traffic.
type Session struct {
	SCBK  [16]byte
	SEnc  [16]byte
	SMac1 [16]byte
	SMac2 [16]byte

	CMac [16]byte // running CP->PD MAC chain state
	RMac [16]byte // running PD->CP MAC chain state

	CPRandom     [8]byte
	PDRandom     [8]byte
	PDClientUID  [8]byte
	CPCryptogram [16]byte
	PDCryptogram [16]byte

	Active     bool
	UsingSCBKD bool
	HasSCBK    bool
}

// NewSession starts a fresh (inactive) session bound to scbk.
func NewSession(scbk [16]byte) *Session {
	return &Session{SCBK: scbk, HasSCBK: true}
}

// DefaultSCBK is the well-known SCBK-D key (spec section 4.F): a
// publicly documented key used only to bring up a PD that has not yet
// been issued a real SCBK, so the CP can reach SC_ACTIVE long enough to
// push a KEYSET installing the permanent key. Never reused once a real
// key is in place.
var DefaultSCBK = [16]byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
}

// DeriveSCBK derives a PD's base SCBK from the context master key and
// the PD's 8-byte client UID. The master key itself is never
// transmitted and this derived SCBK is never transmitted once
// established.
func DeriveSCBK(masterKey [16]byte, pdClientUID [8]byte) ([16]byte, error) {
	var zero [8]byte
	out, err := crypto.ECBEncrypt(masterKey[:], contextBlock(tagSCBKFromMK, pdClientUID, zero))
	var scbk [16]byte
	if err != nil {
		return scbk, err
	}
	copy(scbk[:], out)
	return scbk, nil
}

func (s *Session) deriveSessionKeys() error {
	enc, err := crypto.ECBEncrypt(s.SCBK[:], contextBlock(tagSEnc, s.CPRandom, s.PDRandom))
	if err != nil {
		return err
	}
	m1, err := crypto.ECBEncrypt(s.SCBK[:], contextBlock(tagSMac1, s.CPRandom, s.PDRandom))
	if err != nil {
		return err
	}
	m2, err := crypto.ECBEncrypt(s.SCBK[:], contextBlock(tagSMac2, s.CPRandom, s.PDRandom))
	if err != nil {
		return err
	}
	copy(s.SEnc[:], enc)
	copy(s.SMac1[:], m1)
	copy(s.SMac2[:], m2)
	return nil
}

// --- CP side ---

// GenerateChallenge starts the handshake: it draws cp_random and
// returns it for the caller to place in the CMD_CHLNG secure block.
func (s *Session) GenerateChallenge(randBytes func([]byte) error) ([8]byte, error) {
	if err := randBytes(s.CPRandom[:]); err != nil {
		return s.CPRandom, err
	}
	return s.CPRandom, nil
}

// VerifyPDCryptogramAndIssueSCrypt is the CP-side step 3: given the
// PD's REPLY_CCRYPT fields, derive session keys, verify pd_cryptogram,
// and return cp_cryptogram for CMD_SCRYPT.
func (s *Session) VerifyPDCryptogramAndIssueSCrypt(pdClientUID, pdRandom [8]byte, pdCryptogram [16]byte) ([16]byte, error) {
	s.PDClientUID = pdClientUID
	s.PDRandom = pdRandom
	if err := s.deriveSessionKeys(); err != nil {
		return [16]byte{}, err
	}
	expected, err := crypto.ECBEncrypt(s.SEnc[:], append(append([]byte{}, s.CPRandom[:]...), s.PDRandom[:]...))
	if err != nil {
		return [16]byte{}, err
	}
	if subtle.ConstantTimeCompare(expected, pdCryptogram[:]) != 1 {
		return [16]byte{}, ErrCryptogramMismatch
	}
	copy(s.PDCryptogram[:], pdCryptogram[:])

	cpCrypt, err := crypto.ECBEncrypt(s.SEnc[:], append(append([]byte{}, s.PDRandom[:]...), s.CPRandom[:]...))
	if err != nil {
		return [16]byte{}, err
	}
	copy(s.CPCryptogram[:], cpCrypt)
	return s.CPCryptogram, nil
}

// AcceptRMACSeed is the CP-side step 4: install the R-MAC seed the PD
// returned in REPLY_RMAC_I and mark the session active.
func (s *Session) AcceptRMACSeed(seed [16]byte) {
	s.RMac = seed
	s.CMac = seed
	s.Active = true
}

// --- PD side ---

// RespondToChallenge is the PD-side step 2: given cp_random from
// CMD_CHLNG and this PD's client UID, draw pd_random, derive session
// keys, and return pd_random plus pd_cryptogram for REPLY_CCRYPT.
func (s *Session) RespondToChallenge(randBytes func([]byte) error, cpRandom [8]byte, pdClientUID [8]byte) (pdRandom [8]byte, pdCryptogram [16]byte, err error) {
	s.CPRandom = cpRandom
	s.PDClientUID = pdClientUID
	if err = randBytes(s.PDRandom[:]); err != nil {
		return
	}
	pdRandom = s.PDRandom
	if err = s.deriveSessionKeys(); err != nil {
		return
	}
	crypt, err := crypto.ECBEncrypt(s.SEnc[:], append(append([]byte{}, s.CPRandom[:]...), s.PDRandom[:]...))
	if err != nil {
		return
	}
	copy(s.PDCryptogram[:], crypt)
	pdCryptogram = s.PDCryptogram
	return
}

// VerifyCPCryptogramAndSeedRMAC is the PD-side step 4: verify
// cp_cryptogram from CMD_SCRYPT, derive the initial R-MAC seed for
// REPLY_RMAC_I, and mark the session active.
func (s *Session) VerifyCPCryptogramAndSeedRMAC(cpCryptogram [16]byte) ([16]byte, error) {
	expected, err := crypto.ECBEncrypt(s.SEnc[:], append(append([]byte{}, s.PDRandom[:]...), s.CPRandom[:]...))
	if err != nil {
		return [16]byte{}, err
	}
	if subtle.ConstantTimeCompare(expected, cpCryptogram[:]) != 1 {
		return [16]byte{}, ErrCryptogramMismatch
	}
	copy(s.CPCryptogram[:], cpCryptogram[:])

	seedSrc, err := crypto.ECBEncrypt(s.SMac2[:], contextBlock(tagRMacSeed, s.PDRandom, s.CPRandom))
	if err != nil {
		return [16]byte{}, err
	}
	var seed [16]byte
	copy(seed[:], seedSrc)
	s.RMac = seed
	s.CMac = seed
	s.Active = true
	return seed, nil
}

// --- MAC chain ---

// chainMAC CBC-chains data (OSDP-padded to a 16-byte boundary) from
// prevMac, using sMac1 for every block except the last, which uses
// sMac2.
func chainMAC(sMac1, sMac2, prevMac [16]byte, data []byte) ([16]byte, error) {
	padded := crypto.PadOSDP(data)
	nblocks := len(padded) / 16
	iv := prevMac
	var out [16]byte
	for i := 0; i < nblocks; i++ {
		key := sMac1
		if i == nblocks-1 {
			key = sMac2
		}
		enc, err := crypto.CBCEncrypt(key[:], iv[:], padded[i*16:(i+1)*16])
		if err != nil {
			return out, err
		}
		copy(out[:], enc)
		iv = out
	}
	return out, nil
}

// NextCMAC advances the CP->PD MAC chain over data and returns the new
// running MAC (full 16 bytes; 4 are truncated onto the wire by pkg/phy).
func (s *Session) NextCMAC(data []byte) ([16]byte, error) {
	mac, err := chainMAC(s.SMac1, s.SMac2, s.CMac, data)
	if err != nil {
		return mac, err
	}
	s.CMac = mac
	return mac, nil
}

// NextRMAC advances the PD->CP MAC chain over data and returns the new
// running MAC.
func (s *Session) NextRMAC(data []byte) ([16]byte, error) {
	mac, err := chainMAC(s.SMac1, s.SMac2, s.RMac, data)
	if err != nil {
		return mac, err
	}
	s.RMac = mac
	return mac, nil
}

// VerifyCMAC checks a received CP->PD MAC against the chain, advancing
// the chain only on success. A mismatch must tear the connection down
// to SC_INIT in the caller.
func (s *Session) VerifyCMAC(data []byte, receivedTrunc [4]byte) error {
	mac, err := chainMAC(s.SMac1, s.SMac2, s.CMac, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac[:4], receivedTrunc[:]) != 1 {
		return ErrMACMismatch
	}
	s.CMac = mac
	return nil
}

// VerifyRMAC checks a received PD->CP MAC against the chain, advancing
// the chain only on success.
func (s *Session) VerifyRMAC(data []byte, receivedTrunc [4]byte) error {
	mac, err := chainMAC(s.SMac1, s.SMac2, s.RMac, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac[:4], receivedTrunc[:]) != 1 {
		return ErrMACMismatch
	}
	s.RMac = mac
	return nil
}

// TruncateMAC returns the 4 wire bytes of a full running MAC.
func TruncateMAC(mac [16]byte) [4]byte {
	var t [4]byte
	copy(t[:], mac[:4])
	return t
}

// --- payload crypto (SCS_17/18) ---

// EncryptPayload encrypts plaintext under s_enc with iv (the peer's
// current running MAC, per spec section 4.F), OSDP-padding it first.
func (s *Session) EncryptPayload(plaintext []byte, iv [16]byte) ([]byte, error) {
	if !s.Active {
		return nil, ErrNotActive
	}
	padded := crypto.PadOSDP(plaintext)
	return crypto.CBCEncrypt(s.SEnc[:], iv[:], padded)
}

// DecryptPayload decrypts ciphertext under s_enc with iv and strips
// OSDP padding.
func (s *Session) DecryptPayload(ciphertext []byte, iv [16]byte) ([]byte, error) {
	if !s.Active {
		return nil, ErrNotActive
	}
	padded, err := crypto.CBCDecrypt(s.SEnc[:], iv[:], ciphertext)
	if err != nil {
		return nil, err
	}
	return crypto.UnpadOSDP(padded)
}

// Reset tears the session down to pre-handshake state (SC_INIT),
// clearing derived keys and the MAC chain but preserving SCBK so the
// next handshake can proceed without re-provisioning.
func (s *Session) Reset() {
	s.SEnc = [16]byte{}
	s.SMac1 = [16]byte{}
	s.SMac2 = [16]byte{}
	s.CMac = [16]byte{}
	s.RMac = [16]byte{}
	s.CPRandom = [8]byte{}
	s.PDRandom = [8]byte{}
	s.CPCryptogram = [16]byte{}
	s.PDCryptogram = [16]byte{}
	s.Active = false
}
