// Package crypto wraps the stdlib AES-128 block cipher in the two modes
// the OSDP secure channel needs: bare ECB (key derivation, cryptograms)
// and CBC (MAC chaining, payload encryption). The block cipher itself
// is out of scope per the specification — callers supply a 16-byte key
// and this package only arranges block chaining and padding.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// ErrBadKeyLength is returned when a key is not exactly 16 bytes
// (AES-128, the only key size OSDP uses).
var ErrBadKeyLength = errors.New("crypto: key must be 16 bytes for AES-128")

// ErrBadBlockLength is returned when plaintext/ciphertext is not a
// multiple of the AES block size.
var ErrBadBlockLength = errors.New("crypto: data must be a multiple of 16 bytes")

const BlockSize = aes.BlockSize // 16

// ECBEncrypt encrypts src (which must be a multiple of 16 bytes) under
// key with AES-128 in ECB mode, i.e. independently block-by-block. OSDP
// only ever ECB-encrypts single 16-byte context blocks (key derivation,
// cryptograms), so there is no plaintext-pattern exposure in practice.
func ECBEncrypt(key, src []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, ErrBadKeyLength
	}
	if len(src)%BlockSize != 0 {
		return nil, ErrBadBlockLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	for off := 0; off < len(src); off += BlockSize {
		block.Encrypt(dst[off:off+BlockSize], src[off:off+BlockSize])
	}
	return dst, nil
}

// CBCEncrypt encrypts src under key with AES-128-CBC, IV iv. src must
// be a multiple of 16 bytes.
func CBCEncrypt(key, iv, src []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, ErrBadKeyLength
	}
	if len(src)%BlockSize != 0 {
		return nil, ErrBadBlockLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// CBCDecrypt decrypts src under key with AES-128-CBC, IV iv. src must
// be a multiple of 16 bytes.
func CBCDecrypt(key, iv, src []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, ErrBadKeyLength
	}
	if len(src)%BlockSize != 0 {
		return nil, ErrBadBlockLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return dst, nil
}

// PadOSDP pads plaintext to a 16-byte boundary with a leading 0x80 byte
// followed by zeros, per the OSDP SCS_17/18 payload encoding. If
// plaintext is already block-aligned, a full extra block of padding is
// still appended (0x80 followed by 15 zero bytes) so that the padding
// is always unambiguous to strip.
func PadOSDP(plaintext []byte) []byte {
	padLen := BlockSize - (len(plaintext) % BlockSize)
	out := make([]byte, len(plaintext)+padLen)
	copy(out, plaintext)
	out[len(plaintext)] = 0x80
	return out
}

// UnpadOSDP strips OSDP 0x80-then-zeros padding, returning an error if
// no 0x80 marker is found.
func UnpadOSDP(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case 0x80:
			return padded[:i], nil
		default:
			return nil, errors.New("crypto: malformed padding")
		}
	}
	return nil, errors.New("crypto: malformed padding")
}
