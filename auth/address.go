// Package auth verifies wallet ownership and issues session tokens. Wallet
// addresses are the primary identity; signature verification is optional per
// deployment and enforced when AUTH_REQUIRE_SIGNATURE is set.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var (
	// ErrInvalidAddress marks a malformed wallet address.
	ErrInvalidAddress = errors.New("auth: invalid address")
	// ErrSignatureMismatch marks a signature that does not prove the address.
	ErrSignatureMismatch = errors.New("auth: signature does not match address")
)

// ECashPrefix is the cashaddr human-readable prefix for the eCash chain.
const ECashPrefix = "ecash"

const cashCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var cashCharsetRev [128]int8

func init() {
	for i := range cashCharsetRev {
		cashCharsetRev[i] = -1
	}
	for i, c := range cashCharset {
		cashCharsetRev[c] = int8(i)
	}
}

// cashPolymod is the BCH checksum over 5-bit symbols, as defined by the
// cashaddr format.
func cashPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func expandPrefix(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

func convertBits(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1)<<to - 1
	var out []byte
	for _, value := range data {
		if uint(value)>>from != 0 {
			return nil, fmt.Errorf("invalid %d-bit group %d", from, value)
		}
		acc = acc<<from | uint32(value)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(to-bits)&maxv))
		}
	} else if bits >= from || acc<<(to-bits)&maxv != 0 {
		return nil, errors.New("non-zero padding")
	}
	return out, nil
}

// DecodeECashAddress parses a cashaddr eCash address and returns the 20-byte
// public key hash. The prefix is optional on input; a bare payload is read
// with the ecash prefix.
func DecodeECashAddress(address string) ([]byte, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" || strings.ToLower(trimmed) != trimmed && strings.ToUpper(trimmed) != trimmed {
		return nil, fmt.Errorf("%w: mixed case", ErrInvalidAddress)
	}
	trimmed = strings.ToLower(trimmed)
	prefix := ECashPrefix
	payload := trimmed
	if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
		prefix = trimmed[:idx]
		payload = trimmed[idx+1:]
	}
	if prefix != ECashPrefix {
		return nil, fmt.Errorf("%w: prefix %q", ErrInvalidAddress, prefix)
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}
	values := make([]byte, len(payload))
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if c >= 128 || cashCharsetRev[c] < 0 {
			return nil, fmt.Errorf("%w: character %q", ErrInvalidAddress, c)
		}
		values[i] = byte(cashCharsetRev[c])
	}
	if cashPolymod(append(expandPrefix(prefix), values...)) != 0 {
		return nil, fmt.Errorf("%w: bad checksum", ErrInvalidAddress)
	}
	decoded, err := convertBits(values[:len(values)-8], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidAddress)
	}
	version := decoded[0]
	hash := decoded[1:]
	// Only P2PKH with a 160-bit hash is used for wallet identity.
	if version != 0 || len(hash) != 20 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidAddress, version)
	}
	return hash, nil
}

// EncodeECashAddress renders a 20-byte public key hash as a prefixed P2PKH
// cashaddr.
func EncodeECashAddress(hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("%w: hash must be 20 bytes", ErrInvalidAddress)
	}
	data, err := convertBits(append([]byte{0}, hash...), 8, 5, true)
	if err != nil {
		return "", err
	}
	checksumInput := append(expandPrefix(ECashPrefix), data...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	mod := cashPolymod(checksumInput)
	var sb strings.Builder
	sb.WriteString(ECashPrefix)
	sb.WriteByte(':')
	for _, v := range data {
		sb.WriteByte(cashCharset[v])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(cashCharset[mod>>(5*(7-i))&0x1f])
	}
	return sb.String(), nil
}

// ValidateECashAddress reports whether the address is a well-formed eCash
// P2PKH cashaddr.
func ValidateECashAddress(address string) error {
	_, err := DecodeECashAddress(address)
	return err
}

// DecodeSolanaAddress parses a base58 Solana address into its 32-byte
// ed25519 public key.
func DecodeSolanaAddress(address string) ([]byte, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	decoded := base58.Decode(trimmed)
	if len(decoded) != 32 {
		return nil, fmt.Errorf("%w: not a 32-byte key", ErrInvalidAddress)
	}
	return decoded, nil
}

// ValidateSolanaAddress reports whether the address is a well-formed Solana
// public key.
func ValidateSolanaAddress(address string) error {
	_, err := DecodeSolanaAddress(address)
	return err
}
