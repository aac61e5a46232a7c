package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ecashMessageMagic prefixes every message before hashing, following the
// Bitcoin signed-message convention used by eCash wallets.
const ecashMessageMagic = "eCash Signed Message:\n"

func appendVarint(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

// ecashMessageHash double-hashes the magic-prefixed message.
func ecashMessageHash(message string) []byte {
	buf := appendVarint(nil, uint64(len(ecashMessageMagic)))
	buf = append(buf, ecashMessageMagic...)
	buf = appendVarint(buf, uint64(len(message)))
	buf = append(buf, message...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:]
}

// VerifyECashSignature checks a base64 Bitcoin-style compact signature over
// message and requires the recovered key to hash to the given address.
func VerifyECashSignature(address, message, signature string) error {
	hash, err := DecodeECashAddress(address)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrSignatureMismatch)
	}
	if len(raw) != 65 {
		return fmt.Errorf("%w: compact signature must be 65 bytes", ErrSignatureMismatch)
	}
	header := raw[0]
	if header < 27 || header > 42 {
		return fmt.Errorf("%w: header byte %d out of range", ErrSignatureMismatch, header)
	}
	compressed := header >= 31
	recSig := make([]byte, 65)
	copy(recSig, raw[1:])
	recSig[64] = (header - 27) & 0x03
	pub, err := ethcrypto.SigToPub(ecashMessageHash(message), recSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	var serialized []byte
	if compressed {
		serialized = ethcrypto.CompressPubkey(pub)
	} else {
		serialized = ethcrypto.FromECDSAPub(pub)
	}
	if !bytes.Equal(btcutil.Hash160(serialized), hash) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifySolanaSignature checks a base58 ed25519 signature over message
// against the address public key.
func VerifySolanaSignature(address, message, signature string) error {
	pub, err := DecodeSolanaAddress(address)
	if err != nil {
		return err
	}
	raw := base58.Decode(signature)
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", ErrSignatureMismatch, ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(message), raw) {
		return ErrSignatureMismatch
	}
	return nil
}
