package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes (AES-256).
	scryptKeyLen = 32
)

// sealer encrypts credential records with AES-GCM. Stored format is
// [12-byte nonce][ciphertext+GCM tag].
type sealer struct {
	gcm cipher.AEAD
}

// newSealer derives a key from passphrase and salt. The passphrase is
// NFKC-normalised so the same passphrase typed on different platforms
// derives the same key.
func newSealer(passphrase string, salt []byte) (*sealer, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sealer{gcm: gcm}, nil
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *sealer) open(data []byte) ([]byte, error) {
	ns := s.gcm.NonceSize()
	if len(data) < ns+s.gcm.Overhead() {
		return nil, fmt.Errorf("sealed credential too short (%d bytes)", len(data))
	}

	plain, err := s.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential: %w", err)
	}

	return plain, nil
}
