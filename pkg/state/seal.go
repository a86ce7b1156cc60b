package state

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/velora/callkit/pkg/callerr"
)

const nonceSize = 24

// sealer encrypts credentials at rest with a machine-local key kept
// next to the database
type sealer struct {
	key [32]byte
}

func newSealer(keyPath string) (*sealer, error) {
	s := &sealer{}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != 32 {
			return nil, callerr.New(callerr.DomainState, callerr.CodeStoreCorrupt,
				callerr.KindInvariantViolation, "sealing key has wrong length")
		}
		copy(s.key[:], data)
		return s, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read sealing key: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	if err := os.WriteFile(keyPath, s.key[:], 0600); err != nil {
		return nil, fmt.Errorf("failed to write sealing key: %w", err)
	}
	return s, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, callerr.New(callerr.DomainState, callerr.CodeStoreCorrupt,
			callerr.KindInvariantViolation, "sealed credential too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, callerr.New(callerr.DomainState, callerr.CodeStoreCorrupt,
			callerr.KindInvariantViolation, "credential failed to unseal")
	}
	return plaintext, nil
}
