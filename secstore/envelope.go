package secstore

import (
	"fmt"

	"github.com/mreed/walletkit/internal/util"
)

// Envelope is a sealed secret record: AES-256-GCM ciphertext plus the
// gating flag enforced on read. The flag is stored outside the ciphertext
// so stores can decide whether to prompt before decrypting.
type Envelope struct {
	Ver         int    `json:"ver"`
	Scheme      string `json:"scheme"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
	RequireAuth bool   `json:"require_auth,omitempty"`
}

const (
	envelopeVer    = 1
	envelopeScheme = "aes256gcm"
)

// SealEnvelope encrypts a secret value under the device key. The additional
// data binds the envelope to its (username, kind) slot so records cannot be
// swapped between slots.
func SealEnvelope(deviceKey, value []byte, username string, kind SecretKind, requireAuth bool) (*Envelope, error) {
	sealed, err := util.EncryptGCM(value, deviceKey, envelopeAAD(username, kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return &Envelope{
		Ver:         envelopeVer,
		Scheme:      envelopeScheme,
		Nonce:       sealed[:12],
		Ciphertext:  sealed[12:],
		RequireAuth: requireAuth,
	}, nil
}

// OpenEnvelope decrypts a sealed secret record.
func OpenEnvelope(deviceKey []byte, env *Envelope, username string, kind SecretKind) ([]byte, error) {
	if env.Ver != envelopeVer {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrEncodingFailed, env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("%w: unsupported envelope scheme %s", ErrEncodingFailed, env.Scheme)
	}

	sealed := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(sealed, env.Nonce)
	copy(sealed[len(env.Nonce):], env.Ciphertext)

	value, err := util.DecryptGCM(sealed, deviceKey, envelopeAAD(username, kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return value, nil
}

func envelopeAAD(username string, kind SecretKind) []byte {
	return []byte("walletkit/secret/" + username + "/" + string(kind))
}
