package account

import (
	"github.com/mreed/walletkit/backend"
	"github.com/mreed/walletkit/internal/util"
)

var proofSalt = []byte("walletkit/login-proof/v1")

// loginProof derives the client-side authentication proof from a secret.
// The salt is bound to the username and proof kind so proofs cannot be
// replayed across accounts or credential types. The backend stores only a
// verifier of this proof; the secret itself never leaves the device.
func loginProof(kind backend.ProofKind, username, secret string) ([]byte, error) {
	salt, err := util.HKDF([]byte(username), proofSalt, []byte(kind))
	if err != nil {
		return nil, err
	}
	normalized := []byte(util.Normalize(secret))
	defer util.WipeBytes(normalized)
	return util.DeriveArgon2idKey(normalized, salt, util.DefaultArgon2idParams())
}
