// Package wallet mints the disposable receiving addresses handed out per payment.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var errSecretMarshal = errors.New("wallet: secret key material cannot be serialized")

// Secret holds the private key of a disposable address. It never renders or
// serializes the key; only ECDSA hands it out, for signing.
type Secret struct {
	key *ecdsa.PrivateKey
}

func (s Secret) ECDSA() *ecdsa.PrivateKey {
	return s.key
}

func (s Secret) IsZero() bool {
	return s.key == nil
}

// Address derives the address controlled by the key.
func (s Secret) Address() common.Address {
	if s.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s Secret) String() string {
	return "[redacted]"
}

func (s Secret) GoString() string {
	return "wallet.Secret{[redacted]}"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return nil, errSecretMarshal
}

func (s Secret) MarshalText() ([]byte, error) {
	return nil, errSecretMarshal
}

// Minter creates fresh key pairs.
type Minter interface {
	Mint() (common.Address, Secret, error)
}

type MinterFunc func() (common.Address, Secret, error)

func (f MinterFunc) Mint() (common.Address, Secret, error) {
	return f()
}

// Random mints keys from crypto/rand through go-ethereum's secp256k1 generator.
var Random Minter = MinterFunc(Mint)

func Mint() (common.Address, Secret, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, Secret{}, fmt.Errorf("generate key: %w", err)
	}
	secret := Secret{key: privateKey}
	return secret.Address(), secret, nil
}
