package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor used for every stored hash.
const PasswordCost = 10

var ErrEmptyPassword = errors.New("password cannot be empty")

// dummyPasswordHash is compared against when an email is unknown so that the
// login path costs the same whether or not the account exists. It is a
// valid cost-10 bcrypt hash that matches no password a client can send.
//
//nolint:gosec // G101: not a credential.
const dummyPasswordHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8.0RZ8lnQ6wB2kkG0u1R6ZkJmR4gyq"

// Hasher derives and checks one-way password hashes.
type Hasher struct {
	cost int
}

func NewHasher() *Hasher {
	return &Hasher{cost: PasswordCost}
}

// Hash returns a salted bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether password matches hash. The comparison is
// constant-time with respect to the stored hash.
func (h *Hasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy burns the same work as Verify for an account that does not
// exist. It always reports false.
func (h *Hasher) VerifyDummy(password string) bool {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
	return false
}
