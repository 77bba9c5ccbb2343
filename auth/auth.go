// mirror/auth/auth.go
package auth

import (
	"crypto/subtle"
	"errors"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

const (
	Header     = "X-Lumi-Token"
	QueryParam = "token"
)

// Authenticator checks the shared API token. Only its bcrypt hash and the
// digest of the last accepted token are kept in memory.
type Authenticator struct {
	hash     []byte
	verified atomic.Pointer[[32]byte]
}

func New(password string, cost int) (*Authenticator, error) {
	if password == "" {
		return nil, errors.New("api password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{hash: hash}, nil
}

// Check verifies token. A token equal to the last accepted one skips bcrypt.
func (a *Authenticator) Check(token string) bool {
	if token == "" {
		return false
	}
	digest := blake3.Sum256([]byte(token))
	if last := a.verified.Load(); last != nil && subtle.ConstantTimeCompare(last[:], digest[:]) == 1 {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.verified.Store(&digest)
	return true
}

// Middleware rejects requests without a valid token. Browsers cannot set
// headers on EventSource or WebSocket requests, so the token may also be
// passed as a query parameter.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get(Header)
		if token == "" {
			token = c.Query(QueryParam)
		}
		if !a.Check(token) {
			return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
		}
		return c.Next()
	}
}
