package peerrpc

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/simonsobs/librarian/internal/cmn"
)

// claims is the bearer token payload exchanged between librarians;
// the "auth" value configured per-peer in the server config (§6) is
// the HMAC secret used to both mint and verify these.
type claims struct {
	jwt.RegisteredClaims
	Librarian string `json:"librarian"`
}

// MintToken issues a short-lived bearer token identifying this
// librarian to a peer, signed with the shared secret configured for
// that peer.
func MintToken(selfName, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Librarian: selfName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", cmn.Wrap(cmn.KindProtocol, err, "minting peer auth token for %q", selfName)
	}
	return signed, nil
}

// VerifyToken checks a bearer token presented by a peer against the
// secret configured for that peer's name, and returns the librarian
// name it claims to be.
func VerifyToken(tokenString, secret string) (string, error) {
	return verify(tokenString, func(string) (string, bool) { return secret, true })
}

// VerifyAnyToken verifies a bearer token against whichever secret
// secretFor returns for the librarian name the token itself claims —
// the HTTP surface serves many peers behind one endpoint and doesn't
// know which one is calling until it reads that claim.
func VerifyAnyToken(tokenString string, secretFor func(librarian string) (string, bool)) (string, error) {
	return verify(tokenString, secretFor)
}

func verify(tokenString string, secretFor func(librarian string) (string, bool)) (string, error) {
	var claimedName string
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*claims)
		if !ok {
			return nil, cmn.New(cmn.KindRejected, "invalid peer auth token claims")
		}
		claimedName = c.Librarian
		secret, ok := secretFor(c.Librarian)
		if !ok {
			return nil, cmn.New(cmn.KindRejected, "unknown librarian %q", c.Librarian)
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", cmn.New(cmn.KindRejected, "invalid peer auth token")
	}
	return claimedName, nil
}
