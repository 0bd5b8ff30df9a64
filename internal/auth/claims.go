package auth

import "github.com/golang-jwt/jwt/v5"

// Role names carried in token claims.
const (
	RoleUser       = "user"
	RoleStatistics = "statistics"
)

// AtlasClaims is the claims structure for all sync-service tokens. It
// embeds jwt.RegisteredClaims for the standard fields (exp, iat) and
// adds the account identity the server resolves requests against.
type AtlasClaims struct {
	jwt.RegisteredClaims
	AccountID string   `json:"account_id"`
	PartialID string   `json:"partial_id"`
	Roles     []string `json:"roles"`
}

// HasRole reports whether the claims carry the named role.
func (c *AtlasClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
