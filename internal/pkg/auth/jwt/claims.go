package jwt

import "github.com/golang-jwt/jwt"

// Payload is the role tag issued by register-or-login. It carries no permissions beyond
// binding a participant identity to its recorded role.
type Payload struct {
	jwt.StandardClaims

	// ID is the participant identity assigned by the store.
	ID string `json:"id"`

	// Role is the participant's recorded role.
	Role string `json:"role"`
}
