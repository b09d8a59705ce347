/*
Package user contains core data structures related to participant identity.

It defines the persisted representation of a participant (the User struct) and the Role tag
that partitions participants into the categories the routing policy understands.
*/
package user

import (
	"strings"
	"time"
)

// Role tags a participant with one of the configured categories (e.g. "rider", "client").
type Role string

// RoleUnknown is the role of an identity that is neither online nor on record.
const RoleUnknown Role = ""

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	return string(r)
}

// User represents a registered participant.
// Fields use JSON tags for serialization in REST responses and roster frames.
type User struct {

	// ID is the unique, store-generated identity of the participant.
	ID string `json:"userId"`

	// RoleKey is the external key (e.g. the rider or client id of the upstream system)
	// that, together with Role, identifies the participant at registration time.
	RoleKey string `json:"roleId"`

	// Role is fixed for the lifetime of the participant.
	Role Role `json:"role"`

	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`

	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName returns "First Last", trimmed when either part is missing.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
