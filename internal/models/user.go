package models

import "time"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleOfficer Role = "officer"
	RolePrinter Role = "printer"
	RoleViewer  Role = "viewer"
	// RoleSystem is carried by actors that originate inside the engine
	// (event handlers, sweeps). It is never stored on a user.
	RoleSystem Role = "system"
)

var roles = []Role{
	RoleAdmin,
	RoleManager,
	RoleOfficer,
	RolePrinter,
	RoleViewer,
}

func Roles() []Role { return append([]Role(nil), roles...) }

func (r Role) String() string { return string(r) }
func (r Role) Valid() bool   { return enumValid(roles, r) }

func (r Role) In(set ...Role) bool {
	return enumValid(set, r)
}

func ParseRole(raw string) (Role, error) {
	return enumParse(roles, "role", raw)
}

type User struct {
	ID        uint64
	Username  string
	FullName  string
	Role      Role
	Active    bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserLocation grants a user a working relationship with a location.
type UserLocation struct {
	UserID     uint64
	LocationID uint64
	IsPrimary  bool
	CanPrint   bool
	CreatedAt  time.Time
}

// Actor is the already authenticated caller of an operation.
type Actor struct {
	UserID uint64 `json:"user_id"`
	Role   Role   `json:"role"`
}

// SystemActor is used for transitions driven by events and background sweeps.
func SystemActor() Actor {
	return Actor{Role: RoleSystem}
}

func (a Actor) IsSystem() bool { return a.Role == RoleSystem }
