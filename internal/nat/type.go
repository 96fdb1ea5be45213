package nat

import "strings"

// Type is the NAT behaviour observed between the SBC and a STUN server.
type Type int

const (
	// TypeNone means the endpoint is directly reachable (no translation).
	TypeNone Type = iota
	TypeFullCone
	TypeRestrictedCone
	TypePortRestricted
	TypeSymmetric
)

var typeNames = map[Type]string{
	TypeNone:           "NONE",
	TypeFullCone:       "FULL_CONE",
	TypeRestrictedCone: "RESTRICTED_CONE",
	TypePortRestricted: "PORT_RESTRICTED",
	TypeSymmetric:      "SYMMETRIC",
}

var typesByName = map[string]Type{
	"NONE":            TypeNone,
	"FULL_CONE":       TypeFullCone,
	"RESTRICTED_CONE": TypeRestrictedCone,
	"PORT_RESTRICTED": TypePortRestricted,
	"SYMMETRIC":       TypeSymmetric,
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseType maps a name (case-insensitive, "-" accepted for "_") to a Type.
// Unknown names return TypePortRestricted and false.
func ParseType(s string) (Type, bool) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	t, ok := typesByName[key]
	if !ok {
		return TypePortRestricted, false
	}
	return t, true
}

// NeedsRelay reports whether media for an endpoint behind this NAT should be
// anchored on the SBC rather than sent peer-to-peer.
func (t Type) NeedsRelay() bool {
	return t == TypePortRestricted || t == TypeSymmetric
}
