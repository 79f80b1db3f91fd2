package cache

import (
	"fmt"
	"strings"
)

// Policy grants read and write access to one cache stage.
type Policy uint8

const (
	policyRead Policy = 1 << iota
	policyWrite
)

const (
	PolicyDisabled  Policy = 0
	PolicyReadOnly  Policy = policyRead
	PolicyWriteOnly Policy = policyWrite
	PolicyEnabled   Policy = policyRead | policyWrite
)

// ReadEnabled reports whether the stage may be looked up.
func (p Policy) ReadEnabled() bool {
	return p&policyRead != 0
}

// WriteEnabled reports whether produced values may be stored.
func (p Policy) WriteEnabled() bool {
	return p&policyWrite != 0
}

// IsDisabled reports whether the stage is a pass-through.
func (p Policy) IsDisabled() bool {
	return p == PolicyDisabled
}

// String returns the string representation of the policy
func (p Policy) String() string {
	switch p {
	case PolicyEnabled:
		return "enabled"
	case PolicyReadOnly:
		return "read_only"
	case PolicyWriteOnly:
		return "write_only"
	case PolicyDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy parses the names returned by String. Dashes and case are
// ignored so "READ-ONLY" and "read_only" are the same policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "enabled", "":
		return PolicyEnabled, nil
	case "read_only", "readonly":
		return PolicyReadOnly, nil
	case "write_only", "writeonly":
		return PolicyWriteOnly, nil
	case "disabled":
		return PolicyDisabled, nil
	default:
		return PolicyDisabled, fmt.Errorf("unknown cache policy %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
