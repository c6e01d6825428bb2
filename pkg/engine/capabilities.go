package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Capability is an operation category a backend declares statically.
type Capability uint8

const (
	// CapListInstalled allows enumerating installed packages.
	CapListInstalled Capability = 1 << iota

	// CapSearchRemote allows querying the backend's remote index.
	CapSearchRemote

	// CapQueryDependencies allows listing a package's dependencies.
	CapQueryDependencies

	// CapVersionSelection allows installing a specific version.
	CapVersionSelection
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapListInstalled, "list_installed"},
	{CapSearchRemote, "search_remote"},
	{CapQueryDependencies, "query_dependencies"},
	{CapVersionSelection, "version_selection"},
}

// String returns the wire name of the capability.
func (c Capability) String() string {
	for _, entry := range capabilityNames {
		if entry.cap == c {
			return entry.name
		}
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// ParseCapability resolves a capability from its wire name.
func ParseCapability(name string) (Capability, error) {
	for _, entry := range capabilityNames {
		if entry.name == name {
			return entry.cap, nil
		}
	}
	return 0, fmt.Errorf("unknown capability: %s", name)
}

// CapabilitySet is a closed set of capabilities.
type CapabilitySet uint8

// Capabilities builds a set from individual capabilities.
func Capabilities(caps ...Capability) CapabilitySet {
	var set CapabilitySet
	for _, c := range caps {
		set |= CapabilitySet(c)
	}
	return set
}

// AllCapabilities is the set of every known capability.
var AllCapabilities = Capabilities(CapListInstalled, CapSearchRemote, CapQueryDependencies, CapVersionSelection)

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// Strings returns the wire names of the capabilities in declaration order.
func (s CapabilitySet) Strings() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, entry := range capabilityNames {
		if s.Has(entry.cap) {
			names = append(names, entry.name)
		}
	}
	return names
}

// String implements fmt.Stringer.
func (s CapabilitySet) String() string {
	return strings.Join(s.Strings(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of capability names.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set CapabilitySet
	for _, name := range names {
		c, err := ParseCapability(name)
		if err != nil {
			return err
		}
		set |= CapabilitySet(c)
	}
	*s = set
	return nil
}

// RequireCapability returns UnsupportedOperation when the backend does not
// declare c. operation names the caller-facing operation for the error.
func RequireCapability(b Backend, c Capability, operation string) error {
	if b.Capabilities().Has(c) {
		return nil
	}
	return NewUnsupportedOperationError(b.Name(), operation).
		WithDetail("missing_capability", c.String())
}

// RequireScope returns UnsupportedOperation when the backend has no command
// variant for the scope kind.
func RequireScope(b Backend, scope Scope, operation string) error {
	if b.SupportsScope(scope.Kind) {
		return nil
	}
	return NewUnsupportedOperationError(b.Name(), operation).
		WithCode(ErrCodeScope).
		WithDetail("scope", string(scope.Kind))
}
