// Package target turns a role -> host mapping into deployable units.
package target

import (
	"fmt"
	"strings"
)

// Recognized option keys. Anything else passes through to the deploy step.
const (
	OptLoadBalanced = "load_balanced"
	OptHealthcheck  = "healthcheck"
)

// OptionBag holds the options attached to one (role, host) pair.
type OptionBag map[string]any

// Bool reports whether key is set to a true value. YAML and tag derived
// values may arrive as bool or as a string ("true", "yes").
func (o OptionBag) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "on", "1":
			return true
		}
	}
	return false
}

// Clone returns a shallow copy.
func (o OptionBag) Clone() OptionBag {
	out := make(OptionBag, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// HostEntry is one host listed under a role.
type HostEntry struct {
	Address string
	Options OptionBag
}

// RoleHosts lists the hosts configured for a role.
type RoleHosts struct {
	Role  string
	Hosts []HostEntry
}

// Mapping is the ordered role -> hosts input of a run.
type Mapping []RoleHosts

// Unit is one host targeted by a deploy, with every role it carries.
type Unit struct {
	Host    string
	Roles   []string             // declaration order
	Options map[string]OptionBag // keyed by role
}

// HasRole reports whether the unit carries role.
func (u Unit) HasRole(role string) bool {
	_, ok := u.Options[role]
	return ok
}

// Hostname returns the host without its user@ prefix.
func (u Unit) Hostname() string { return Hostname(u.Host) }

// LoadBalanced reports whether any role marks the host load balanced.
func (u Unit) LoadBalanced() bool {
	for _, role := range u.Roles {
		if u.Options[role].Bool(OptLoadBalanced) {
			return true
		}
	}
	return false
}

// EffectiveOptions merges the role option bags. The first declared role
// wins when two roles set the same key.
func (u Unit) EffectiveOptions() OptionBag {
	out := OptionBag{}
	for _, role := range u.Roles {
		for k, v := range u.Options[role] {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out
}

// SplitUserHost splits "user@host" into its components. It returns
// ok == false when addr has no user part.
func SplitUserHost(addr string) (user, host string, ok bool) {
	i := strings.Index(addr, "@")
	if i <= 0 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}

// Hostname strips a user@ prefix from addr.
func Hostname(addr string) string {
	if _, host, ok := SplitUserHost(addr); ok {
		return host
	}
	return addr
}

// Units is the ordered result of Resolve.
type Units []Unit

// Hosts returns the host addresses in resolver order.
func (us Units) Hosts() []string {
	hosts := make([]string, len(us))
	for i, u := range us {
		hosts[i] = u.Host
	}
	return hosts
}

// Resolve groups the mapping by host. Units are ordered by the first
// appearance of their host; roles keep declaration order.
func Resolve(m Mapping) (Units, error) {
	index := make(map[string]int)
	var units Units

	for i, rh := range m {
		role := strings.TrimSpace(rh.Role)
		if role == "" {
			return nil, fmt.Errorf("role %d has an empty name", i)
		}
		for j, h := range rh.Hosts {
			addr := strings.TrimSpace(h.Address)
			if addr == "" {
				return nil, fmt.Errorf("role %q host %d has an empty address", role, j)
			}

			idx, ok := index[addr]
			if !ok {
				idx = len(units)
				index[addr] = idx
				units = append(units, Unit{
					Host:    addr,
					Options: make(map[string]OptionBag),
				})
			}

			u := &units[idx]
			if _, dup := u.Options[role]; dup {
				return nil, fmt.Errorf("host %q listed twice under role %q", addr, role)
			}
			opts := h.Options.Clone()
			u.Roles = append(u.Roles, role)
			u.Options[role] = opts
		}
	}

	return units, nil
}
