// Package inventory builds the role -> host mapping a deploy runs against.
package inventory

import (
	"context"

	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/target"
)

// Directory resolves configured roles into a host mapping.
type Directory interface {
	Resolve(ctx context.Context, roles []config.Role) (target.Mapping, error)
}

// Static serves the hosts listed in the config file.
type Static struct{}

// Resolve implements Directory.
func (Static) Resolve(_ context.Context, roles []config.Role) (target.Mapping, error) {
	m := make(target.Mapping, 0, len(roles))
	for _, role := range roles {
		rh := target.RoleHosts{Role: role.Name}
		for _, addr := range role.Hosts {
			rh.Hosts = append(rh.Hosts, target.HostEntry{
				Address: addr,
				Options: roleOptions(role, target.Hostname(addr)),
			})
		}
		m = append(m, rh)
	}
	return m, nil
}

// roleOptions copies the role's option bag and sets "<flag>: true" for each
// flag naming this host.
func roleOptions(role config.Role, name string) target.OptionBag {
	opts := target.OptionBag(role.Options).Clone()
	for key, flagged := range role.Flags {
		if flagged == name {
			opts[key] = true
		}
	}
	return opts
}
