package config

import (
	"os"
	"strconv"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/drover/internal/pathutil"
	"github.com/agent462/drover/internal/target"
)

// Host represents a resolved SSH host with connection details.
type Host struct {
	Name          string // Identity label as declared, e.g. "deploy@web-01"
	Hostname      string // Actual SSH hostname to connect to, e.g. "web-01"
	User          string
	Port          int
	IdentityFiles []string
	ProxyJump     string
}

// ResolveHost builds connection details for one deploy address. Precedence
// for each field: user@host syntax, then the ssh section, then ~/.ssh/config,
// then port 22.
func ResolveHost(s SSH, address string) Host {
	host := Host{Name: address, Hostname: address}

	if user, hostname, ok := target.SplitUserHost(address); ok {
		host.Hostname = hostname
		host.User = user
	}
	if host.User == "" {
		host.User = s.User
	}
	host.Port = s.Port
	host.IdentityFiles = pathutil.ExpandHomeAll(s.IdentityFiles)
	host.ProxyJump = s.ProxyJump

	MergeSSHConfig(&host)

	if host.Port == 0 {
		host.Port = 22
	}
	return host
}

// ResolveHosts resolves every address, dropping duplicates while keeping
// first-seen order. Entries with different users for the same hostname
// are distinct.
func ResolveHosts(s SSH, addresses []string) []Host {
	seen := make(map[string]bool, len(addresses))
	hosts := make([]Host, 0, len(addresses))
	for _, addr := range addresses {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		hosts = append(hosts, ResolveHost(s, addr))
	}
	return hosts
}

// MergeSSHConfig reads ~/.ssh/config and fills in User, Port, IdentityFiles
// and ProxyJump for the host if they are not already set. Lookups use
// the Hostname field (the actual SSH target), not the display Name.
func MergeSSHConfig(host *Host) {
	lookup := host.Hostname
	if lookup == "" {
		lookup = host.Name
	}

	if host.User == "" {
		host.User = sshConfigGet(lookup, "User")
	}

	if host.Port == 0 {
		if portStr := sshConfigGet(lookup, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				host.Port = port
			}
		}
	}

	if len(host.IdentityFiles) == 0 {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if _, err := os.Stat(expanded); err == nil {
				host.IdentityFiles = []string{expanded}
			}
		}
	}

	if host.ProxyJump == "" {
		host.ProxyJump = sshConfigGet(lookup, "ProxyJump")
	}
}

// sshConfigGet looks up a key for a host in the user's SSH config.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}
