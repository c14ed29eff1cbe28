package hostallow

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/types"
)

var ErrNotAllowed = errors.New("hostallow: destination not allowed")

type plugin struct {
	allowHosts *string
}

func New() hooks.Plugin {
	return &plugin{}
}

func (p *plugin) Name() string { return "hostallow" }

func (p *plugin) RegisterFlags(fs *flag.FlagSet) {
	p.allowHosts = fs.String("allow-host", "", "Comma-separated list of hosts the broker may reach (e.g. example.com,*.example.org,10.0.0.0/8)")
}

func (p *plugin) Enabled() bool { return p.allowHosts != nil && *p.allowHosts != "" }

func (p *plugin) RequestHooks() []hooks.RequestHook {
	return []hooks.RequestHook{Parse(*p.allowHosts)}
}

func (p *plugin) ConnectionHooks() []hooks.ConnectionHook { return nil }

// List is a set of allowed destinations: exact hostnames, "*.suffix"
// wildcards, and IP prefixes.
type List struct {
	hooks.NoOpRequestHook
	hosts    map[string]bool
	suffixes []string
	prefixes []netip.Prefix
}

// Parse reads a comma-separated allow list. Bare IPs become single-address
// prefixes.
func Parse(list string) *List {
	l := &List{hosts: map[string]bool{}}
	for _, s := range strings.Split(list, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		switch {
		case s == "":
		case strings.HasPrefix(s, "*."):
			l.suffixes = append(l.suffixes, s[1:])
		default:
			if pfx, err := netip.ParsePrefix(s); err == nil {
				l.prefixes = append(l.prefixes, pfx.Masked())
			} else if addr, err := netip.ParseAddr(s); err == nil {
				l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			} else {
				l.hosts[s] = true
			}
		}
	}
	return l
}

// Allows reports whether host (no port) is on the list.
func (l *List) Allows(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, pfx := range l.prefixes {
			if pfx.Contains(addr) {
				return true
			}
		}
		return false
	}
	if l.hosts[host] {
		return true
	}
	for _, suf := range l.suffixes {
		if strings.HasSuffix(host, suf) {
			return true
		}
	}
	return false
}

func (l *List) BeforeTunnel(_ string, req types.HTTPRequest) (types.HTTPRequest, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return req, fmt.Errorf("%w: %q", ErrNotAllowed, req.URL)
	}
	host := u.Hostname()
	if !l.Allows(host) {
		return req, fmt.Errorf("%w: %s", ErrNotAllowed, host)
	}
	return req, nil
}
