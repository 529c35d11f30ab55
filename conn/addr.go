package conn

import (
	"fmt"
	"regexp"
	"strconv"
)

// Family identifies the socket family a Connection dials.
type Family int

const (
	FamilyInet Family = iota
	FamilyInet6
	FamilyUnix
)

const defaultPort = 11211

var (
	reUnix  = regexp.MustCompile(`^unix:(.+)$`)
	reInet6 = regexp.MustCompile(`^inet6:\[([^\[\]]+)\](?::([0-9]+))?$`)
	reInet  = regexp.MustCompile(`^inet:([^:]+)(?::([0-9]+))?$`)
	reBare  = regexp.MustCompile(`^([^:]+)(?::([0-9]+))?$`)
)

// Addr is a parsed connection endpoint.
type Addr struct {
	Family Family
	Host   string // inet/inet6 only
	Port   int    // inet/inet6 only
	Path   string // unix only
}

// Network returns the net.Dial network name for this address.
func (a Addr) Network() string {
	switch a.Family {
	case FamilyUnix:
		return "unix"
	case FamilyInet6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// Dial returns the string net.Dial expects as its address argument.
func (a Addr) Dial() string {
	switch a.Family {
	case FamilyUnix:
		return a.Path
	case FamilyInet6:
		return fmt.Sprintf("[%s]:%d", a.Host, a.Port)
	default:
		return fmt.Sprintf("%s:%d", a.Host, a.Port)
	}
}

// String renders the address the way the original python-memcached
// Connection.__str__ does, for debug logging only.
func (a Addr) String() string {
	switch a.Family {
	case FamilyUnix:
		return "unix:" + a.Path
	case FamilyInet6:
		return fmt.Sprintf("inet6:[%s]:%d", a.Host, a.Port)
	default:
		return fmt.Sprintf("inet:%s:%d", a.Host, a.Port)
	}
}

// ParseAddress parses an endpoint string in the priority order
// documented by spec §4.2: unix:<path>, inet6:[<host>]:<port>,
// inet:<host>:<port>, then bare <host>:<port> defaulting to AF_INET.
func ParseAddress(endpoint string) (Addr, error) {
	if m := reUnix.FindStringSubmatch(endpoint); m != nil {
		return Addr{Family: FamilyUnix, Path: m[1]}, nil
	}
	if m := reInet6.FindStringSubmatch(endpoint); m != nil {
		port, err := parsePort(m[2])
		if err != nil {
			return Addr{}, err
		}
		return Addr{Family: FamilyInet6, Host: m[1], Port: port}, nil
	}
	if m := reInet.FindStringSubmatch(endpoint); m != nil {
		port, err := parsePort(m[2])
		if err != nil {
			return Addr{}, err
		}
		return Addr{Family: FamilyInet, Host: m[1], Port: port}, nil
	}
	if m := reBare.FindStringSubmatch(endpoint); m != nil {
		port, err := parsePort(m[2])
		if err != nil {
			return Addr{}, err
		}
		return Addr{Family: FamilyInet, Host: m[1], Port: port}, nil
	}
	return Addr{}, fmt.Errorf("conn: unable to parse connection string %q", endpoint)
}

func parsePort(s string) (int, error) {
	if s == "" {
		return defaultPort, nil
	}
	return strconv.Atoi(s)
}
