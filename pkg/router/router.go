// Package router models the consensus view of the Tor network: routers,
// their exit policies, and the network-status digest they are built from.
// It is grounded on TorCtl.py's Router/NetworkStatus/ExitPolicyLine classes.
package router

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// NormalizeIDHex strips an optional leading "$" and upper-cases a router
// fingerprint, the way IdHexRestriction and GETINFO replies do.
func NormalizeIDHex(idhex string) string {
	idhex = strings.TrimPrefix(idhex, "$")
	return strings.ToUpper(idhex)
}

// IDHashToHex converts a base64-encoded identity hash (as delivered in NS
// replies) to its upper-case hex representation.
func IDHashToHex(idhash string) (string, error) {
	// Tor base64-encodes identity digests without padding.
	padded := idhash
	if m := len(padded) % 4; m != 0 {
		padded += strings.Repeat("=", 4-m)
	}
	raw, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		return "", fmt.Errorf("router: bad idhash %q: %w", idhash, err)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}

// IPv4ToUint32 packs a dotted-quad IPv4 address into a big-endian uint32.
func IPv4ToUint32(ip string) (uint32, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return 0, fmt.Errorf("router: not an IPv4 address: %q", ip)
	}
	return binary.BigEndian.Uint32(parsed), nil
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32, used for diagnostics.
func Uint32ToIPv4(v uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b).String()
}

// Version is a parsed Tor version tuple, encoded as a·2²⁴+b·2¹⁶+c·2⁸+d so
// that comparisons are plain integer comparisons.
type Version struct {
	Encoded uint32
	String  string
}

var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)`)

// ParseVersion parses a "a.b.c.d..." version string. An empty string
// yields Encoded 0 with String "unknown", which compares below every
// nonzero parsed version.
func ParseVersion(s string) Version {
	if s == "" {
		return Version{String: "unknown"}
	}
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{String: s}
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	c, _ := strconv.Atoi(m[3])
	d, _ := strconv.Atoi(m[4])
	return Version{
		Encoded: uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d),
		String:  s,
	}
}

// Less reports whether v is an older version than other.
func (v Version) Less(other Version) bool { return v.Encoded < other.Encoded }

// ExitPolicyLine is a single accept/reject rule in a router's exit policy.
type ExitPolicyLine struct {
	Accept   bool
	IP       uint32
	Netmask  uint32
	PortLow  int
	PortHigh int
}

// NewExitPolicyLine builds a line from its descriptor-line components.
// ipMask is either "*" or "ip" or "ip/mask" (mask as dotted-quad or CIDR
// bit count); portLow of "*" means the full port range.
func NewExitPolicyLine(accept bool, ipMask, portLow, portHigh string) (ExitPolicyLine, error) {
	line := ExitPolicyLine{Accept: accept}
	if ipMask == "*" {
		line.IP, line.Netmask = 0, 0
	} else {
		ipPart, maskPart, hasMask := strings.Cut(ipMask, "/")
		if !hasMask {
			line.Netmask = 0xFFFFFFFF
		} else if strings.Contains(maskPart, ".") {
			m, err := IPv4ToUint32(maskPart)
			if err != nil {
				return ExitPolicyLine{}, err
			}
			line.Netmask = m
		} else {
			bits, err := strconv.Atoi(maskPart)
			if err != nil {
				return ExitPolicyLine{}, fmt.Errorf("router: bad mask %q: %w", maskPart, err)
			}
			if bits >= 32 {
				line.Netmask = 0xFFFFFFFF
			} else {
				line.Netmask = ^uint32(0) << uint(32-bits)
			}
		}
		ip, err := IPv4ToUint32(ipPart)
		if err != nil {
			return ExitPolicyLine{}, err
		}
		line.IP = ip
	}
	line.IP &= line.Netmask

	if portLow == "*" {
		line.PortLow, line.PortHigh = 0, 65535
	} else {
		lo, err := strconv.Atoi(portLow)
		if err != nil {
			return ExitPolicyLine{}, fmt.Errorf("router: bad port %q: %w", portLow, err)
		}
		hi := lo
		if portHigh != "" {
			hi, err = strconv.Atoi(portHigh)
			if err != nil {
				return ExitPolicyLine{}, fmt.Errorf("router: bad port %q: %w", portHigh, err)
			}
		}
		line.PortLow, line.PortHigh = lo, hi
	}
	return line, nil
}

// check reports (ok, accept). ok is false when the line
// doesn't match the query at all, meaning evaluation should continue.
func (l ExitPolicyLine) check(ip uint32, port int) (ok, accept bool) {
	if ip&l.Netmask != l.IP {
		return false, false
	}
	if port < l.PortLow || port > l.PortHigh {
		return false, false
	}
	return true, l.Accept
}

// Router is a single relay, built from a network-status entry plus its
// descriptor. Mutable in place by Table.ReadRouters so existing references
// (held by restrictions, generators, pooled circuits) see live updates.
type Router struct {
	IDHex      string
	Nickname   string
	BW         int64 // observed bandwidth in bytes/sec
	Down       bool
	ExitPolicy []ExitPolicyLine
	Flags      []string
	IP         uint32
	Version    Version
	OS         string
	Uptime     int64
	ListRank   int // index in the bandwidth-descending sorted table

	// Country, Continent, and OceanGroup are populated by an external
	// GeoIP oracle (pkg/geoip); "" means unresolved. OceanGroup is a
	// coarser partition than Continent (e.g. grouping continents that
	// border the same ocean), used by OceanPhobic.
	Country    string
	Continent  string
	OceanGroup string
}

// HasFlag reports whether the router carries the named consensus flag.
func (r *Router) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// WillExitTo evaluates the router's exit policy against a destination,
// first-match-wins. A query matching no line returns (false, false), so it
// is treated as deny; the miss is not logged.
func (r *Router) WillExitTo(ip uint32, port int) (allowed, matched bool) {
	for _, line := range r.ExitPolicy {
		if ok, accept := line.check(ip, port); ok {
			return accept, true
		}
	}
	return false, false
}

// UpdateTo replaces r's mutable fields with those of fresh, preserving r's
// identity so existing pointers keep seeing live data. IDHex is copied like
// every other field, with no check that it is unchanged; Table.ReadRouters
// calls it only for a router with the same idhex.
func (r *Router) UpdateTo(fresh *Router) {
	r.IDHex = fresh.IDHex
	r.Nickname = fresh.Nickname
	r.BW = fresh.BW
	r.Down = fresh.Down
	r.ExitPolicy = fresh.ExitPolicy
	r.Flags = fresh.Flags
	r.IP = fresh.IP
	r.Version = fresh.Version
	r.OS = fresh.OS
	r.Uptime = fresh.Uptime
	r.Country = fresh.Country
	r.Continent = fresh.Continent
	r.OceanGroup = fresh.OceanGroup
}

// NetworkStatus is a single parsed "r"/"s" group from an ns/ GETINFO reply
// or NS event body.
type NetworkStatus struct {
	Nickname string
	IDHash   string // raw base64 as delivered on the wire
	IDHex    string // decoded/re-encoded hex form
	ORHash   string
	Updated  string
	IP       string
	ORPort   int
	DirPort  int
	Flags    []string
}
