package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opd-ai/pathctl/pkg/logger"
)

var (
	nsLineRe    = regexp.MustCompile(`(?m)^r (\S+) (\S+) (\S+) (\S+ \S+) (\S+) (\d+) (\d+)`)
	nsFlagsRe   = regexp.MustCompile(`(?m)^s((?:\s\S*)+)`)
	descRouter  = regexp.MustCompile(`^router (\S+) (\S+)`)
	descPlat    = regexp.MustCompile(`^platform Tor (\S+).*on (\S+)`)
	descAccept  = regexp.MustCompile(`^accept (\S+):([^-]+)(?:-(\d+))?`)
	descReject  = regexp.MustCompile(`^reject (\S+):([^-]+)(?:-(\d+))?`)
	descBW      = regexp.MustCompile(`^bandwidth \d+ \d+ (\d+)`)
	descUptime  = regexp.MustCompile(`^uptime (\d+)`)
	descHibern  = regexp.MustCompile(`^opt hibernating 1`)
)

// ParseNetworkStatusBody splits the body of an "ns/..." GETINFO reply or an
// NS event into individual NetworkStatus records, mirroring
// TorCtl.parse_ns_body's split on "^r ".
func ParseNetworkStatusBody(data string) ([]NetworkStatus, error) {
	var result []NetworkStatus
	matches := nsLineRe.FindAllStringSubmatchIndex(data, -1)
	for i, m := range matches {
		start := m[0]
		end := len(data)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		group := data[start:end]

		rm := nsLineRe.FindStringSubmatch(group)
		if rm == nil {
			return nil, fmt.Errorf("router: malformed r line in ns body")
		}
		fm := nsFlagsRe.FindStringSubmatch(group)
		if fm == nil {
			return nil, fmt.Errorf("router: missing s line for %s", rm[1])
		}
		flags := strings.Fields(fm[1])

		orport, err := strconv.Atoi(rm[6])
		if err != nil {
			return nil, fmt.Errorf("router: bad orport: %w", err)
		}
		dirport, err := strconv.Atoi(rm[7])
		if err != nil {
			return nil, fmt.Errorf("router: bad dirport: %w", err)
		}
		idhex, err := IDHashToHex(rm[2])
		if err != nil {
			return nil, err
		}
		result = append(result, NetworkStatus{
			Nickname: rm[1],
			IDHash:   rm[2],
			IDHex:    idhex,
			ORHash:   rm[3],
			Updated:  rm[4],
			IP:       rm[5],
			ORPort:   orport,
			DirPort:  dirport,
			Flags:    flags,
		})
	}
	return result, nil
}

// BuildFromDesc parses a router descriptor (as returned by
// "GETINFO desc/id/<idhex>") combined with its NetworkStatus entry into a
// Router, following TorCtl.Router.build_from_desc line-by-line. log may be
// nil, in which case logger.NewDefault() is used.
func BuildFromDesc(descLines []string, ns NetworkStatus, log *logger.Logger) (*Router, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	var (
		exitPolicy  []ExitPolicyLine
		bwObserved  int64
		version     string
		os          string
		uptime      int64
		declaredIP  string
		declaredNik string
	)
	down := !contains(ns.Flags, "Running")

	for _, line := range descLines {
		switch {
		case descRouter.MatchString(line):
			m := descRouter.FindStringSubmatch(line)
			declaredNik, declaredIP = m[1], m[2]
		case descAccept.MatchString(line):
			m := descAccept.FindStringSubmatch(line)
			l, err := NewExitPolicyLine(true, m[1], m[2], m[3])
			if err != nil {
				return nil, err
			}
			exitPolicy = append(exitPolicy, l)
		case descReject.MatchString(line):
			m := descReject.FindStringSubmatch(line)
			l, err := NewExitPolicyLine(false, m[1], m[2], m[3])
			if err != nil {
				return nil, err
			}
			exitPolicy = append(exitPolicy, l)
		case descBW.MatchString(line):
			m := descBW.FindStringSubmatch(line)
			bwObserved, _ = strconv.ParseInt(m[1], 10, 64)
		case descPlat.MatchString(line):
			m := descPlat.FindStringSubmatch(line)
			version, os = m[1], m[2]
		case descUptime.MatchString(line):
			m := descUptime.FindStringSubmatch(line)
			uptime, _ = strconv.ParseInt(m[1], 10, 64)
		case descHibern.MatchString(line):
			if contains(ns.Flags, "Running") {
				log.Info("hibernating router is running", "nickname", ns.Nickname)
			}
		}
	}
	if declaredNik != "" && declaredNik != ns.Nickname {
		log.Info("descriptor nickname differs from consensus", "consensus", ns.Nickname, "descriptor", declaredNik)
	}
	if declaredIP == "" {
		declaredIP = ns.IP
	}

	ip, err := IPv4ToUint32(declaredIP)
	if err != nil {
		return nil, err
	}

	return &Router{
		IDHex:      ns.IDHex,
		Nickname:   ns.Nickname,
		BW:         bwObserved,
		Down:       down,
		ExitPolicy: exitPolicy,
		Flags:      ns.Flags,
		IP:         ip,
		Version:    ParseVersion(version),
		OS:         os,
		Uptime:     uptime,
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
