package config

import (
	"fmt"
	"strings"

	"github.com/takehaya/nfqbridge/pkg/nfqueue"
)

// PolicyConfig drives the built-in decision function.
type PolicyConfig struct {
	Default string       `yaml:"default,omitempty" default:"accept"`
	Rules   []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig matches packets and assigns a verdict. Empty fields match
// anything; the first matching rule wins.
type RuleConfig struct {
	Name     string  `yaml:"name,omitempty"`
	Queue    *uint16 `yaml:"queue,omitempty"`
	Protocol string  `yaml:"protocol,omitempty"` // tcp, udp, icmp, icmpv6
	Src      string  `yaml:"src,omitempty"`      // CIDR
	Dst      string  `yaml:"dst,omitempty"`      // CIDR
	SrcPort  string  `yaml:"src_port,omitempty"` // port or low-high
	DstPort  string  `yaml:"dst_port,omitempty"`
	InDev    string  `yaml:"in_dev,omitempty"`
	OutDev   string  `yaml:"out_dev,omitempty"`

	Verdict string  `yaml:"verdict"` // accept, drop, repeat, requeue
	Mark    *uint32 `yaml:"mark,omitempty"`
	Target  uint16  `yaml:"target,omitempty"`
	Bypass  bool    `yaml:"bypass,omitempty"`
}

// ParseVerdict maps a verdict name to its kind. Stolen is not configurable:
// it needs code that later releases the packet.
func ParseVerdict(s string) (nfqueue.VerdictKind, error) {
	switch strings.ToLower(s) {
	case "accept", "":
		return nfqueue.Accept, nil
	case "drop":
		return nfqueue.Drop, nil
	case "repeat":
		return nfqueue.Repeat, nil
	case "requeue", "queue":
		return nfqueue.Requeue, nil
	default:
		return 0, fmt.Errorf("unknown verdict %q", s)
	}
}
