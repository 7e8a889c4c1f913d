// Package policy turns the configured rule list into a queue decision
// function.
package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/takehaya/nfqbridge/pkg/config"
	"github.com/takehaya/nfqbridge/pkg/nfqueue"
	"github.com/takehaya/nfqbridge/pkg/packet"
	"github.com/takehaya/nfqbridge/pkg/wire"
)

// Namer maps interface indexes to names. *iface.Resolver implements it.
type Namer interface {
	Name(index uint32) string
}

type portRange struct{ lo, hi uint16 }

func (r portRange) contains(p uint16) bool { return p >= r.lo && p <= r.hi }

type rule struct {
	name     string
	queue    *uint16
	proto    uint8
	src, dst netip.Prefix
	sport    *portRange
	dport    *portRange
	inDev    string
	outDev   string
	decision nfqueue.Decision
}

// needsFlow reports whether matching looks into the payload.
func (r *rule) needsFlow() bool {
	return r.proto != 0 || r.src.IsValid() || r.dst.IsValid() || r.sport != nil || r.dport != nil
}

// Engine evaluates rules in order; the first match decides.
type Engine struct {
	rules []rule
	def   nfqueue.Decision
	names Namer
	log   *zap.Logger
}

// Compile validates cfg and builds an Engine. names may be nil when no rule
// matches on interfaces.
func Compile(cfg config.PolicyConfig, names Namer, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind, err := config.ParseVerdict(cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("default verdict: %w", err)
	}
	e := &Engine{
		def:   nfqueue.Decision{Kind: kind},
		names: names,
		log:   logger.Named("policy"),
	}
	for i, rc := range cfg.Rules {
		r, err := compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Name, err)
		}
		if (r.inDev != "" || r.outDev != "") && names == nil {
			return nil, fmt.Errorf("rule %d (%s): interface match without a resolver", i, rc.Name)
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

func compileRule(rc config.RuleConfig) (rule, error) {
	r := rule{
		name:   rc.Name,
		queue:  rc.Queue,
		inDev:  rc.InDev,
		outDev: rc.OutDev,
	}
	if r.name == "" {
		r.name = "unnamed"
	}
	var err error
	if rc.Protocol != "" {
		if r.proto, err = packet.ParseProtocol(strings.ToLower(rc.Protocol)); err != nil {
			return r, err
		}
	}
	if r.src, err = parsePrefix(rc.Src); err != nil {
		return r, fmt.Errorf("src: %w", err)
	}
	if r.dst, err = parsePrefix(rc.Dst); err != nil {
		return r, fmt.Errorf("dst: %w", err)
	}
	if r.sport, err = parsePorts(rc.SrcPort); err != nil {
		return r, fmt.Errorf("src_port: %w", err)
	}
	if r.dport, err = parsePorts(rc.DstPort); err != nil {
		return r, fmt.Errorf("dst_port: %w", err)
	}
	if (r.sport != nil || r.dport != nil) && r.proto != packet.ProtoTCP && r.proto != packet.ProtoUDP {
		return r, fmt.Errorf("port match needs protocol tcp or udp")
	}

	kind, err := config.ParseVerdict(rc.Verdict)
	if err != nil {
		return r, err
	}
	r.decision = nfqueue.Decision{Kind: kind, Target: rc.Target, Bypass: rc.Bypass}
	if rc.Mark != nil {
		r.decision = r.decision.WithMark(*rc.Mark)
	}
	return r, nil
}

// parsePrefix accepts a CIDR or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// parsePorts accepts "80" or "1024-65535".
func parsePorts(s string) (*portRange, error) {
	if s == "" {
		return nil, nil
	}
	lo, hi, isRange := strings.Cut(s, "-")
	l, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return nil, err
	}
	h := l
	if isRange {
		if h, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16); err != nil {
			return nil, err
		}
	}
	if h < l {
		return nil, fmt.Errorf("empty port range %s", s)
	}
	return &portRange{lo: uint16(l), hi: uint16(h)}, nil
}

// Decide implements nfqueue.DecideFunc.
func (e *Engine) Decide(p *wire.Packet) nfqueue.Decision {
	var (
		flow     packet.Flow
		flowErr  error
		flowDone bool
	)
	for i := range e.rules {
		r := &e.rules[i]
		if r.queue != nil && *r.queue != p.Queue {
			continue
		}
		if r.inDev != "" && e.names.Name(p.InDev) != r.inDev {
			continue
		}
		if r.outDev != "" && e.names.Name(p.OutDev) != r.outDev {
			continue
		}
		if r.needsFlow() {
			if !flowDone {
				flow, flowErr = packet.ExtractFlow(p.Payload)
				flowDone = true
				if flowErr != nil && len(p.Payload) > 0 {
					e.log.Debug("payload not decodable",
						zap.Uint16("queue", p.Queue), zap.Uint32("id", p.ID), zap.Error(flowErr))
				}
			}
			if flowErr != nil || !r.matchFlow(flow) {
				continue
			}
		}
		if ce := e.log.Check(zap.DebugLevel, "rule matched"); ce != nil {
			ce.Write(zap.String("rule", r.name), zap.Uint16("queue", p.Queue),
				zap.Uint32("id", p.ID), zap.Stringer("verdict", r.decision.Kind))
		}
		return r.decision
	}
	return e.def
}

func (r *rule) matchFlow(f packet.Flow) bool {
	if r.proto != 0 && r.proto != f.Protocol {
		return false
	}
	if r.src.IsValid() && !r.src.Contains(f.Src) {
		return false
	}
	if r.dst.IsValid() && !r.dst.Contains(f.Dst) {
		return false
	}
	// Unknown ports never match a port rule.
	if r.sport != nil && (f.SrcPort == 0 || !r.sport.contains(f.SrcPort)) {
		return false
	}
	if r.dport != nil && (f.DstPort == 0 || !r.dport.contains(f.DstPort)) {
		return false
	}
	return true
}
