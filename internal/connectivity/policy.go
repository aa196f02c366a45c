// Package connectivity holds the default-deny reachability graph between stack
// components and realises it as security groups.
package connectivity

import (
	"fmt"
	"net/netip"
	"sort"

	"dbstack/internal/domain"
)

// Well-known ports.
const (
	PortSSH   = 22
	PortHTTPS = 443
)

// Policy is a directed graph of allow edges. A new policy has zero edges:
// nothing may talk to anything until Allow is called.
type Policy struct {
	edges map[string]domain.Rule
}

// NewPolicy returns an empty (deny-all) policy.
func NewPolicy() *Policy {
	return &Policy{edges: make(map[string]domain.Rule)}
}

// Allow adds the directed edge from -> to:port. Adding an existing edge is a no-op.
func (p *Policy) Allow(from, to domain.Peer, port int) error {
	if err := validatePeer(from); err != nil {
		return err
	}
	if err := validatePeer(to); err != nil {
		return err
	}
	if from.IsCIDR() && to.IsCIDR() {
		return domain.Configf("connectivity", "edge %s -> %s has no component side", from, to)
	}
	if from == to {
		return domain.Configf("connectivity", "edge %s -> %s is a self loop", from, to)
	}
	if port < 1 || port > 65535 {
		return domain.Configf("connectivity", "port %d out of range", port)
	}

	rule := domain.Rule{From: from, To: to, Port: port}
	p.edges[rule.Key()] = rule
	return nil
}

// AllowBoth adds a <-> b:port as two directed edges.
func (p *Policy) AllowBoth(a, b domain.Peer, port int) error {
	if err := p.Allow(a, b, port); err != nil {
		return err
	}
	return p.Allow(b, a, port)
}

// Permits reports whether from may reach to on port. Only explicit edges
// permit; a CIDR peer matches an edge whose block contains it.
func (p *Policy) Permits(from, to domain.Peer, port int) bool {
	for _, r := range p.edges {
		if r.Port == port && peerMatches(r.From, from) && peerMatches(r.To, to) {
			return true
		}
	}
	return false
}

// Edges returns every rule in stable order.
func (p *Policy) Edges() []domain.Rule {
	keys := make([]string, 0, len(p.edges))
	for k := range p.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Rule, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.edges[k])
	}
	return out
}

// Len is the number of edges.
func (p *Policy) Len() int {
	return len(p.edges)
}

// Ingress returns the rules ending at component.
func (p *Policy) Ingress(component string) []domain.Rule {
	var out []domain.Rule
	for _, r := range p.Edges() {
		if !r.To.IsCIDR() && r.To.Component == component {
			out = append(out, r)
		}
	}
	return out
}

// Egress returns the rules starting at component.
func (p *Policy) Egress(component string) []domain.Rule {
	var out []domain.Rule
	for _, r := range p.Edges() {
		if !r.From.IsCIDR() && r.From.Component == component {
			out = append(out, r)
		}
	}
	return out
}

// Components returns every named component that appears in an edge.
func (p *Policy) Components() []string {
	seen := make(map[string]bool)
	for _, r := range p.edges {
		if !r.From.IsCIDR() {
			seen[r.From.Component] = true
		}
		if !r.To.IsCIDR() {
			seen[r.To.Component] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func validatePeer(peer domain.Peer) error {
	switch {
	case peer.IsCIDR() && peer.Component != "":
		return domain.Configf("connectivity", "peer %+v is both a component and a CIDR", peer)
	case peer.IsCIDR():
		if _, err := netip.ParsePrefix(peer.CIDR); err != nil {
			return domain.Configf("connectivity", "invalid CIDR %q: %v", peer.CIDR, err)
		}
	case peer.Component == "":
		return domain.Configf("connectivity", "empty peer")
	}
	return nil
}

func peerMatches(rule, asked domain.Peer) bool {
	if rule.IsCIDR() != asked.IsCIDR() {
		return false
	}
	if !rule.IsCIDR() {
		return rule.Component == asked.Component
	}
	block, err1 := netip.ParsePrefix(rule.CIDR)
	sub, err2 := netip.ParsePrefix(asked.CIDR)
	if err1 != nil || err2 != nil {
		return false
	}
	return block.Bits() <= sub.Bits() && block.Contains(sub.Addr())
}

// StackOptions are the inputs of the database stack's policy.
type StackOptions struct {
	DBPort    int
	AdminCIDR string
	Clients   []string
}

// StackPolicy builds the edges of the database stack:
//
//	admin CIDR    -> bastion:22
//	bastion       -> cluster:dbPort
//	init-task     -> cluster:dbPort
//	each client   -> cluster:dbPort
//	init-task     -> secrets-endpoint:443
//	each client   -> secrets-endpoint:443
//	bastion       -> internet:443 (package updates)
func StackPolicy(opts StackOptions) (*Policy, error) {
	p := NewPolicy()
	bastion := domain.Component(domain.ComponentBastion)
	cluster := domain.Component(domain.ComponentCluster)
	task := domain.Component(domain.ComponentInitTask)
	endpoint := domain.Component(domain.ComponentSecretsEndpoint)

	admin := opts.AdminCIDR
	if admin == "" {
		admin = domain.AnyIPv4
	}

	type edge struct {
		from, to domain.Peer
		port     int
	}
	steps := []edge{
		{domain.CIDR(admin), bastion, PortSSH},
		{bastion, cluster, opts.DBPort},
		{task, cluster, opts.DBPort},
		{task, endpoint, PortHTTPS},
		{bastion, domain.Internet(), PortHTTPS},
	}
	for _, client := range opts.Clients {
		steps = append(steps,
			edge{domain.CIDR(client), cluster, opts.DBPort},
			edge{domain.CIDR(client), endpoint, PortHTTPS},
		)
	}

	for _, s := range steps {
		if err := p.Allow(s.from, s.to, s.port); err != nil {
			return nil, fmt.Errorf("building stack policy: %w", err)
		}
	}
	return p, nil
}
