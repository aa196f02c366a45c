package domain

import (
	"fmt"
	"strings"
)

// Well-known component names used in the connectivity graph.
const (
	ComponentBastion         = "bastion"
	ComponentCluster         = "cluster"
	ComponentInitTask        = "init-task"
	ComponentSecretsEndpoint = "secrets-endpoint"
)

// AnyIPv4 is the CIDR for "anywhere on the internet".
const AnyIPv4 = "0.0.0.0/0"

// Peer is one end of a connectivity edge: either a named component (realised
// as a security group) or a CIDR block.
type Peer struct {
	Component string `json:"component,omitempty"`
	CIDR      string `json:"cidr,omitempty"`
}

// Component returns a component peer.
func Component(name string) Peer {
	return Peer{Component: name}
}

// CIDR returns a CIDR peer.
func CIDR(block string) Peer {
	return Peer{CIDR: block}
}

// Internet is the 0.0.0.0/0 peer.
func Internet() Peer {
	return CIDR(AnyIPv4)
}

// IsCIDR reports whether the peer is an address block rather than a component.
func (p Peer) IsCIDR() bool {
	return p.CIDR != ""
}

func (p Peer) String() string {
	if p.IsCIDR() {
		if p.CIDR == AnyIPv4 {
			return "internet"
		}
		return p.CIDR
	}
	return p.Component
}

// Rule is a directed allow edge (From may open a TCP connection to To on Port).
type Rule struct {
	From Peer `json:"from"`
	To   Peer `json:"to"`
	Port int  `json:"port"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s -> %s:%d", r.From, r.To, r.Port)
}

// Key is a stable identity used for de-duplication and sorting.
func (r Rule) Key() string {
	return strings.Join([]string{r.From.String(), r.To.String(), fmt.Sprintf("%05d", r.Port)}, "|")
}
