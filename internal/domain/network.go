package domain

/*
=============================================================================
NETWORK PLACEMENT INVARIANTS
=============================================================================

NP-001: ISOLATED_NO_INTERNET
  Isolated subnets have no route to 0.0.0.0/0 in either direction. Their
  route tables carry only the implicit local route.

NP-002: PUBLIC_ONLY_INGRESS
  Only Public subnets route to the internet gateway and map public IPs on launch.

NP-003: EGRESS_VIA_NAT
  PrivateEgress subnets reach the internet only through the NAT gateway in
  their own availability zone.

NP-004: ONE_PER_KIND_PER_ZONE
  The database layout produces exactly one subnet of each kind per zone,
  with pairwise non-overlapping CIDRs.

NP-005: CLUSTER_ISOLATED
  A database cluster is only ever placed in Isolated subnets.
=============================================================================
*/

// SubnetKind classifies a subnet by its internet reachability.
type SubnetKind string

const (
	SubnetPublic        SubnetKind = "Public"
	SubnetPrivateEgress SubnetKind = "PrivateEgress"
	SubnetIsolated      SubnetKind = "Isolated"
)

// Valid reports whether k is a known kind.
func (k SubnetKind) Valid() bool {
	switch k {
	case SubnetPublic, SubnetPrivateEgress, SubnetIsolated:
		return true
	}
	return false
}

// Subnet is one planned (and, once provisioned, realised) subnet.
type Subnet struct {
	Name string     `json:"name"`
	Kind SubnetKind `json:"kind"`
	AZ   string     `json:"az"`
	CIDR string     `json:"cidr"`
	ID   string     `json:"id,omitempty"` // set once provisioned
}

// NetworkSpace is the segmented VPC. It is created by the orchestrator and
// lent to the components placed in it.
type NetworkSpace struct {
	VpcID   string   `json:"vpc_id,omitempty"`
	CIDR    string   `json:"cidr"`
	Zones   []string `json:"zones"`
	Subnets []Subnet `json:"subnets"`
}

// SubnetsOf returns the subnets of one kind in zone order.
func (n *NetworkSpace) SubnetsOf(kind SubnetKind) []Subnet {
	if n == nil {
		return nil
	}
	var out []Subnet
	for _, s := range n.Subnets {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// SubnetIDs returns the provisioned IDs of the subnets of one kind.
func (n *NetworkSpace) SubnetIDs(kind SubnetKind) []string {
	var ids []string
	for _, s := range n.SubnetsOf(kind) {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
