package network

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"dbstack/internal/domain"
)

// Group names used by the database stack layout.
const (
	GroupPublic   = "public-subnet"
	GroupEgress   = "private-with-egress"
	GroupIsolated = "rds-private-subnet"
)

// Smallest subnet AWS accepts, and the largest VPC.
const (
	MaxSubnetMask = 28
	MinSubnetMask = 16
)

// GroupRequest asks for one subnet of Kind with prefix length Mask in every zone.
type GroupRequest struct {
	Name string            `json:"name"`
	Kind domain.SubnetKind `json:"kind"`
	Mask int               `json:"mask"`
}

// SegmentRequest describes how to carve a VPC block into subnets.
type SegmentRequest struct {
	CIDR   string         `json:"cidr"`
	Zones  []string       `json:"zones"`
	Groups []GroupRequest `json:"groups"`
}

// DatabaseLayout returns the three groups the database stack needs. Every kind,
// Isolated included, is requested explicitly.
func DatabaseLayout(mask int) []GroupRequest {
	return []GroupRequest{
		{Name: GroupPublic, Kind: domain.SubnetPublic, Mask: mask},
		{Name: GroupEgress, Kind: domain.SubnetPrivateEgress, Mask: mask},
		{Name: GroupIsolated, Kind: domain.SubnetIsolated, Mask: mask},
	}
}

// Plan allocates one subnet per (group, zone), group by group and then zone by
// zone, each aligned to its own mask. The result is pure: nothing is created.
func Plan(req SegmentRequest) (*domain.NetworkSpace, error) {
	prefix, err := netip.ParsePrefix(req.CIDR)
	if err != nil {
		return nil, domain.Configf("vpcCidr", "invalid CIDR %q: %v", req.CIDR, err)
	}
	if !prefix.Addr().Is4() {
		return nil, domain.Configf("vpcCidr", "only IPv4 blocks are supported, got %s", req.CIDR)
	}
	prefix = prefix.Masked()
	if prefix.Bits() < MinSubnetMask {
		return nil, domain.Configf("vpcCidr", "/%d is larger than the biggest allowed VPC (/%d)", prefix.Bits(), MinSubnetMask)
	}
	if len(req.Zones) == 0 {
		return nil, domain.Configf("zones", "at least one availability zone is required")
	}
	if len(req.Groups) == 0 {
		return nil, domain.Configf("groups", "at least one subnet group is required")
	}

	errs := &domain.ConfigError{}
	seen := make(map[string]bool)
	for _, g := range req.Groups {
		field := "groups." + g.Name
		switch {
		case g.Name == "":
			errs.Add("groups", "group name is required")
		case seen[g.Name]:
			errs.Add(field, "duplicate group name")
		}
		seen[g.Name] = true
		if !g.Kind.Valid() {
			errs.Add(field, fmt.Sprintf("unknown subnet kind %q", g.Kind))
		}
		if g.Mask < prefix.Bits() || g.Mask < MinSubnetMask || g.Mask > MaxSubnetMask {
			errs.Add(field, fmt.Sprintf("mask /%d outside [/%d, /%d]", g.Mask, max(prefix.Bits(), MinSubnetMask), MaxSubnetMask))
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}

	start := addrToUint(prefix.Addr())
	end := start + blockSize(prefix.Bits()) // exclusive
	cursor := start

	space := &domain.NetworkSpace{
		CIDR:  prefix.String(),
		Zones: append([]string(nil), req.Zones...),
	}
	for _, g := range req.Groups {
		size := blockSize(g.Mask)
		for _, zone := range req.Zones {
			cursor = alignUp(cursor, size)
			if cursor+size > end {
				return nil, domain.Configf("subnetCidrMask",
					"%s cannot hold %d groups x %d zones of /%d subnets",
					prefix, len(req.Groups), len(req.Zones), g.Mask)
			}
			block := netip.PrefixFrom(uintToAddr(cursor), g.Mask)
			space.Subnets = append(space.Subnets, domain.Subnet{
				Name: fmt.Sprintf("%s-%s", g.Name, zone),
				Kind: g.Kind,
				AZ:   zone,
				CIDR: block.String(),
			})
			cursor += size
		}
	}
	return space, nil
}

func blockSize(bits int) uint64 {
	return uint64(1) << (32 - bits)
}

func alignUp(v, size uint64) uint64 {
	return (v + size - 1) &^ (size - 1)
}

func addrToUint(a netip.Addr) uint64 {
	b := a.As4()
	return uint64(binary.BigEndian.Uint32(b[:]))
}

func uintToAddr(v uint64) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return netip.AddrFrom4(b)
}
