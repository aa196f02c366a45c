package network

import (
	"testing"

	"dbstack/internal/domain"
)

func planned(t *testing.T) *domain.NetworkSpace {
	t.Helper()
	space, err := Plan(SegmentRequest{CIDR: "10.0.0.0/16", Zones: []string{"a", "b"}, Groups: DatabaseLayout(24)})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	return space
}

func correctRouting(space *domain.NetworkSpace) map[string]SubnetRouting {
	routing := make(map[string]SubnetRouting)
	for _, s := range space.Subnets {
		switch s.Kind {
		case domain.SubnetPublic:
			routing[s.Name] = SubnetRouting{DefaultRoute: RouteInternet, MapPublicIP: true}
		case domain.SubnetPrivateEgress:
			routing[s.Name] = SubnetRouting{DefaultRoute: RouteNAT, NATZone: s.AZ}
		}
	}
	return routing
}

// =============================================================================
// CheckPlacement Tests
// =============================================================================

func TestCheckPlacement(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(space *domain.NetworkSpace, routing map[string]SubnetRouting)
		violation InvariantID
	}{
		{
			name:   "correct routing passes",
			mutate: func(*domain.NetworkSpace, map[string]SubnetRouting) {},
		},
		{
			name: "isolated subnet with nat route",
			mutate: func(_ *domain.NetworkSpace, r map[string]SubnetRouting) {
				r["rds-private-subnet-a"] = SubnetRouting{DefaultRoute: RouteNAT, NATZone: "a"}
			},
			violation: InvIsolatedNoInternet,
		},
		{
			name: "isolated subnet with public ip",
			mutate: func(_ *domain.NetworkSpace, r map[string]SubnetRouting) {
				r["rds-private-subnet-b"] = SubnetRouting{MapPublicIP: true}
			},
			violation: InvIsolatedNoInternet,
		},
		{
			name: "egress subnet using another zone's nat",
			mutate: func(_ *domain.NetworkSpace, r map[string]SubnetRouting) {
				r["private-with-egress-a"] = SubnetRouting{DefaultRoute: RouteNAT, NATZone: "b"}
			},
			violation: InvEgressViaNAT,
		},
		{
			name: "egress subnet routed to igw",
			mutate: func(_ *domain.NetworkSpace, r map[string]SubnetRouting) {
				r["private-with-egress-b"] = SubnetRouting{DefaultRoute: RouteInternet}
			},
			violation: InvPublicOnlyIngress,
		},
		{
			name: "overlapping subnets",
			mutate: func(s *domain.NetworkSpace, _ map[string]SubnetRouting) {
				s.Subnets[1].CIDR = s.Subnets[0].CIDR
			},
			violation: InvOnePerKindPerZone,
		},
		{
			name: "missing isolated subnet in a zone",
			mutate: func(s *domain.NetworkSpace, _ map[string]SubnetRouting) {
				s.Subnets = s.Subnets[:len(s.Subnets)-1]
			},
			violation: InvOnePerKindPerZone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			space := planned(t)
			routing := correctRouting(space)
			tt.mutate(space, routing)

			result := CheckPlacement(space, routing)
			if tt.violation == "" {
				if !result.OK() {
					t.Fatalf("expected pass, got %s", result.Summary)
				}
				return
			}
			found := false
			for _, v := range result.Violations {
				if v == tt.violation {
					found = true
				}
			}
			if !found {
				t.Errorf("expected violation %s, got %v", tt.violation, result.Violations)
			}
			if result.Err() == nil {
				t.Error("Err() should be non-nil on violation")
			}
		})
	}
}

func TestCheckClusterPlacement(t *testing.T) {
	space := planned(t)
	for i := range space.Subnets {
		space.Subnets[i].ID = "subnet-" + space.Subnets[i].Name
	}

	isolated := space.SubnetIDs(domain.SubnetIsolated)
	if r := CheckClusterPlacement(space, isolated); !r.OK() {
		t.Errorf("isolated placement rejected: %s", r.Summary)
	}

	mixed := append([]string{"subnet-public-subnet-a"}, isolated...)
	if r := CheckClusterPlacement(space, mixed); r.OK() {
		t.Error("placement in a public subnet must be rejected")
	}

	if r := CheckClusterPlacement(space, nil); r.OK() {
		t.Error("placement without subnets must be rejected")
	}

	if r := CheckClusterPlacement(space, []string{"subnet-unknown"}); r.OK() {
		t.Error("placement in an unknown subnet must be rejected")
	}
}

func TestPlacementResult_Merge(t *testing.T) {
	space := planned(t)
	for i := range space.Subnets {
		space.Subnets[i].ID = "subnet-" + space.Subnets[i].Name
	}

	layout := CheckPlacement(space, correctRouting(space))
	if !layout.OK() {
		t.Fatalf("layout rejected: %s", layout.Summary)
	}
	merged := layout.Merge(CheckClusterPlacement(space, []string{"subnet-public-subnet-a"}))

	if merged.OK() {
		t.Fatal("merged result must carry the cluster violation")
	}
	if len(merged.Violations) != 1 || merged.Violations[0] != InvClusterIsolated {
		t.Errorf("violations = %v", merged.Violations)
	}
	if len(merged.Checks) != len(layout.Checks)+1 {
		t.Errorf("got %d checks, want %d", len(merged.Checks), len(layout.Checks)+1)
	}
	if !layout.OK() {
		t.Error("merge must not change the receiver")
	}
}
