package network

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"dbstack/internal/domain"
	"dbstack/internal/mocks"
)

func provisionTestNetwork(t *testing.T, fake *mocks.FakeEC2) (*Provisioner, *domain.NetworkSpace) {
	t.Helper()
	ctx := context.Background()
	p := NewProvisioner(fake, "TestStack")

	zones, err := p.Zones(ctx, 2)
	if err != nil {
		t.Fatalf("Zones() error = %v", err)
	}
	plan, err := Plan(SegmentRequest{CIDR: "10.0.0.0/16", Zones: zones, Groups: DatabaseLayout(28)})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	space, err := p.Ensure(ctx, plan)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	return p, space
}

// =============================================================================
// Ensure Tests
// =============================================================================

func TestEnsure_CreatesSegmentedNetwork(t *testing.T) {
	fake := mocks.NewFakeEC2()
	_, space := provisionTestNetwork(t, fake)

	if space.VpcID == "" {
		t.Fatal("VpcID not set")
	}
	if len(fake.Subnets) != 6 {
		t.Errorf("got %d subnets, want 6", len(fake.Subnets))
	}
	if len(fake.NatGateways) != 2 {
		t.Errorf("got %d NAT gateways, want one per zone", len(fake.NatGateways))
	}
	if len(fake.RouteTables) != 6 {
		t.Errorf("got %d route tables, want one per subnet", len(fake.RouteTables))
	}

	for _, s := range space.Subnets {
		if s.ID == "" {
			t.Errorf("subnet %s has no ID", s.Name)
			continue
		}
		created := fake.Subnets[s.ID]
		wantPublic := s.Kind == domain.SubnetPublic
		if aws.ToBool(created.MapPublicIpOnLaunch) != wantPublic {
			t.Errorf("subnet %s MapPublicIpOnLaunch = %v", s.Name, aws.ToBool(created.MapPublicIpOnLaunch))
		}
	}
}

func TestEnsure_IsolatedSubnetsHaveNoDefaultRoute(t *testing.T) {
	fake := mocks.NewFakeEC2()
	p, space := provisionTestNetwork(t, fake)

	result, err := p.Verify(context.Background(), space)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.OK() {
		t.Fatalf("placement invariants violated: %s", result.Summary)
	}

	isolated := make(map[string]bool)
	for _, id := range space.SubnetIDs(domain.SubnetIsolated) {
		isolated[id] = true
	}
	for _, rt := range fake.RouteTables {
		for _, assoc := range rt.Associations {
			if !isolated[aws.ToString(assoc.SubnetId)] {
				continue
			}
			for _, r := range rt.Routes {
				if aws.ToString(r.DestinationCidrBlock) == domain.AnyIPv4 {
					t.Errorf("isolated subnet %s routes to the internet", aws.ToString(assoc.SubnetId))
				}
			}
		}
	}
}

func TestEnsure_IsIdempotent(t *testing.T) {
	fake := mocks.NewFakeEC2()
	p, first := provisionTestNetwork(t, fake)
	before := fake.CountTagged(domain.TagStack, "TestStack")

	plan, _ := Plan(SegmentRequest{CIDR: "10.0.0.0/16", Zones: first.Zones, Groups: DatabaseLayout(28)})
	second, err := p.Ensure(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}

	if after := fake.CountTagged(domain.TagStack, "TestStack"); after != before {
		t.Errorf("re-run created resources: %d -> %d", before, after)
	}
	if second.VpcID != first.VpcID {
		t.Errorf("VPC changed on re-run: %s -> %s", first.VpcID, second.VpcID)
	}
	for i := range first.Subnets {
		if first.Subnets[i].ID != second.Subnets[i].ID {
			t.Errorf("subnet %s changed on re-run", first.Subnets[i].Name)
		}
	}
}

func TestEnsure_ClassifiesProviderErrors(t *testing.T) {
	fake := mocks.NewFakeEC2()
	fake.Errors["CreateVpc"] = mocks.APIError("UnauthorizedOperation", "not allowed")

	plan, _ := Plan(SegmentRequest{CIDR: "10.0.0.0/16", Zones: []string{"us-east-1a"}, Groups: DatabaseLayout(28)})
	_, err := NewProvisioner(fake, "TestStack").Ensure(context.Background(), plan)
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	var resErr *domain.ResourceError
	if !errors.As(err, &resErr) || resErr.Resource != "vpc" {
		t.Errorf("expected failing resource vpc, got %v", err)
	}
}

func TestEnsure_RejectsReusedVpcWithDifferentCIDR(t *testing.T) {
	fake := mocks.NewFakeEC2()
	provisionTestNetwork(t, fake)

	plan, _ := Plan(SegmentRequest{CIDR: "10.1.0.0/16", Zones: []string{"us-east-1a"}, Groups: DatabaseLayout(28)})
	_, err := NewProvisioner(fake, "TestStack").Ensure(context.Background(), plan)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestZones_LimitsAndSorts(t *testing.T) {
	fake := mocks.NewFakeEC2()
	fake.Zones = []string{"us-east-1c", "us-east-1a", "us-east-1b"}

	zones, err := NewProvisioner(fake, "S").Zones(context.Background(), 2)
	if err != nil {
		t.Fatalf("Zones() error = %v", err)
	}
	if len(zones) != 2 || zones[0] != "us-east-1a" || zones[1] != "us-east-1b" {
		t.Errorf("Zones() = %v", zones)
	}
}

// =============================================================================
// Destroy Tests
// =============================================================================

func TestDestroy_RemovesEverything(t *testing.T) {
	fake := mocks.NewFakeEC2()
	p, _ := provisionTestNetwork(t, fake)

	if err := p.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if n := fake.CountTagged(domain.TagStack, "TestStack"); n != 0 {
		t.Errorf("%d tagged resources left after destroy", n)
	}

	// Destroying again is a no-op.
	if err := p.Destroy(context.Background()); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
}

func TestSubnetIDs_OrderingError(t *testing.T) {
	space := &domain.NetworkSpace{Subnets: []domain.Subnet{{Name: "x", Kind: domain.SubnetIsolated}}}
	if _, err := SubnetIDs(space, domain.SubnetIsolated); !errors.Is(err, domain.ErrOrdering) {
		t.Errorf("expected ErrOrdering for unprovisioned subnets, got %v", err)
	}
}
