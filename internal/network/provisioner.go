package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// EC2API is the subset of EC2 the network provisioner needs.
type EC2API interface {
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	ModifyVpcAttribute(ctx context.Context, params *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
	CreateInternetGateway(ctx context.Context, params *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	AttachInternetGateway(ctx context.Context, params *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DetachInternetGateway(ctx context.Context, params *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, params *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	ModifySubnetAttribute(ctx context.Context, params *ec2.ModifySubnetAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error)
	DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	CreateRouteTable(ctx context.Context, params *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	AssociateRouteTable(ctx context.Context, params *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	DisassociateRouteTable(ctx context.Context, params *ec2.DisassociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error)
	CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	DeleteRouteTable(ctx context.Context, params *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	AllocateAddress(ctx context.Context, params *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	ReleaseAddress(ctx context.Context, params *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)
	CreateNatGateway(ctx context.Context, params *ec2.CreateNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error)
	DescribeNatGateways(ctx context.Context, params *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error)
	DeleteNatGateway(ctx context.Context, params *ec2.DeleteNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNatGatewayOutput, error)
}

// DefaultWaitTimeout bounds every wait on an EC2 resource state.
const DefaultWaitTimeout = 10 * time.Minute

// Provisioner realises a planned NetworkSpace in EC2. Every resource is tagged
// with the stack name and a logical ID and looked up by those tags first, so a
// re-run reuses what already exists.
type Provisioner struct {
	ec2         EC2API
	stack       string
	WaitTimeout time.Duration
}

// NewProvisioner creates a network provisioner for stack.
func NewProvisioner(client EC2API, stack string) *Provisioner {
	return &Provisioner{ec2: client, stack: stack, WaitTimeout: DefaultWaitTimeout}
}

// Zones returns the first limit available zones of the region, in name order.
func (p *Provisioner) Zones(ctx context.Context, limit int) ([]string, error) {
	out, err := awsx.Track("ec2:DescribeAvailabilityZones", func() (*ec2.DescribeAvailabilityZonesOutput, error) {
		return p.ec2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
			Filters: []ec2types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
		})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("availability-zones", "describe", err)
	}

	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, az := range out.AvailabilityZones {
		zones = append(zones, aws.ToString(az.ZoneName))
	}
	sort.Strings(zones)
	if len(zones) > limit {
		zones = zones[:limit]
	}
	if len(zones) == 0 {
		return nil, domain.Configf("maxAzs", "no availability zones available")
	}
	return zones, nil
}

// Ensure creates (or finds) every resource in plan and returns a copy with VPC
// and subnet IDs filled in.
func (p *Provisioner) Ensure(ctx context.Context, plan *domain.NetworkSpace) (*domain.NetworkSpace, error) {
	if result := CheckLayout(plan); !result.OK() {
		return nil, result.Err()
	}

	space := &domain.NetworkSpace{
		CIDR:    plan.CIDR,
		Zones:   append([]string(nil), plan.Zones...),
		Subnets: append([]domain.Subnet(nil), plan.Subnets...),
	}

	vpcID, err := p.ensureVpc(ctx, plan.CIDR)
	if err != nil {
		return nil, err
	}
	space.VpcID = vpcID

	var igwID string
	if len(plan.SubnetsOf(domain.SubnetPublic)) > 0 {
		if igwID, err = p.ensureInternetGateway(ctx, vpcID); err != nil {
			return nil, err
		}
	}

	for i := range space.Subnets {
		id, err := p.ensureSubnet(ctx, vpcID, space.Subnets[i])
		if err != nil {
			return nil, err
		}
		space.Subnets[i].ID = id
	}

	// NAT gateways live in the public subnet of their zone.
	natByZone := make(map[string]string)
	if len(plan.SubnetsOf(domain.SubnetPrivateEgress)) > 0 {
		for _, pub := range space.SubnetsOf(domain.SubnetPublic) {
			natID, err := p.ensureNatGateway(ctx, pub)
			if err != nil {
				return nil, err
			}
			natByZone[pub.AZ] = natID
		}
	}

	for _, s := range space.Subnets {
		var route routeTarget
		switch s.Kind {
		case domain.SubnetPublic:
			route = routeTarget{gatewayID: igwID}
		case domain.SubnetPrivateEgress:
			natID, ok := natByZone[s.AZ]
			if !ok {
				return nil, domain.Configf("groups", "private egress subnet %s has no public subnet in %s for its NAT gateway", s.Name, s.AZ)
			}
			route = routeTarget{natGatewayID: natID}
		}
		if err := p.ensureRouteTable(ctx, vpcID, s, route); err != nil {
			return nil, err
		}
	}

	logging.LogInfo("Network ready", map[string]interface{}{
		"stack":   p.stack,
		"vpc_id":  vpcID,
		"subnets": len(space.Subnets),
		"zones":   space.Zones,
	})
	return space, nil
}

// Verify reads back routing for every subnet of space and checks placement.
func (p *Provisioner) Verify(ctx context.Context, space *domain.NetworkSpace) (*PlacementResult, error) {
	subnetsOut, err := awsx.Track("ec2:DescribeSubnets", func() (*ec2.DescribeSubnetsOutput, error) {
		return p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: awsx.StackFilters(p.stack, "")})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("subnets", "describe", err)
	}
	natsOut, err := awsx.Track("ec2:DescribeNatGateways", func() (*ec2.DescribeNatGatewaysOutput, error) {
		return p.ec2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{Filter: awsx.StackFilters(p.stack, "")})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("nat-gateways", "describe", err)
	}
	tablesOut, err := awsx.Track("ec2:DescribeRouteTables", func() (*ec2.DescribeRouteTablesOutput, error) {
		return p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: awsx.StackFilters(p.stack, "")})
	})
	if err != nil {
		return nil, awsx.ResourceFailure("route-tables", "describe", err)
	}

	natZone := make(map[string]string)
	subnetZone := make(map[string]string)
	mapPublic := make(map[string]bool)
	for _, s := range subnetsOut.Subnets {
		subnetZone[aws.ToString(s.SubnetId)] = aws.ToString(s.AvailabilityZone)
		mapPublic[aws.ToString(s.SubnetId)] = aws.ToBool(s.MapPublicIpOnLaunch)
	}
	for _, n := range natsOut.NatGateways {
		natZone[aws.ToString(n.NatGatewayId)] = subnetZone[aws.ToString(n.SubnetId)]
	}

	routing := make(map[string]SubnetRouting)
	nameByID := make(map[string]string)
	for _, s := range space.Subnets {
		nameByID[s.ID] = s.Name
		routing[s.Name] = SubnetRouting{MapPublicIP: mapPublic[s.ID]}
	}
	for _, rt := range tablesOut.RouteTables {
		for _, assoc := range rt.Associations {
			name, ok := nameByID[aws.ToString(assoc.SubnetId)]
			if !ok {
				continue
			}
			r := routing[name]
			for _, route := range rt.Routes {
				if aws.ToString(route.DestinationCidrBlock) != domain.AnyIPv4 {
					continue
				}
				switch {
				case route.NatGatewayId != nil:
					r.DefaultRoute = RouteNAT
					r.NATZone = natZone[aws.ToString(route.NatGatewayId)]
				case route.GatewayId != nil && aws.ToString(route.GatewayId) != "local":
					r.DefaultRoute = RouteInternet
				}
			}
			routing[name] = r
		}
	}

	return CheckPlacement(space, routing), nil
}

// Destroy deletes everything the stack created in EC2 networking, in reverse
// dependency order. Missing resources are skipped.
func (p *Provisioner) Destroy(ctx context.Context) error {
	filters := awsx.StackFilters(p.stack, "")

	nats, err := p.ec2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{Filter: filters})
	if err != nil {
		return awsx.ResourceFailure("nat-gateways", "describe", err)
	}
	var natIDs []string
	for _, n := range nats.NatGateways {
		if n.State == ec2types.NatGatewayStateDeleted || n.State == ec2types.NatGatewayStateDeleting {
			continue
		}
		id := aws.ToString(n.NatGatewayId)
		if _, err := p.ec2.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(id)}); err != nil {
			return awsx.ResourceFailure(id, "delete", err)
		}
		logging.LogResourceOperation(id, "delete", true, nil)
		natIDs = append(natIDs, id)
	}
	if len(natIDs) > 0 {
		waiter := ec2.NewNatGatewayDeletedWaiter(p.ec2)
		if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: natIDs}, p.WaitTimeout); err != nil {
			return awsx.ResourceFailure("nat-gateways", "wait-deleted", err)
		}
	}

	addrs, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("elastic-ips", "describe", err)
	}
	for _, a := range addrs.Addresses {
		if _, err := p.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: a.AllocationId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(a.AllocationId), "release", err)
		}
		logging.LogResourceOperation(aws.ToString(a.AllocationId), "delete", true, nil)
	}

	tables, err := p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("route-tables", "describe", err)
	}
	for _, rt := range tables.RouteTables {
		for _, assoc := range rt.Associations {
			if aws.ToBool(assoc.Main) {
				continue
			}
			if _, err := p.ec2.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: assoc.RouteTableAssociationId}); err != nil {
				return awsx.ResourceFailure(aws.ToString(rt.RouteTableId), "disassociate", err)
			}
		}
		if _, err := p.ec2.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(rt.RouteTableId), "delete", err)
		}
		logging.LogResourceOperation(aws.ToString(rt.RouteTableId), "delete", true, nil)
	}

	subnets, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("subnets", "describe", err)
	}
	for _, s := range subnets.Subnets {
		if _, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: s.SubnetId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(s.SubnetId), "delete", err)
		}
		logging.LogResourceOperation(aws.ToString(s.SubnetId), "delete", true, nil)
	}

	igws, err := p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("internet-gateways", "describe", err)
	}
	for _, igw := range igws.InternetGateways {
		for _, att := range igw.Attachments {
			if _, err := p.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: igw.InternetGatewayId,
				VpcId:             att.VpcId,
			}); err != nil {
				return awsx.ResourceFailure(aws.ToString(igw.InternetGatewayId), "detach", err)
			}
		}
		if _, err := p.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: igw.InternetGatewayId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(igw.InternetGatewayId), "delete", err)
		}
		logging.LogResourceOperation(aws.ToString(igw.InternetGatewayId), "delete", true, nil)
	}

	vpcs, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("vpc", "describe", err)
	}
	for _, v := range vpcs.Vpcs {
		if _, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: v.VpcId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(v.VpcId), "delete", err)
		}
		logging.LogResourceOperation(aws.ToString(v.VpcId), "delete", true, nil)
	}
	return nil
}

type routeTarget struct {
	gatewayID    string
	natGatewayID string
}

func (p *Provisioner) tags(logicalID string) domain.Tags {
	return domain.StackTags(p.stack, logicalID)
}

func (p *Provisioner) ensureVpc(ctx context.Context, cidr string) (string, error) {
	existing, err := awsx.Track("ec2:DescribeVpcs", func() (*ec2.DescribeVpcsOutput, error) {
		return p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{Filters: awsx.StackFilters(p.stack, "vpc")})
	})
	if err != nil {
		return "", awsx.ResourceFailure("vpc", "describe", err)
	}
	if len(existing.Vpcs) > 0 {
		id := aws.ToString(existing.Vpcs[0].VpcId)
		if got := aws.ToString(existing.Vpcs[0].CidrBlock); got != cidr {
			return "", domain.Configf("vpcCidr", "existing vpc %s uses %s, not %s", id, got, cidr)
		}
		logging.LogResourceOperation(id, "reuse", true, nil)
		return id, nil
	}

	out, err := awsx.Track("ec2:CreateVpc", func() (*ec2.CreateVpcOutput, error) {
		return p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
			CidrBlock:         aws.String(cidr),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeVpc, p.tags("vpc")),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure("vpc", "create", err)
	}
	vpcID := aws.ToString(out.Vpc.VpcId)

	// Interface endpoints with private DNS need both attributes.
	for _, attr := range []*ec2.ModifyVpcAttributeInput{
		{VpcId: aws.String(vpcID), EnableDnsSupport: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
		{VpcId: aws.String(vpcID), EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)}},
	} {
		if _, err := p.ec2.ModifyVpcAttribute(ctx, attr); err != nil {
			return "", awsx.ResourceFailure(vpcID, "modify-attribute", err)
		}
	}
	logging.LogResourceOperation(vpcID, "create", true, nil)
	return vpcID, nil
}

func (p *Provisioner) ensureInternetGateway(ctx context.Context, vpcID string) (string, error) {
	existing, err := awsx.Track("ec2:DescribeInternetGateways", func() (*ec2.DescribeInternetGatewaysOutput, error) {
		return p.ec2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{Filters: awsx.StackFilters(p.stack, "igw")})
	})
	if err != nil {
		return "", awsx.ResourceFailure("igw", "describe", err)
	}

	var igwID string
	attached := false
	if len(existing.InternetGateways) > 0 {
		igw := existing.InternetGateways[0]
		igwID = aws.ToString(igw.InternetGatewayId)
		for _, att := range igw.Attachments {
			if aws.ToString(att.VpcId) == vpcID {
				attached = true
			}
		}
		logging.LogResourceOperation(igwID, "reuse", true, nil)
	} else {
		out, err := awsx.Track("ec2:CreateInternetGateway", func() (*ec2.CreateInternetGatewayOutput, error) {
			return p.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
				TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeInternetGateway, p.tags("igw")),
			})
		})
		if err != nil {
			return "", awsx.ResourceFailure("igw", "create", err)
		}
		igwID = aws.ToString(out.InternetGateway.InternetGatewayId)
		logging.LogResourceOperation(igwID, "create", true, nil)
	}

	if !attached {
		if _, err := p.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
			InternetGatewayId: aws.String(igwID),
			VpcId:             aws.String(vpcID),
		}); err != nil {
			return "", awsx.ResourceFailure(igwID, "attach", err)
		}
	}
	return igwID, nil
}

func (p *Provisioner) ensureSubnet(ctx context.Context, vpcID string, s domain.Subnet) (string, error) {
	logicalID := "subnet/" + s.Name
	existing, err := awsx.Track("ec2:DescribeSubnets", func() (*ec2.DescribeSubnetsOutput, error) {
		return p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: awsx.StackFilters(p.stack, logicalID)})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "describe", err)
	}
	if len(existing.Subnets) > 0 {
		id := aws.ToString(existing.Subnets[0].SubnetId)
		logging.LogResourceOperation(id, "reuse", true, nil)
		return id, nil
	}

	out, err := awsx.Track("ec2:CreateSubnet", func() (*ec2.CreateSubnetOutput, error) {
		return p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:            aws.String(vpcID),
			CidrBlock:        aws.String(s.CIDR),
			AvailabilityZone: aws.String(s.AZ),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeSubnet,
				p.tags(logicalID).With(domain.TagSubnetKind, string(s.Kind))),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "create", err)
	}
	id := aws.ToString(out.Subnet.SubnetId)

	if s.Kind == domain.SubnetPublic {
		if _, err := p.ec2.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            aws.String(id),
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return "", awsx.ResourceFailure(id, "modify-attribute", err)
		}
	}
	logging.LogResourceOperation(id, "create", true, nil)
	return id, nil
}

func (p *Provisioner) ensureNatGateway(ctx context.Context, public domain.Subnet) (string, error) {
	logicalID := "nat/" + public.AZ
	existing, err := awsx.Track("ec2:DescribeNatGateways", func() (*ec2.DescribeNatGatewaysOutput, error) {
		return p.ec2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{Filter: awsx.StackFilters(p.stack, logicalID)})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "describe", err)
	}
	for _, n := range existing.NatGateways {
		if n.State == ec2types.NatGatewayStateAvailable || n.State == ec2types.NatGatewayStatePending {
			id := aws.ToString(n.NatGatewayId)
			logging.LogResourceOperation(id, "reuse", true, nil)
			return id, p.waitNat(ctx, id)
		}
	}

	allocationID, err := p.ensureElasticIP(ctx, "eip/"+public.AZ)
	if err != nil {
		return "", err
	}

	out, err := awsx.Track("ec2:CreateNatGateway", func() (*ec2.CreateNatGatewayOutput, error) {
		return p.ec2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
			SubnetId:          aws.String(public.ID),
			AllocationId:      aws.String(allocationID),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeNatgateway, p.tags(logicalID)),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "create", err)
	}
	id := aws.ToString(out.NatGateway.NatGatewayId)
	logging.LogResourceOperation(id, "create", true, nil)
	return id, p.waitNat(ctx, id)
}

func (p *Provisioner) waitNat(ctx context.Context, id string) error {
	waiter := ec2.NewNatGatewayAvailableWaiter(p.ec2)
	if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{id}}, p.WaitTimeout); err != nil {
		return awsx.ResourceFailure(id, "wait-available", fmt.Errorf("%w: %w", domain.ErrTransient, err))
	}
	return nil
}

func (p *Provisioner) ensureElasticIP(ctx context.Context, logicalID string) (string, error) {
	existing, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: awsx.StackFilters(p.stack, logicalID)})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "describe", err)
	}
	if len(existing.Addresses) > 0 {
		return aws.ToString(existing.Addresses[0].AllocationId), nil
	}

	out, err := awsx.Track("ec2:AllocateAddress", func() (*ec2.AllocateAddressOutput, error) {
		return p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            ec2types.DomainTypeVpc,
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeElasticIp, p.tags(logicalID)),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "allocate", err)
	}
	logging.LogResourceOperation(aws.ToString(out.AllocationId), "create", true, nil)
	return aws.ToString(out.AllocationId), nil
}

func (p *Provisioner) ensureRouteTable(ctx context.Context, vpcID string, s domain.Subnet, target routeTarget) error {
	logicalID := "rtb/" + s.Name
	existing, err := awsx.Track("ec2:DescribeRouteTables", func() (*ec2.DescribeRouteTablesOutput, error) {
		return p.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: awsx.StackFilters(p.stack, logicalID)})
	})
	if err != nil {
		return awsx.ResourceFailure(logicalID, "describe", err)
	}
	if len(existing.RouteTables) > 0 {
		logging.LogResourceOperation(aws.ToString(existing.RouteTables[0].RouteTableId), "reuse", true, nil)
		return nil
	}

	out, err := awsx.Track("ec2:CreateRouteTable", func() (*ec2.CreateRouteTableOutput, error) {
		return p.ec2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
			VpcId:             aws.String(vpcID),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeRouteTable, p.tags(logicalID)),
		})
	})
	if err != nil {
		return awsx.ResourceFailure(logicalID, "create", err)
	}
	rtID := aws.ToString(out.RouteTable.RouteTableId)

	if target.gatewayID != "" || target.natGatewayID != "" {
		route := &ec2.CreateRouteInput{
			RouteTableId:         aws.String(rtID),
			DestinationCidrBlock: aws.String(domain.AnyIPv4),
		}
		if target.gatewayID != "" {
			route.GatewayId = aws.String(target.gatewayID)
		} else {
			route.NatGatewayId = aws.String(target.natGatewayID)
		}
		if _, err := p.ec2.CreateRoute(ctx, route); err != nil {
			return awsx.ResourceFailure(rtID, "create-route", err)
		}
	}

	if _, err := p.ec2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(rtID),
		SubnetId:     aws.String(s.ID),
	}); err != nil {
		return awsx.ResourceFailure(rtID, "associate", err)
	}
	logging.LogResourceOperation(rtID, "create", true, nil)
	return nil
}

// errNoSubnets is returned when a caller asks for IDs of a kind the space lacks.
var errNoSubnets = errors.New("no subnets of kind")

// SubnetIDs returns the provisioned IDs of kind or an ordering error when the
// space has none (not provisioned, or not requested).
func SubnetIDs(space *domain.NetworkSpace, kind domain.SubnetKind) ([]string, error) {
	ids := space.SubnetIDs(kind)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %w %s", domain.ErrOrdering, errNoSubnets, kind)
	}
	return ids, nil
}
