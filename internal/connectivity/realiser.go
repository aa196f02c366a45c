package connectivity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// EC2API is the subset of EC2 used to realise a policy.
type EC2API interface {
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, params *ec2.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupEgressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupEgress(ctx context.Context, params *ec2.RevokeSecurityGroupEgressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupEgressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	CreateVpcEndpoint(ctx context.Context, params *ec2.CreateVpcEndpointInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcEndpointOutput, error)
	DescribeVpcEndpoints(ctx context.Context, params *ec2.DescribeVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error)
	DeleteVpcEndpoints(ctx context.Context, params *ec2.DeleteVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcEndpointsOutput, error)
}

const sgLogicalPrefix = "sg/"

// Groups maps component name to security group ID.
type Groups map[string]string

// Realiser turns a Policy into security groups: one group per component,
// default egress revoked, then exactly the edges of the policy.
type Realiser struct {
	ec2    EC2API
	stack  string
	region string
}

// NewRealiser creates a realiser for stack in region.
func NewRealiser(client EC2API, stack, region string) *Realiser {
	return &Realiser{ec2: client, stack: stack, region: region}
}

// SecretsServiceName is the interface endpoint service for Secrets Manager.
func (r *Realiser) SecretsServiceName() string {
	return fmt.Sprintf("com.amazonaws.%s.secretsmanager", r.region)
}

// Realise creates the groups and rules for policy inside vpcID. When the
// policy mentions the secrets endpoint, an interface endpoint is placed in
// endpointSubnets and guarded by that component's group.
func (r *Realiser) Realise(ctx context.Context, policy *Policy, vpcID string, endpointSubnets []string) (groups Groups, err error) {
	start := time.Now()
	defer func() {
		logging.LogOperationEnd("realise-connectivity", time.Since(start), err == nil, policy.Len(), len(groups), err)
	}()
	logging.LogOperationStart("realise-connectivity", map[string]interface{}{
		"stack": r.stack,
		"edges": policy.Len(),
	})

	groups = make(Groups)
	for _, component := range policy.Components() {
		id, err := r.ensureGroup(ctx, vpcID, component)
		if err != nil {
			return nil, err
		}
		groups[component] = id
	}

	for _, rule := range policy.Edges() {
		if err := r.authorize(ctx, groups, rule); err != nil {
			return nil, err
		}
	}
	if err := r.prune(ctx, policy); err != nil {
		return nil, err
	}

	if sg, ok := groups[domain.ComponentSecretsEndpoint]; ok {
		if len(endpointSubnets) == 0 {
			return nil, fmt.Errorf("%w: secrets endpoint needs private subnets", domain.ErrOrdering)
		}
		if err := r.ensureSecretsEndpoint(ctx, vpcID, sg, endpointSubnets); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// Observed rebuilds a Policy from the rules actually present on the stack's
// groups. Components whose egress is still unrestricted are returned as well.
func (r *Realiser) Observed(ctx context.Context) (*Policy, []string, error) {
	out, err := r.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: awsx.StackFilters(r.stack, ""),
	})
	if err != nil {
		return nil, nil, awsx.ResourceFailure("security-groups", "describe", err)
	}

	component := make(map[string]string)
	for _, sg := range out.SecurityGroups {
		logical := awsx.EC2TagValue(sg.Tags, domain.TagLogicalID)
		component[aws.ToString(sg.GroupId)] = strings.TrimPrefix(logical, sgLogicalPrefix)
	}

	policy := NewPolicy()
	var unrestricted []string
	for _, sg := range out.SecurityGroups {
		self := domain.Component(component[aws.ToString(sg.GroupId)])
		for _, perm := range sg.IpPermissions {
			for _, peer := range permissionPeers(perm, component) {
				if err := policy.Allow(peer, self, int(aws.ToInt32(perm.FromPort))); err != nil {
					return nil, nil, err
				}
			}
		}
		for _, perm := range sg.IpPermissionsEgress {
			if aws.ToString(perm.IpProtocol) == "-1" {
				unrestricted = append(unrestricted, self.Component)
				continue
			}
			for _, peer := range permissionPeers(perm, component) {
				if err := policy.Allow(self, peer, int(aws.ToInt32(perm.FromPort))); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return policy, unrestricted, nil
}

// Destroy removes the secrets endpoint and every security group of the stack.
// Rules are revoked first so groups referencing each other can be deleted.
func (r *Realiser) Destroy(ctx context.Context) error {
	filters := awsx.StackFilters(r.stack, "")

	endpoints, err := r.ec2.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("vpc-endpoints", "describe", err)
	}
	var ids []string
	for _, ep := range endpoints.VpcEndpoints {
		ids = append(ids, aws.ToString(ep.VpcEndpointId))
	}
	if len(ids) > 0 {
		if _, err := r.ec2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: ids}); err != nil {
			return awsx.ResourceFailure("vpc-endpoints", "delete", err)
		}
		for _, id := range ids {
			logging.LogResourceOperation(id, "delete", true, nil)
		}
	}

	groups, err := r.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		return awsx.ResourceFailure("security-groups", "describe", err)
	}
	for _, sg := range groups.SecurityGroups {
		if len(sg.IpPermissions) > 0 {
			if _, err := r.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       sg.GroupId,
				IpPermissions: sg.IpPermissions,
			}); err != nil {
				return awsx.ResourceFailure(aws.ToString(sg.GroupId), "revoke-ingress", err)
			}
		}
		if len(sg.IpPermissionsEgress) > 0 {
			if _, err := r.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       sg.GroupId,
				IpPermissions: sg.IpPermissionsEgress,
			}); err != nil {
				return awsx.ResourceFailure(aws.ToString(sg.GroupId), "revoke-egress", err)
			}
		}
	}
	for _, sg := range groups.SecurityGroups {
		if _, err := r.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId}); err != nil {
			return awsx.ResourceFailure(aws.ToString(sg.GroupId), "delete", err)
		}
		logging.LogResourceOperation(aws.ToString(sg.GroupId), "delete", true, nil)
	}
	return nil
}

func (r *Realiser) ensureGroup(ctx context.Context, vpcID, component string) (string, error) {
	logicalID := sgLogicalPrefix + component
	existing, err := awsx.Track("ec2:DescribeSecurityGroups", func() (*ec2.DescribeSecurityGroupsOutput, error) {
		return r.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: awsx.StackFilters(r.stack, logicalID)})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "describe", err)
	}
	if len(existing.SecurityGroups) > 0 {
		id := aws.ToString(existing.SecurityGroups[0].GroupId)
		logging.LogResourceOperation(id, "reuse", true, nil)
		return id, nil
	}

	out, err := awsx.Track("ec2:CreateSecurityGroup", func() (*ec2.CreateSecurityGroupOutput, error) {
		return r.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         aws.String(r.stack + "-" + component),
			Description:       aws.String(fmt.Sprintf("%s %s", r.stack, component)),
			VpcId:             aws.String(vpcID),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeSecurityGroup, domain.StackTags(r.stack, logicalID)),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure(logicalID, "create", err)
	}
	id := aws.ToString(out.GroupId)

	// Default deny: drop the allow-all egress rule every new group starts with.
	_, err = r.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
		GroupId: aws.String(id),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("-1"),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(domain.AnyIPv4)}},
		}},
	})
	if err != nil && !awsx.HasCode(err, "InvalidPermission.NotFound") {
		return "", awsx.ResourceFailure(id, "revoke-default-egress", err)
	}
	logging.LogResourceOperation(id, "create", true, nil)
	return id, nil
}

func (r *Realiser) authorize(ctx context.Context, groups Groups, rule domain.Rule) error {
	if !rule.From.IsCIDR() {
		perm := tcpPermission(rule.Port, rule.To, groups)
		_, err := r.ec2.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(groups[rule.From.Component]),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		if err != nil && !awsx.HasCode(err, "InvalidPermission.Duplicate") {
			return awsx.ResourceFailure(rule.String(), "authorize-egress", err)
		}
	}
	if !rule.To.IsCIDR() {
		perm := tcpPermission(rule.Port, rule.From, groups)
		_, err := r.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groups[rule.To.Component]),
			IpPermissions: []ec2types.IpPermission{perm},
		})
		if err != nil && !awsx.HasCode(err, "InvalidPermission.Duplicate") {
			return awsx.ResourceFailure(rule.String(), "authorize-ingress", err)
		}
	}
	logging.LogDebug("Authorized "+rule.String(), map[string]interface{}{"stack": r.stack})
	return nil
}

// prune revokes every rule on the stack's groups that policy does not name,
// including an allow-all egress rule. Removing a client or an edge from the
// policy therefore takes effect on the next run.
func (r *Realiser) prune(ctx context.Context, policy *Policy) error {
	out, err := r.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: awsx.StackFilters(r.stack, ""),
	})
	if err != nil {
		return awsx.ResourceFailure("security-groups", "describe", err)
	}

	intended := make(map[string]bool, policy.Len())
	for _, rule := range policy.Edges() {
		intended[rule.Key()] = true
	}
	component := make(map[string]string)
	for _, sg := range out.SecurityGroups {
		logical := awsx.EC2TagValue(sg.Tags, domain.TagLogicalID)
		component[aws.ToString(sg.GroupId)] = strings.TrimPrefix(logical, sgLogicalPrefix)
	}

	for _, sg := range out.SecurityGroups {
		self := domain.Component(component[aws.ToString(sg.GroupId)])

		var ingress, egress []ec2types.IpPermission
		for _, perm := range sg.IpPermissions {
			for _, single := range splitPermission(perm) {
				peer := permissionPeers(single, component)[0]
				rule := domain.Rule{From: peer, To: self, Port: int(aws.ToInt32(single.FromPort))}
				if !intended[rule.Key()] {
					ingress = append(ingress, single)
				}
			}
		}
		for _, perm := range sg.IpPermissionsEgress {
			for _, single := range splitPermission(perm) {
				peer := permissionPeers(single, component)[0]
				rule := domain.Rule{From: self, To: peer, Port: int(aws.ToInt32(single.FromPort))}
				if aws.ToString(single.IpProtocol) == "-1" || !intended[rule.Key()] {
					egress = append(egress, single)
				}
			}
		}

		if len(ingress) > 0 {
			if _, err := r.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       sg.GroupId,
				IpPermissions: ingress,
			}); err != nil && !awsx.HasCode(err, "InvalidPermission.NotFound") {
				return awsx.ResourceFailure(aws.ToString(sg.GroupId), "revoke-ingress", err)
			}
		}
		if len(egress) > 0 {
			if _, err := r.ec2.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
				GroupId:       sg.GroupId,
				IpPermissions: egress,
			}); err != nil && !awsx.HasCode(err, "InvalidPermission.NotFound") {
				return awsx.ResourceFailure(aws.ToString(sg.GroupId), "revoke-egress", err)
			}
		}
		for _, perm := range append(ingress, egress...) {
			logging.LogResourceOperation(aws.ToString(sg.GroupId), "revoke "+describePermission(perm), true, nil)
		}
	}
	return nil
}

func (r *Realiser) ensureSecretsEndpoint(ctx context.Context, vpcID, sg string, subnets []string) error {
	const logicalID = "vpce/secretsmanager"
	existing, err := r.ec2.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{Filters: awsx.StackFilters(r.stack, logicalID)})
	if err != nil {
		return awsx.ResourceFailure(logicalID, "describe", err)
	}
	if len(existing.VpcEndpoints) > 0 {
		logging.LogResourceOperation(aws.ToString(existing.VpcEndpoints[0].VpcEndpointId), "reuse", true, nil)
		return nil
	}

	out, err := awsx.Track("ec2:CreateVpcEndpoint", func() (*ec2.CreateVpcEndpointOutput, error) {
		return r.ec2.CreateVpcEndpoint(ctx, &ec2.CreateVpcEndpointInput{
			VpcId:             aws.String(vpcID),
			ServiceName:       aws.String(r.SecretsServiceName()),
			VpcEndpointType:   ec2types.VpcEndpointTypeInterface,
			SubnetIds:         subnets,
			SecurityGroupIds:  []string{sg},
			PrivateDnsEnabled: aws.Bool(true),
			TagSpecifications: awsx.EC2TagSpecs(ec2types.ResourceTypeVpcEndpoint, domain.StackTags(r.stack, logicalID)),
		})
	})
	if err != nil {
		return awsx.ResourceFailure(logicalID, "create", err)
	}
	logging.LogResourceOperation(aws.ToString(out.VpcEndpoint.VpcEndpointId), "create", true, nil)
	return nil
}

func tcpPermission(port int, peer domain.Peer, groups Groups) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(port)),
		ToPort:     aws.Int32(int32(port)),
	}
	if peer.IsCIDR() {
		perm.IpRanges = []ec2types.IpRange{{CidrIp: aws.String(peer.CIDR), Description: aws.String(peer.String())}}
	} else {
		perm.UserIdGroupPairs = []ec2types.UserIdGroupPair{{GroupId: aws.String(groups[peer.Component]), Description: aws.String(peer.Component)}}
	}
	return perm
}

// splitPermission breaks perm into one permission per peer.
func splitPermission(perm ec2types.IpPermission) []ec2types.IpPermission {
	base := ec2types.IpPermission{IpProtocol: perm.IpProtocol, FromPort: perm.FromPort, ToPort: perm.ToPort}
	var out []ec2types.IpPermission
	for _, rng := range perm.IpRanges {
		single := base
		single.IpRanges = []ec2types.IpRange{rng}
		out = append(out, single)
	}
	for _, pair := range perm.UserIdGroupPairs {
		single := base
		single.UserIdGroupPairs = []ec2types.UserIdGroupPair{pair}
		out = append(out, single)
	}
	return out
}

func describePermission(perm ec2types.IpPermission) string {
	peer := ""
	if len(perm.IpRanges) > 0 {
		peer = aws.ToString(perm.IpRanges[0].CidrIp)
	} else if len(perm.UserIdGroupPairs) > 0 {
		peer = aws.ToString(perm.UserIdGroupPairs[0].GroupId)
	}
	return fmt.Sprintf("%s %s:%d", aws.ToString(perm.IpProtocol), peer, aws.ToInt32(perm.FromPort))
}

func permissionPeers(perm ec2types.IpPermission, component map[string]string) []domain.Peer {
	var peers []domain.Peer
	for _, rng := range perm.IpRanges {
		peers = append(peers, domain.CIDR(aws.ToString(rng.CidrIp)))
	}
	for _, pair := range perm.UserIdGroupPairs {
		peers = append(peers, domain.Component(component[aws.ToString(pair.GroupId)]))
	}
	return peers
}
