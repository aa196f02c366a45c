// Package database provisions the Aurora MySQL cluster inside isolated subnets.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	awsx "dbstack/internal/aws"
	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/secrets"
)

// RDSAPI is the subset of RDS used to manage the cluster.
type RDSAPI interface {
	CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error)
	DescribeDBSubnetGroups(ctx context.Context, params *rds.DescribeDBSubnetGroupsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error)
	DeleteDBSubnetGroup(ctx context.Context, params *rds.DeleteDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.DeleteDBSubnetGroupOutput, error)
	CreateDBCluster(ctx context.Context, params *rds.CreateDBClusterInput, optFns ...func(*rds.Options)) (*rds.CreateDBClusterOutput, error)
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error)
	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
}

// CredentialResolver resolves the admin credential at cluster creation time.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref domain.CredentialRef) (domain.SecretMaterial, error)
}

var _ CredentialResolver = (*secrets.Resolver)(nil)

// Provisioner creates and deletes the cluster, its instances and its subnet group.
type Provisioner struct {
	rds      RDSAPI
	resolver CredentialResolver
	stack    string

	// WaitTimeout bounds each wait for instances to change state.
	WaitTimeout time.Duration
	// PollInterval is how often cluster deletion is checked.
	PollInterval time.Duration
}

// NewProvisioner creates a provisioner for stack.
func NewProvisioner(client RDSAPI, resolver CredentialResolver, stack string) *Provisioner {
	return &Provisioner{
		rds:          client,
		resolver:     resolver,
		stack:        stack,
		WaitTimeout:  45 * time.Minute,
		PollInterval: 30 * time.Second,
	}
}

// SubnetGroupName is the DB subnet group used by cluster identifier.
func SubnetGroupName(identifier string) string {
	return identifier + "-subnets"
}

// Ensure creates what is missing of spec and waits for every instance to be
// available. The returned cluster carries the credential reference only.
func (p *Provisioner) Ensure(ctx context.Context, spec domain.ClusterSpec) (*domain.Cluster, error) {
	start := time.Now()
	logging.LogOperationStart("ensure-cluster", map[string]interface{}{
		"cluster":   spec.Identifier,
		"instances": spec.Instances,
	})

	cluster, err := p.ensure(ctx, spec)
	found := 0
	if cluster != nil {
		found = len(cluster.InstanceIDs)
	}
	logging.LogOperationEnd("ensure-cluster", time.Since(start), err == nil, spec.Instances, found, err)
	return cluster, err
}

func (p *Provisioner) ensure(ctx context.Context, spec domain.ClusterSpec) (*domain.Cluster, error) {
	if spec.Instances < domain.MinClusterInstances {
		return nil, domain.Configf("dbInstances", "spec was not built with NewClusterSpec")
	}
	if err := p.ensureSubnetGroup(ctx, spec); err != nil {
		return nil, err
	}
	dbCluster, err := p.ensureCluster(ctx, spec)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, spec.Instances)
	for n := 1; n <= spec.Instances; n++ {
		id, err := p.ensureInstance(ctx, spec, n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	waiter := rds.NewDBInstanceAvailableWaiter(p.rds)
	for _, id := range ids {
		if err := waiter.Wait(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)}, p.WaitTimeout); err != nil {
			return nil, awsx.ResourceFailure("db-instance/"+id, "wait-available", err)
		}
	}

	return &domain.Cluster{
		Identifier:  spec.Identifier,
		Endpoint:    aws.ToString(dbCluster.Endpoint),
		Port:        int(aws.ToInt32(dbCluster.Port)),
		Credential:  spec.Credential,
		InstanceIDs: ids,
		Removal:     spec.RemovalPolicy,
	}, nil
}

func (p *Provisioner) ensureSubnetGroup(ctx context.Context, spec domain.ClusterSpec) error {
	name := SubnetGroupName(spec.Identifier)
	_, err := p.rds.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{DBSubnetGroupName: aws.String(name)})
	if err == nil {
		logging.LogResourceOperation("db-subnet-group/"+name, "reuse", true, nil)
		return nil
	}
	if !awsx.HasCode(err, "DBSubnetGroupNotFoundFault") {
		return awsx.ResourceFailure("db-subnet-group/"+name, "describe", err)
	}

	_, err = awsx.Track("rds:CreateDBSubnetGroup", func() (*rds.CreateDBSubnetGroupOutput, error) {
		return p.rds.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
			DBSubnetGroupName:        aws.String(name),
			DBSubnetGroupDescription: aws.String(fmt.Sprintf("Isolated subnets of %s", spec.Identifier)),
			SubnetIds:                spec.SubnetIDs(),
			Tags:                     p.tags("db-subnet-group/" + name),
		})
	})
	if err != nil {
		return awsx.ResourceFailure("db-subnet-group/"+name, "create", err)
	}
	logging.LogResourceOperation("db-subnet-group/"+name, "create", true, nil)
	return nil
}

func (p *Provisioner) ensureCluster(ctx context.Context, spec domain.ClusterSpec) (*rdstypes.DBCluster, error) {
	resource := "db-cluster/" + spec.Identifier
	existing, err := p.describeCluster(ctx, spec.Identifier)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logging.LogResourceOperation(resource, "reuse", true, nil)
		return existing, nil
	}

	// Material only lives for the duration of this call.
	material, err := p.resolver.Resolve(ctx, spec.Credential)
	if err != nil {
		return nil, fmt.Errorf("resolving admin credential for %s: %w", spec.Identifier, err)
	}

	in := &rds.CreateDBClusterInput{
		DBClusterIdentifier: aws.String(spec.Identifier),
		Engine:              aws.String(spec.Engine),
		Port:                aws.Int32(int32(spec.Port)),
		DatabaseName:        aws.String(spec.DefaultDBName),
		MasterUsername:      aws.String(spec.AdminUser),
		MasterUserPassword:  aws.String(material.Password),
		DBSubnetGroupName:   aws.String(SubnetGroupName(spec.Identifier)),
		VpcSecurityGroupIds: spec.SecurityGroupIDs,
		StorageEncrypted:    aws.Bool(true),
		DeletionProtection:  aws.Bool(spec.RemovalPolicy == domain.RemovalRetain),
		CopyTagsToSnapshot:  aws.Bool(true),
		Tags:                p.tags(resource),
	}
	if spec.EngineVersion != "" {
		in.EngineVersion = aws.String(spec.EngineVersion)
	}
	if spec.KMSKeyID != "" {
		in.KmsKeyId = aws.String(spec.KMSKeyID)
	}

	out, err := awsx.Track("rds:CreateDBCluster", func() (*rds.CreateDBClusterOutput, error) {
		return p.rds.CreateDBCluster(ctx, in)
	})
	if err != nil {
		return nil, awsx.ResourceFailure(resource, "create", err)
	}
	logging.LogResourceOperation(resource, "create", true, nil)
	return out.DBCluster, nil
}

func (p *Provisioner) ensureInstance(ctx context.Context, spec domain.ClusterSpec, n int) (string, error) {
	id := spec.InstanceIdentifier(n)
	resource := "db-instance/" + id

	_, err := p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)})
	if err == nil {
		logging.LogResourceOperation(resource, "reuse", true, nil)
		return id, nil
	}
	if !awsx.HasCode(err, "DBInstanceNotFound", "DBInstanceNotFoundFault") {
		return "", awsx.ResourceFailure(resource, "describe", err)
	}

	_, err = awsx.Track("rds:CreateDBInstance", func() (*rds.CreateDBInstanceOutput, error) {
		return p.rds.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
			DBInstanceIdentifier: aws.String(id),
			DBClusterIdentifier:  aws.String(spec.Identifier),
			DBInstanceClass:      aws.String(spec.InstanceClass),
			Engine:               aws.String(spec.Engine),
			PubliclyAccessible:   aws.Bool(false),
			Tags:                 p.tags(resource),
		})
	})
	if err != nil {
		return "", awsx.ResourceFailure(resource, "create", err)
	}
	logging.LogResourceOperation(resource, "create", true, nil)
	return id, nil
}

// Describe returns the cluster, or domain.ErrOrdering when it does not exist.
func (p *Provisioner) Describe(ctx context.Context, identifier string) (*rdstypes.DBCluster, error) {
	c, err := p.describeCluster(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: cluster %s does not exist", domain.ErrOrdering, identifier)
	}
	return c, nil
}

// SubnetIDs reads back the subnets the cluster was actually placed in, via
// the subnet group recorded on the cluster.
func (p *Provisioner) SubnetIDs(ctx context.Context, identifier string) ([]string, error) {
	c, err := p.Describe(ctx, identifier)
	if err != nil {
		return nil, err
	}
	name := aws.ToString(c.DBSubnetGroup)
	if name == "" {
		name = SubnetGroupName(identifier)
	}
	out, err := p.rds.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{DBSubnetGroupName: aws.String(name)})
	if err != nil {
		return nil, awsx.ResourceFailure("db-subnet-group/"+name, "describe", err)
	}
	var ids []string
	for _, group := range out.DBSubnetGroups {
		for _, sn := range group.Subnets {
			ids = append(ids, aws.ToString(sn.SubnetIdentifier))
		}
	}
	return ids, nil
}

func (p *Provisioner) describeCluster(ctx context.Context, identifier string) (*rdstypes.DBCluster, error) {
	out, err := p.rds.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(identifier)})
	if awsx.HasCode(err, "DBClusterNotFoundFault") {
		return nil, nil
	}
	if err != nil {
		return nil, awsx.ResourceFailure("db-cluster/"+identifier, "describe", err)
	}
	if len(out.DBClusters) == 0 {
		return nil, nil
	}
	return &out.DBClusters[0], nil
}

// Destroy deletes the cluster when removal is destroy. With retain it leaves
// the cluster, its instances and its subnet group in place.
func (p *Provisioner) Destroy(ctx context.Context, identifier string, removal domain.RemovalPolicy) error {
	if removal == domain.RemovalRetain {
		logging.LogWarn("Retaining database cluster", map[string]interface{}{
			"cluster":        identifier,
			"removal_policy": string(removal),
		})
		return nil
	}
	if removal != domain.RemovalDestroy {
		return domain.Configf("removalPolicy", "%q must be %q or %q", removal, domain.RemovalDestroy, domain.RemovalRetain)
	}

	cluster, err := p.describeCluster(ctx, identifier)
	if err != nil {
		return err
	}
	if cluster != nil {
		if err := p.deleteCluster(ctx, cluster); err != nil {
			return err
		}
	}

	name := SubnetGroupName(identifier)
	_, err = p.rds.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{DBSubnetGroupName: aws.String(name)})
	if err != nil && !awsx.HasCode(err, "DBSubnetGroupNotFoundFault") {
		return awsx.ResourceFailure("db-subnet-group/"+name, "delete", err)
	}
	if err == nil {
		logging.LogResourceOperation("db-subnet-group/"+name, "delete", true, nil)
	}
	return nil
}

func (p *Provisioner) deleteCluster(ctx context.Context, cluster *rdstypes.DBCluster) error {
	identifier := aws.ToString(cluster.DBClusterIdentifier)

	waiter := rds.NewDBInstanceDeletedWaiter(p.rds)
	for _, member := range cluster.DBClusterMembers {
		id := aws.ToString(member.DBInstanceIdentifier)
		_, err := p.rds.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
			DBInstanceIdentifier: aws.String(id),
			SkipFinalSnapshot:    aws.Bool(true),
		})
		if err != nil && !awsx.HasCode(err, "DBInstanceNotFound", "DBInstanceNotFoundFault") {
			return awsx.ResourceFailure("db-instance/"+id, "delete", err)
		}
		if err := waiter.Wait(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)}, p.WaitTimeout); err != nil {
			return awsx.ResourceFailure("db-instance/"+id, "wait-deleted", err)
		}
		logging.LogResourceOperation("db-instance/"+id, "delete", true, nil)
	}

	_, err := p.rds.DeleteDBCluster(ctx, &rds.DeleteDBClusterInput{
		DBClusterIdentifier: aws.String(identifier),
		SkipFinalSnapshot:   aws.Bool(true),
	})
	if err != nil && !awsx.HasCode(err, "DBClusterNotFoundFault") {
		return awsx.ResourceFailure("db-cluster/"+identifier, "delete", err)
	}
	if err := p.waitClusterGone(ctx, identifier); err != nil {
		return err
	}
	logging.LogResourceOperation("db-cluster/"+identifier, "delete", true, nil)
	return nil
}

func (p *Provisioner) waitClusterGone(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, p.WaitTimeout)
	defer cancel()

	for {
		c, err := p.describeCluster(ctx, identifier)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return awsx.ResourceFailure("db-cluster/"+identifier, "wait-deleted", ctx.Err())
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *Provisioner) tags(logicalID string) []rdstypes.Tag {
	return []rdstypes.Tag{
		{Key: aws.String(domain.TagStack), Value: aws.String(p.stack)},
		{Key: aws.String(domain.TagLogicalID), Value: aws.String(logicalID)},
	}
}
