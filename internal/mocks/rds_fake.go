package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

// =============================================================================
// FakeRDS - in-memory subnet groups, clusters and instances
// =============================================================================

// FakeRDS keeps RDS resources in memory. Instances are available as soon as
// they are created and gone as soon as they are deleted.
type FakeRDS struct {
	mu sync.Mutex

	Errors map[string]error
	Calls  map[string]int

	SubnetGroups map[string]*rdstypes.DBSubnetGroup
	Clusters     map[string]*rdstypes.DBCluster
	Instances    map[string]*rdstypes.DBInstance

	// Passwords records the master password each cluster was created with.
	Passwords map[string]string
}

// NewFakeRDS returns an empty fake.
func NewFakeRDS() *FakeRDS {
	return &FakeRDS{
		Errors:       make(map[string]error),
		Calls:        make(map[string]int),
		SubnetGroups: make(map[string]*rdstypes.DBSubnetGroup),
		Clusters:     make(map[string]*rdstypes.DBCluster),
		Instances:    make(map[string]*rdstypes.DBInstance),
		Passwords:    make(map[string]string),
	}
}

func (f *FakeRDS) call(op string) error {
	f.Calls[op]++
	return f.Errors[op]
}

func (f *FakeRDS) CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateDBSubnetGroup"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.DBSubnetGroupName)
	if _, ok := f.SubnetGroups[name]; ok {
		return nil, APIError("DBSubnetGroupAlreadyExists", name)
	}
	group := &rdstypes.DBSubnetGroup{
		DBSubnetGroupName:        params.DBSubnetGroupName,
		DBSubnetGroupDescription: params.DBSubnetGroupDescription,
		SubnetGroupStatus:        aws.String("Complete"),
	}
	for _, id := range params.SubnetIds {
		group.Subnets = append(group.Subnets, rdstypes.Subnet{SubnetIdentifier: aws.String(id)})
	}
	f.SubnetGroups[name] = group
	return &rds.CreateDBSubnetGroupOutput{DBSubnetGroup: group}, nil
}

func (f *FakeRDS) DescribeDBSubnetGroups(ctx context.Context, params *rds.DescribeDBSubnetGroupsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeDBSubnetGroups"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.DBSubnetGroupName)
	if name != "" {
		group, ok := f.SubnetGroups[name]
		if !ok {
			return nil, APIError("DBSubnetGroupNotFoundFault", name)
		}
		return &rds.DescribeDBSubnetGroupsOutput{DBSubnetGroups: []rdstypes.DBSubnetGroup{*group}}, nil
	}
	out := &rds.DescribeDBSubnetGroupsOutput{}
	for _, k := range sortedKeys(f.SubnetGroups) {
		out.DBSubnetGroups = append(out.DBSubnetGroups, *f.SubnetGroups[k])
	}
	return out, nil
}

func (f *FakeRDS) DeleteDBSubnetGroup(ctx context.Context, params *rds.DeleteDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.DeleteDBSubnetGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteDBSubnetGroup"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.DBSubnetGroupName)
	if _, ok := f.SubnetGroups[name]; !ok {
		return nil, APIError("DBSubnetGroupNotFoundFault", name)
	}
	for _, c := range f.Clusters {
		if aws.ToString(c.DBSubnetGroup) == name {
			return nil, APIError("InvalidDBSubnetGroupStateFault", "subnet group in use by "+aws.ToString(c.DBClusterIdentifier))
		}
	}
	delete(f.SubnetGroups, name)
	return &rds.DeleteDBSubnetGroupOutput{}, nil
}

func (f *FakeRDS) CreateDBCluster(ctx context.Context, params *rds.CreateDBClusterInput, optFns ...func(*rds.Options)) (*rds.CreateDBClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateDBCluster"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBClusterIdentifier)
	if _, ok := f.Clusters[id]; ok {
		return nil, APIError("DBClusterAlreadyExistsFault", id)
	}
	if _, ok := f.SubnetGroups[aws.ToString(params.DBSubnetGroupName)]; !ok {
		return nil, APIError("DBSubnetGroupNotFoundFault", aws.ToString(params.DBSubnetGroupName))
	}
	cluster := &rdstypes.DBCluster{
		DBClusterIdentifier: params.DBClusterIdentifier,
		DBClusterArn:        aws.String("arn:aws:rds:us-east-1:123456789012:cluster:" + id),
		Engine:              params.Engine,
		EngineVersion:       params.EngineVersion,
		Port:                params.Port,
		DatabaseName:        params.DatabaseName,
		MasterUsername:      params.MasterUsername,
		DBSubnetGroup:       params.DBSubnetGroupName,
		StorageEncrypted:    params.StorageEncrypted,
		KmsKeyId:            params.KmsKeyId,
		DeletionProtection:  params.DeletionProtection,
		Endpoint:            aws.String(fmt.Sprintf("%s.cluster-abc123.us-east-1.rds.amazonaws.com", id)),
		ReaderEndpoint:      aws.String(fmt.Sprintf("%s.cluster-ro-abc123.us-east-1.rds.amazonaws.com", id)),
		Status:              aws.String("available"),
		TagList:             params.Tags,
	}
	for _, sg := range params.VpcSecurityGroupIds {
		cluster.VpcSecurityGroups = append(cluster.VpcSecurityGroups, rdstypes.VpcSecurityGroupMembership{VpcSecurityGroupId: aws.String(sg), Status: aws.String("active")})
	}
	f.Clusters[id] = cluster
	f.Passwords[id] = aws.ToString(params.MasterUserPassword)
	return &rds.CreateDBClusterOutput{DBCluster: cluster}, nil
}

func (f *FakeRDS) DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeDBClusters"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBClusterIdentifier)
	if id != "" {
		c, ok := f.Clusters[id]
		if !ok {
			return nil, APIError("DBClusterNotFoundFault", "DBCluster "+id+" not found.")
		}
		return &rds.DescribeDBClustersOutput{DBClusters: []rdstypes.DBCluster{f.withMembers(c)}}, nil
	}
	out := &rds.DescribeDBClustersOutput{}
	for _, k := range sortedKeys(f.Clusters) {
		out.DBClusters = append(out.DBClusters, f.withMembers(f.Clusters[k]))
	}
	return out, nil
}

func (f *FakeRDS) withMembers(c *rdstypes.DBCluster) rdstypes.DBCluster {
	out := *c
	out.DBClusterMembers = nil
	for _, k := range sortedKeys(f.Instances) {
		inst := f.Instances[k]
		if aws.ToString(inst.DBClusterIdentifier) == aws.ToString(c.DBClusterIdentifier) {
			out.DBClusterMembers = append(out.DBClusterMembers, rdstypes.DBClusterMember{
				DBInstanceIdentifier: inst.DBInstanceIdentifier,
				IsClusterWriter:      aws.Bool(len(out.DBClusterMembers) == 0),
			})
		}
	}
	return out
}

func (f *FakeRDS) DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteDBCluster"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBClusterIdentifier)
	c, ok := f.Clusters[id]
	if !ok {
		return nil, APIError("DBClusterNotFoundFault", "DBCluster "+id+" not found.")
	}
	if aws.ToBool(c.DeletionProtection) {
		return nil, APIError("InvalidParameterCombination", "Cannot delete protected Cluster")
	}
	for _, inst := range f.Instances {
		if aws.ToString(inst.DBClusterIdentifier) == id {
			return nil, APIError("InvalidDBClusterStateFault", "Cluster cannot be deleted, it still contains DB instances")
		}
	}
	delete(f.Clusters, id)
	return &rds.DeleteDBClusterOutput{DBCluster: c}, nil
}

func (f *FakeRDS) CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateDBInstance"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBInstanceIdentifier)
	if _, ok := f.Instances[id]; ok {
		return nil, APIError("DBInstanceAlreadyExists", id)
	}
	cluster, ok := f.Clusters[aws.ToString(params.DBClusterIdentifier)]
	if !ok {
		return nil, APIError("DBClusterNotFoundFault", aws.ToString(params.DBClusterIdentifier))
	}
	inst := &rdstypes.DBInstance{
		DBInstanceIdentifier: params.DBInstanceIdentifier,
		DBInstanceArn:        aws.String("arn:aws:rds:us-east-1:123456789012:db:" + id),
		DBClusterIdentifier:  params.DBClusterIdentifier,
		DBInstanceClass:      params.DBInstanceClass,
		Engine:               params.Engine,
		PubliclyAccessible:   params.PubliclyAccessible,
		DBInstanceStatus:     aws.String("available"),
		DBSubnetGroup:        &rdstypes.DBSubnetGroup{DBSubnetGroupName: cluster.DBSubnetGroup},
		TagList:              params.Tags,
	}
	f.Instances[id] = inst
	return &rds.CreateDBInstanceOutput{DBInstance: inst}, nil
}

func (f *FakeRDS) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeDBInstances"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBInstanceIdentifier)
	if id != "" {
		inst, ok := f.Instances[id]
		if !ok {
			return nil, APIError("DBInstanceNotFound", "DBInstance "+id+" not found.")
		}
		return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{*inst}}, nil
	}
	out := &rds.DescribeDBInstancesOutput{}
	for _, k := range sortedKeys(f.Instances) {
		out.DBInstances = append(out.DBInstances, *f.Instances[k])
	}
	return out, nil
}

func (f *FakeRDS) DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteDBInstance"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.DBInstanceIdentifier)
	inst, ok := f.Instances[id]
	if !ok {
		return nil, APIError("DBInstanceNotFound", "DBInstance "+id+" not found.")
	}
	delete(f.Instances, id)
	return &rds.DeleteDBInstanceOutput{DBInstance: inst}, nil
}
