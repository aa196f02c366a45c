// Package stack wires the database stack components into an ordered graph of
// provisioning steps.
package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"dbstack/internal/bastion"
	"dbstack/internal/config"
	"dbstack/internal/connectivity"
	"dbstack/internal/domain"
	"dbstack/internal/initializer"
	"dbstack/internal/network"
	"dbstack/internal/secrets"
)

// InitHookName names the one-shot initialization hook.
const InitHookName = "init-db"

// InitCodeSubdir is the directory under lambdaApisDirectory holding the
// initialization task build.
const InitCodeSubdir = "initdb"

// NetworkProvisioner realises the segmented VPC.
type NetworkProvisioner interface {
	Zones(ctx context.Context, limit int) ([]string, error)
	Ensure(ctx context.Context, plan *domain.NetworkSpace) (*domain.NetworkSpace, error)
	Verify(ctx context.Context, space *domain.NetworkSpace) (*network.PlacementResult, error)
	Destroy(ctx context.Context) error
}

// ConnectivityRealiser turns the policy into security groups.
type ConnectivityRealiser interface {
	Realise(ctx context.Context, policy *connectivity.Policy, vpcID string, endpointSubnets []string) (connectivity.Groups, error)
	Observed(ctx context.Context) (*connectivity.Policy, []string, error)
	Destroy(ctx context.Context) error
}

// ClusterProvisioner manages the database cluster. SubnetIDs reports where
// the cluster was actually placed.
type ClusterProvisioner interface {
	Ensure(ctx context.Context, spec domain.ClusterSpec) (*domain.Cluster, error)
	SubnetIDs(ctx context.Context, identifier string) ([]string, error)
	Destroy(ctx context.Context, identifier string, removal domain.RemovalPolicy) error
}

// BastionProvisioner manages the bastion and its key pair.
type BastionProvisioner interface {
	EnsureKeyPair(ctx context.Context, name string) (*bastion.KeyPair, error)
	Ensure(ctx context.Context, spec bastion.Spec) (*domain.BastionHost, error)
	Destroy(ctx context.Context, keyPairName string) error
}

// HookStore is the storage behind the hook ledger.
type HookStore interface {
	EnsureTable(ctx context.Context) error
	DeleteTable(ctx context.Context) error
}

// TaskInvoker deploys and triggers the initialization task.
type TaskInvoker interface {
	Deploy(ctx context.Context, hook initializer.Hook, spec initializer.TaskSpec) (*initializer.Deployment, error)
	Trigger(ctx context.Context, hook initializer.Hook, function string) (*initializer.Result, error)
	Destroy(ctx context.Context, function string) error
}

// KeyResolver resolves the customer managed key used for encryption.
type KeyResolver interface {
	KeyARN(ctx context.Context) (string, error)
}

// Components are the provisioners the stack drives. Keys may be nil.
type Components struct {
	Network      NetworkProvisioner
	Credentials  *secrets.Binding
	Connectivity ConnectivityRealiser
	Cluster      ClusterProvisioner
	Bastion      BastionProvisioner
	Hooks        HookStore
	Invoker      TaskInvoker
	Keys         KeyResolver
}

// Outputs are what a deploy produced. Only references to secrets appear here.
type Outputs struct {
	StackName      string                   `json:"stack_name" yaml:"stack_name"`
	VpcID          string                   `json:"vpc_id,omitempty" yaml:"vpc_id,omitempty"`
	Network        *domain.NetworkSpace     `json:"network,omitempty" yaml:"network,omitempty"`
	Credential     domain.CredentialRef     `json:"credential" yaml:"credential"`
	SecurityGroups map[string]string        `json:"security_groups,omitempty" yaml:"security_groups,omitempty"`
	Cluster        *domain.Cluster          `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Bastion        *domain.BastionHost      `json:"bastion,omitempty" yaml:"bastion,omitempty"`
	InitFunction   string                   `json:"init_function,omitempty" yaml:"init_function,omitempty"`
	InitHook       *initializer.Result      `json:"init_hook,omitempty" yaml:"init_hook,omitempty"`
	Placement      *network.PlacementResult `json:"-" yaml:"-"`
}

// DatabaseStack is the isolated database stack.
type DatabaseStack struct {
	cfg     *config.StackConfig
	c       Components
	outputs *Outputs
}

// NewDatabaseStack checks that every component is present. cfg must already
// be validated.
func NewDatabaseStack(cfg *config.StackConfig, c Components) (*DatabaseStack, error) {
	cfgErr := &domain.ConfigError{}
	for _, req := range []struct {
		name    string
		missing bool
	}{
		{"network", c.Network == nil},
		{"credentials", c.Credentials == nil},
		{"connectivity", c.Connectivity == nil},
		{"cluster", c.Cluster == nil},
		{"bastion", c.Bastion == nil},
		{"hooks", c.Hooks == nil},
		{"invoker", c.Invoker == nil},
	} {
		if req.missing {
			cfgErr.Add("components", req.name+" is required")
		}
	}
	if err := cfgErr.OrNil(); err != nil {
		return nil, err
	}
	return &DatabaseStack{cfg: cfg, c: c, outputs: &Outputs{StackName: cfg.StackName}}, nil
}

// Outputs returns what has been provisioned so far.
func (s *DatabaseStack) Outputs() *Outputs {
	return s.outputs
}

// ClusterIdentifier is the cluster name derived from the stack name.
func (s *DatabaseStack) ClusterIdentifier() string {
	return strings.ToLower(s.cfg.StackName) + "-cluster"
}

// InitFunctionName is the name of the initialization function.
func (s *DatabaseStack) InitFunctionName() string {
	return s.cfg.StackName + "-" + InitHookName
}

// Hook is the initialization hook for the configured token.
func (s *DatabaseStack) Hook() initializer.Hook {
	return initializer.Hook{
		Name:      InitHookName,
		Token:     s.cfg.InitToken,
		DependsOn: []string{domain.StepCluster.Name, domain.StepSecretAttachment.Name, domain.StepInitTask.Name},
	}
}

// Policy is the connectivity policy of the stack.
func (s *DatabaseStack) Policy() (*connectivity.Policy, error) {
	return connectivity.StackPolicy(connectivity.StackOptions{
		DBPort:    s.cfg.DBPort,
		AdminCIDR: s.cfg.BastionAdminCIDR,
		Clients:   s.cfg.DBClients,
	})
}

// Graph builds the provisioning graph.
func (s *DatabaseStack) Graph() (*Graph, error) {
	g := NewGraph()
	steps := []Step{
		{
			Name:    domain.StepNetwork.Name,
			Apply:   s.applyNetwork,
			Destroy: s.c.Network.Destroy,
		},
		{
			Name:    domain.StepCredential.Name,
			Apply:   s.applyCredential,
			Destroy: s.destroyCredential,
		},
		{
			Name:      domain.StepSecurityGroups.Name,
			DependsOn: []string{domain.StepNetwork.Name},
			Apply:     s.applySecurityGroups,
			Destroy:   s.c.Connectivity.Destroy,
		},
		{
			Name:      domain.StepCluster.Name,
			DependsOn: []string{domain.StepNetwork.Name, domain.StepCredential.Name, domain.StepSecurityGroups.Name},
			Apply:     s.applyCluster,
			Destroy: func(ctx context.Context) error {
				return s.c.Cluster.Destroy(ctx, s.ClusterIdentifier(), s.cfg.RemovalPolicy)
			},
		},
		{
			Name:      domain.StepSecretAttachment.Name,
			DependsOn: []string{domain.StepCluster.Name, domain.StepCredential.Name},
			Apply:     s.applySecretAttachment,
		},
		{
			Name:  domain.StepBastionKey.Name,
			Apply: s.applyBastionKey,
		},
		{
			Name:      domain.StepBastion.Name,
			DependsOn: []string{domain.StepNetwork.Name, domain.StepSecurityGroups.Name, domain.StepBastionKey.Name},
			Apply:     s.applyBastion,
			Destroy: func(ctx context.Context) error {
				return s.c.Bastion.Destroy(ctx, s.cfg.BastionHostKeyPairName)
			},
		},
		{
			Name:    domain.StepHookLedger.Name,
			Apply:   s.c.Hooks.EnsureTable,
			Destroy: s.c.Hooks.DeleteTable,
		},
		{
			Name: domain.StepInitTask.Name,
			DependsOn: []string{
				domain.StepNetwork.Name,
				domain.StepSecurityGroups.Name,
				domain.StepSecretAttachment.Name,
				domain.StepHookLedger.Name,
			},
			Apply: s.applyInitTask,
			Destroy: func(ctx context.Context) error {
				return s.c.Invoker.Destroy(ctx, s.InitFunctionName())
			},
		},
		{
			Name:      domain.StepInitInvoke.Name,
			DependsOn: s.Hook().DependsOn,
			Apply:     s.applyInitInvoke,
		},
	}

	descriptions := make(map[string]string)
	for _, d := range domain.AllSteps() {
		descriptions[d.Name] = d.Description
	}
	for _, step := range steps {
		step.Description = descriptions[step.Name]
		if err := g.Add(step); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Plan returns the ordered steps.
func (s *DatabaseStack) Plan() (*Report, error) {
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	return g.Plan()
}

// Deploy runs every step in order.
func (s *DatabaseStack) Deploy(ctx context.Context) (*Report, error) {
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	return g.Run(ctx)
}

// Destroy tears the stack down in reverse order.
func (s *DatabaseStack) Destroy(ctx context.Context) (*Report, error) {
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	return g.Destroy(ctx)
}

func (s *DatabaseStack) applyNetwork(ctx context.Context) error {
	zones, err := s.c.Network.Zones(ctx, s.cfg.MaxAZs)
	if err != nil {
		return err
	}
	plan, err := network.Plan(network.SegmentRequest{
		CIDR:   s.cfg.VpcCIDR,
		Zones:  zones,
		Groups: network.DatabaseLayout(s.cfg.SubnetCIDRMask),
	})
	if err != nil {
		return err
	}
	space, err := s.c.Network.Ensure(ctx, plan)
	if err != nil {
		return err
	}
	placement, err := s.c.Network.Verify(ctx, space)
	if err != nil {
		return err
	}
	s.outputs.Placement = placement
	if !placement.OK() {
		return placement.Err()
	}
	s.outputs.Network = space
	s.outputs.VpcID = space.VpcID
	return nil
}

func (s *DatabaseStack) applyCredential(ctx context.Context) error {
	ref, err := s.c.Credentials.EnsureCredential(ctx, secrets.CredentialRequest{
		Name:     s.cfg.DBSecretName,
		Username: s.cfg.DBAdminUser,
		DBName:   s.cfg.DefaultDBName,
		Port:     s.cfg.DBPort,
		Engine:   "mysql",
	})
	if err != nil {
		return err
	}
	s.outputs.Credential = ref
	return nil
}

// destroyCredential keeps the credential when the cluster is retained, so
// the retained data stays reachable.
func (s *DatabaseStack) destroyCredential(ctx context.Context) error {
	if s.cfg.RemovalPolicy == domain.RemovalRetain {
		return nil
	}
	return s.c.Credentials.Delete(ctx, domain.CredentialRef{Name: s.cfg.DBSecretName})
}

func (s *DatabaseStack) applySecurityGroups(ctx context.Context) error {
	if s.outputs.Network == nil {
		return fmt.Errorf("%w: network is not provisioned", domain.ErrOrdering)
	}
	policy, err := s.Policy()
	if err != nil {
		return err
	}
	endpointSubnets, err := network.SubnetIDs(s.outputs.Network, domain.SubnetPrivateEgress)
	if err != nil {
		return err
	}
	groups, err := s.c.Connectivity.Realise(ctx, policy, s.outputs.VpcID, endpointSubnets)
	if err != nil {
		return err
	}
	s.outputs.SecurityGroups = groups

	observed, unrestricted, err := s.c.Connectivity.Observed(ctx)
	if err != nil {
		return err
	}
	if drift := connectivity.Drift(policy, observed, unrestricted); len(drift) > 0 {
		return fmt.Errorf("security groups do not match the connectivity policy: %s", strings.Join(drift, "; "))
	}
	return nil
}

func (s *DatabaseStack) applyCluster(ctx context.Context) error {
	var kmsKey string
	if s.c.Keys != nil {
		arn, err := s.c.Keys.KeyARN(ctx)
		if err != nil {
			return err
		}
		kmsKey = arn
	}

	spec, err := domain.NewClusterSpec(domain.ClusterSpec{
		Identifier:       s.ClusterIdentifier(),
		InstanceClass:    s.cfg.DBInstanceClass,
		Instances:        s.cfg.DBInstances,
		Port:             s.cfg.DBPort,
		EngineVersion:    s.cfg.DBEngineVersion,
		DefaultDBName:    s.cfg.DefaultDBName,
		AdminUser:        s.cfg.DBAdminUser,
		Credential:       s.outputs.Credential,
		Subnets:          s.outputs.Network.SubnetsOf(domain.SubnetIsolated),
		SecurityGroupIDs: s.groupIDs(domain.ComponentCluster),
		RemovalPolicy:    s.cfg.RemovalPolicy,
		KMSKeyID:         kmsKey,
	})
	if err != nil {
		return err
	}
	cluster, err := s.c.Cluster.Ensure(ctx, spec)
	if err != nil {
		return err
	}
	s.outputs.Cluster = cluster

	placed, err := s.c.Cluster.SubnetIDs(ctx, spec.Identifier)
	if err != nil {
		return err
	}
	placement := network.CheckClusterPlacement(s.outputs.Network, placed)
	if s.outputs.Placement != nil {
		placement = s.outputs.Placement.Merge(placement)
	}
	s.outputs.Placement = placement
	return placement.Err()
}

func (s *DatabaseStack) applySecretAttachment(ctx context.Context) error {
	if s.outputs.Cluster == nil {
		return fmt.Errorf("%w: cluster is not provisioned", domain.ErrOrdering)
	}
	return s.c.Credentials.Attach(ctx, s.outputs.Credential, s.outputs.Cluster.Endpoint, s.outputs.Cluster.Port)
}

func (s *DatabaseStack) applyBastionKey(ctx context.Context) error {
	_, err := s.c.Bastion.EnsureKeyPair(ctx, s.cfg.BastionHostKeyPairName)
	return err
}

func (s *DatabaseStack) applyBastion(ctx context.Context) error {
	host, err := s.c.Bastion.Ensure(ctx, bastion.Spec{
		KeyPairName:     s.cfg.BastionHostKeyPairName,
		InstanceType:    s.cfg.BastionInstanceType,
		AMIParameter:    s.cfg.BastionAMIParameter,
		InitScriptPath:  s.cfg.BastionHostInitScriptPath,
		PublicSubnets:   s.outputs.Network.SubnetsOf(domain.SubnetPublic),
		SecurityGroupID: s.outputs.SecurityGroups[domain.ComponentBastion],
	})
	if err != nil {
		return err
	}
	s.outputs.Bastion = host
	return nil
}

func (s *DatabaseStack) applyInitTask(ctx context.Context) error {
	subnets, err := network.SubnetIDs(s.outputs.Network, domain.SubnetPrivateEgress)
	if err != nil {
		return err
	}
	dep, err := s.c.Invoker.Deploy(ctx, s.Hook(), initializer.TaskSpec{
		FunctionName:    s.InitFunctionName(),
		CodeDir:         filepath.Join(s.cfg.LambdaApisDirectory, InitCodeSubdir),
		Handler:         s.cfg.DefaultHandler,
		Runtime:         s.cfg.LambdaRuntime,
		SubnetIDs:       subnets,
		SecurityGroupID: s.outputs.SecurityGroups[domain.ComponentInitTask],
		Credential:      s.outputs.Credential,
		TableName:       s.cfg.DBTableName,
	})
	if err != nil {
		return err
	}
	s.outputs.InitFunction = dep.FunctionName
	return nil
}

func (s *DatabaseStack) applyInitInvoke(ctx context.Context) error {
	res, err := s.c.Invoker.Trigger(ctx, s.Hook(), s.InitFunctionName())
	if err != nil {
		return err
	}
	s.outputs.InitHook = res
	return nil
}

func (s *DatabaseStack) groupIDs(component string) []string {
	if id, ok := s.outputs.SecurityGroups[component]; ok {
		return []string{id}
	}
	return nil
}
