package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"dbstack/internal/domain"
	"dbstack/internal/mocks"
	"dbstack/internal/secrets"
)

type fixture struct {
	rds      *mocks.FakeRDS
	backend  *secrets.MemoryBackend
	provider *Provisioner
	spec     domain.ClusterSpec
}

func isolatedSubnets() []domain.Subnet {
	return []domain.Subnet{
		{Name: "rds-private-subnet-us-east-1a", Kind: domain.SubnetIsolated, AZ: "us-east-1a", CIDR: "10.0.0.64/28", ID: "subnet-iso-a"},
		{Name: "rds-private-subnet-us-east-1b", Kind: domain.SubnetIsolated, AZ: "us-east-1b", CIDR: "10.0.0.80/28", ID: "subnet-iso-b"},
	}
}

func newFixture(t *testing.T, removal domain.RemovalPolicy, instances int) *fixture {
	t.Helper()
	ctx := context.Background()
	backend := secrets.NewMemoryBackend()
	ref, err := secrets.NewBinding(backend, nil).EnsureCredential(ctx, secrets.CredentialRequest{
		Name: "db-secret", Username: "myadmin", DBName: "mydb", Port: 3306,
	})
	if err != nil {
		t.Fatalf("EnsureCredential() error = %v", err)
	}

	spec, err := domain.NewClusterSpec(domain.ClusterSpec{
		Identifier:       "teststack-cluster",
		InstanceClass:    "db.t3.medium",
		Instances:        instances,
		Port:             3306,
		DefaultDBName:    "mydb",
		AdminUser:        "myadmin",
		Credential:       ref,
		Subnets:          isolatedSubnets(),
		SecurityGroupIDs: []string{"sg-cluster"},
		RemovalPolicy:    removal,
	})
	if err != nil {
		t.Fatalf("NewClusterSpec() error = %v", err)
	}

	fake := mocks.NewFakeRDS()
	p := NewProvisioner(fake, secrets.NewResolver(backend), "TestStack")
	p.WaitTimeout = time.Minute
	p.PollInterval = time.Millisecond
	return &fixture{rds: fake, backend: backend, provider: p, spec: spec}
}

// =============================================================================
// Cluster Spec Tests
// =============================================================================

func TestNewClusterSpec_RaisesInstancesToFloor(t *testing.T) {
	for _, requested := range []int{0, 1, 2, 3} {
		f := newFixture(t, domain.RemovalDestroy, requested)
		want := requested
		if want < domain.MinClusterInstances {
			want = domain.MinClusterInstances
		}
		if f.spec.Instances != want {
			t.Errorf("requested %d: Instances = %d, want %d", requested, f.spec.Instances, want)
		}
	}
}

func TestNewClusterSpec_Rejects(t *testing.T) {
	base := func() domain.ClusterSpec {
		return domain.ClusterSpec{
			Identifier:    "c",
			InstanceClass: "db.t3.medium",
			Port:          3306,
			DefaultDBName: "mydb",
			AdminUser:     "admin",
			Credential:    domain.CredentialRef{Name: "s"},
			Subnets:       isolatedSubnets(),
			RemovalPolicy: domain.RemovalDestroy,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*domain.ClusterSpec)
		wantErr error
	}{
		{"public subnet", func(s *domain.ClusterSpec) {
			s.Subnets = append(s.Subnets, domain.Subnet{Name: "public-subnet-a", Kind: domain.SubnetPublic, ID: "subnet-pub"})
		}, domain.ErrConfiguration},
		{"egress subnet", func(s *domain.ClusterSpec) {
			s.Subnets = []domain.Subnet{{Name: "private-with-egress-a", Kind: domain.SubnetPrivateEgress, ID: "subnet-egr"}}
		}, domain.ErrConfiguration},
		{"no subnets", func(s *domain.ClusterSpec) { s.Subnets = nil }, domain.ErrConfiguration},
		{"no removal policy", func(s *domain.ClusterSpec) { s.RemovalPolicy = "" }, domain.ErrConfiguration},
		{"bad port", func(s *domain.ClusterSpec) { s.Port = 0 }, domain.ErrConfiguration},
		{"no credential", func(s *domain.ClusterSpec) { s.Credential = domain.CredentialRef{} }, domain.ErrOrdering},
		{"unprovisioned subnet", func(s *domain.ClusterSpec) { s.Subnets[0].ID = "" }, domain.ErrOrdering},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(&spec)
			if _, err := domain.NewClusterSpec(spec); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// =============================================================================
// Provisioner Tests
// =============================================================================

func TestEnsure_CreatesClusterInIsolatedSubnets(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 1)

	cluster, err := f.provider.Ensure(context.Background(), f.spec)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if len(cluster.InstanceIDs) != 2 {
		t.Errorf("got %d instances, want 2", len(cluster.InstanceIDs))
	}
	if cluster.Endpoint == "" || cluster.Port != 3306 {
		t.Errorf("unexpected endpoint %s:%d", cluster.Endpoint, cluster.Port)
	}
	if cluster.Credential != f.spec.Credential {
		t.Error("cluster does not expose the credential reference")
	}

	group := f.rds.SubnetGroups[SubnetGroupName(f.spec.Identifier)]
	if group == nil || len(group.Subnets) != 2 {
		t.Fatalf("subnet group not created over isolated subnets: %+v", group)
	}
	for _, s := range group.Subnets {
		if id := aws.ToString(s.SubnetIdentifier); id != "subnet-iso-a" && id != "subnet-iso-b" {
			t.Errorf("cluster placed in %s", id)
		}
	}

	created := f.rds.Clusters[f.spec.Identifier]
	if aws.ToBool(created.DeletionProtection) {
		t.Error("destroy policy must not enable deletion protection")
	}
	if !aws.ToBool(created.StorageEncrypted) {
		t.Error("storage must be encrypted")
	}
	for _, inst := range f.rds.Instances {
		if aws.ToBool(inst.PubliclyAccessible) {
			t.Errorf("instance %s is publicly accessible", aws.ToString(inst.DBInstanceIdentifier))
		}
	}
}

func TestEnsure_UsesResolvedPassword(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	if _, err := f.provider.Ensure(context.Background(), f.spec); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	material, _ := secrets.NewResolver(f.backend).Resolve(context.Background(), f.spec.Credential)
	if f.rds.Passwords[f.spec.Identifier] != material.Password {
		t.Error("cluster was not created with the stored credential")
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	ctx := context.Background()

	first, err := f.provider.Ensure(ctx, f.spec)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	second, err := f.provider.Ensure(ctx, f.spec)
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}

	if f.rds.Calls["CreateDBCluster"] != 1 || f.rds.Calls["CreateDBInstance"] != 2 {
		t.Errorf("re-run created resources: %v", f.rds.Calls)
	}
	if first.Endpoint != second.Endpoint {
		t.Errorf("endpoint changed: %s -> %s", first.Endpoint, second.Endpoint)
	}
}

func TestEnsure_CredentialNotIssued(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	f.spec.Credential = domain.CredentialRef{Name: "missing"}

	_, err := f.provider.Ensure(context.Background(), f.spec)
	if !errors.Is(err, domain.ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
	if f.rds.Calls["CreateDBCluster"] != 0 {
		t.Error("cluster created without a credential")
	}
}

func TestEnsure_ProviderFailureNamesResource(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	f.rds.Errors["CreateDBInstance"] = mocks.APIError("InsufficientDBInstanceCapacity", "no capacity")

	_, err := f.provider.Ensure(context.Background(), f.spec)
	var resErr *domain.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if resErr.Resource != "db-instance/teststack-cluster-instance-1" {
		t.Errorf("Resource = %s", resErr.Resource)
	}
}

// =============================================================================
// Destroy Tests
// =============================================================================

func TestDestroy_RemovalPolicy(t *testing.T) {
	tests := []struct {
		name        string
		removal     domain.RemovalPolicy
		wantCluster bool
	}{
		{"destroy deletes everything", domain.RemovalDestroy, false},
		{"retain keeps everything", domain.RemovalRetain, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.removal, 2)
			ctx := context.Background()
			if _, err := f.provider.Ensure(ctx, f.spec); err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}

			if err := f.provider.Destroy(ctx, f.spec.Identifier, tt.removal); err != nil {
				t.Fatalf("Destroy() error = %v", err)
			}

			_, exists := f.rds.Clusters[f.spec.Identifier]
			if exists != tt.wantCluster {
				t.Errorf("cluster exists = %v, want %v", exists, tt.wantCluster)
			}
			if tt.wantCluster && len(f.rds.Instances) != 2 {
				t.Errorf("retain removed instances")
			}
			if !tt.wantCluster && (len(f.rds.Instances) != 0 || len(f.rds.SubnetGroups) != 0) {
				t.Errorf("destroy left instances or subnet groups behind")
			}
		})
	}
}

func TestDestroy_MissingClusterIsNoop(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	if err := f.provider.Destroy(context.Background(), "never-created", domain.RemovalDestroy); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
}

func TestSubnetIDs_ReadsBackSubnetGroup(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	ctx := context.Background()
	if _, err := f.provider.SubnetIDs(ctx, f.spec.Identifier); !errors.Is(err, domain.ErrOrdering) {
		t.Errorf("SubnetIDs() before create = %v, want ErrOrdering", err)
	}

	if _, err := f.provider.Ensure(ctx, f.spec); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	ids, err := f.provider.SubnetIDs(ctx, f.spec.Identifier)
	if err != nil {
		t.Fatalf("SubnetIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "subnet-iso-a" || ids[1] != "subnet-iso-b" {
		t.Errorf("SubnetIDs() = %v", ids)
	}
}

func TestDescribe_Ordering(t *testing.T) {
	f := newFixture(t, domain.RemovalDestroy, 2)
	if _, err := f.provider.Describe(context.Background(), "nope"); !errors.Is(err, domain.ErrOrdering) {
		t.Errorf("expected ErrOrdering, got %v", err)
	}
}
