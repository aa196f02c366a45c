package stack

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbstack/internal/bastion"
	"dbstack/internal/config"
	"dbstack/internal/connectivity"
	"dbstack/internal/database"
	"dbstack/internal/domain"
	"dbstack/internal/iam"
	"dbstack/internal/initializer"
	"dbstack/internal/mocks"
	"dbstack/internal/network"
	"dbstack/internal/secrets"
	"dbstack/internal/sqlconn"
)

const scenarioAMIParameter = "/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64"

type scenario struct {
	cfg     *config.StackConfig
	ec2     *mocks.FakeEC2
	rds     *mocks.FakeRDS
	iam     *mocks.FakeIAM
	lambda  *mocks.FakeLambda
	dynamo  *mocks.FakeDynamoDB
	backend *secrets.MemoryBackend
	stack   *DatabaseStack

	// wrapCluster, when set, decorates the cluster provisioner.
	wrapCluster func(ClusterProvisioner) ClusterProvisioner
}

func writeScenarioConfig(t *testing.T, removal string) *config.StackConfig {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "init.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\nyum install -y mariadb105\n"), 0o644))
	codeDir := filepath.Join(dir, "dist", InitCodeSubdir)
	require.NoError(t, os.MkdirAll(codeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(codeDir, "bootstrap"), []byte("\x7fELF"), 0o755))

	path := filepath.Join(dir, "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stackName: DatabaseStack
dbAdminUser: myadmin
defaultDbName: mydb
dbSecretName: mydb-secret
dbTableName: mytable
dbPort: 3306
bastionHostInitScriptPath: `+script+`
bastionhostKeyPairName: bastion-key
lambdaApisDirectory: `+filepath.Join(dir, "dist")+`
defaultHandler: bootstrap
removalPolicy: `+removal+`
dbClients:
  - 10.20.0.0/16
`), 0o600))

	cfg, err := config.LoadWithEnv(path, map[string]string{})
	require.NoError(t, err)
	return cfg
}

func newScenario(t *testing.T, removal string) *scenario {
	t.Helper()
	cfg := writeScenarioConfig(t, removal)
	s := &scenario{
		cfg:     cfg,
		ec2:     mocks.NewFakeEC2(),
		rds:     mocks.NewFakeRDS(),
		iam:     mocks.NewFakeIAM(),
		lambda:  mocks.NewFakeLambda(),
		dynamo:  mocks.NewFakeDynamoDB(),
		backend: secrets.NewMemoryBackend(),
	}
	s.rebuild(t)
	return s
}

// rebuild wires fresh provisioners over the same fakes, the way a new process
// would see the account.
func (s *scenario) rebuild(t *testing.T) {
	t.Helper()
	roles := iam.NewRoles(s.iam, s.cfg.StackName)
	binding := secrets.NewBinding(s.backend, roles)

	cluster := database.NewProvisioner(s.rds, secrets.NewResolver(s.backend), s.cfg.StackName)
	cluster.WaitTimeout = time.Minute
	cluster.PollInterval = time.Millisecond

	ledger := initializer.NewDynamoLedger(s.dynamo, s.cfg.HookLedgerTable, s.cfg.StackName)
	invoker := initializer.NewInvoker(s.lambda, roles, binding, ledger, s.cfg.StackName)
	invoker.RoleRetryBase = time.Millisecond

	var clusters ClusterProvisioner = cluster
	if s.wrapCluster != nil {
		clusters = s.wrapCluster(cluster)
	}

	st, err := NewDatabaseStack(s.cfg, Components{
		Network:      network.NewProvisioner(s.ec2, s.cfg.StackName),
		Credentials:  binding,
		Connectivity: connectivity.NewRealiser(s.ec2, s.cfg.StackName, "us-east-1"),
		Cluster:      clusters,
		Bastion:      bastion.NewHost(s.ec2, mocks.NewMockSSMClientWithParameter(scenarioAMIParameter, "ami-0abc123"), binding, s.cfg.StackName),
		Hooks:        ledger,
		Invoker:      invoker,
	})
	require.NoError(t, err)
	s.stack = st
}

// runInitTask makes the fake function run the real init entry point against
// a sqlite database and returns that database.
func (s *scenario) runInitTask(t *testing.T) *sqlx.DB {
	t.Helper()
	handle := sqlconn.New("sqlite3", sqlconn.StaticSource(filepath.Join(t.TempDir(), "cluster.db")))
	t.Cleanup(func() { handle.Close() })
	handler := initializer.Handler(handle, s.cfg.DBTableName)
	s.lambda.Handler = func(ctx context.Context, payload []byte) ([]byte, error) {
		rows, err := handler(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	}
	db, err := handle.DB(context.Background())
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, db *sqlx.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, "SELECT COUNT(*) FROM "+table))
	return n
}

// =============================================================================
// Plan Tests
// =============================================================================

func TestDatabaseStack_PlanOrder(t *testing.T) {
	s := newScenario(t, "destroy")

	report, err := s.stack.Plan()
	require.NoError(t, err)

	var order []string
	position := map[string]int{}
	for i, step := range report.Steps {
		order = append(order, step.Name)
		position[step.Name] = i
		assert.NotEmpty(t, step.Description, step.Name)
	}
	assert.Equal(t, []string{
		"bastion-key", "credential", "hook-ledger", "network", "security-groups",
		"bastion", "cluster", "secret-attachment", "init-task", "init-invoke",
	}, order)

	for _, step := range report.Steps {
		for _, dep := range step.DependsOn {
			assert.Less(t, position[dep], position[step.Name], "%s must follow %s", step.Name, dep)
		}
		if step.Name == "init-invoke" {
			assert.Equal(t, s.stack.Hook().DependsOn, step.DependsOn)
		}
	}
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDatabaseStack_Deploy(t *testing.T) {
	s := newScenario(t, "destroy")
	ctx := context.Background()

	report, err := s.stack.Deploy(ctx)
	require.NoError(t, err)
	require.Nil(t, report.Failed())
	for _, step := range report.Steps {
		assert.Equal(t, StatusApplied, step.Status, step.Name)
	}

	out := s.stack.Outputs()
	require.NotNil(t, out.Network)
	require.NotNil(t, out.Cluster)
	require.NotNil(t, out.Bastion)
	assert.True(t, out.Placement.OK())

	// The cluster lives only in isolated subnets and is not public.
	dbCluster := s.rds.Clusters[s.stack.ClusterIdentifier()]
	require.NotNil(t, dbCluster)
	isolated := out.Network.SubnetIDs(domain.SubnetIsolated)
	group := s.rds.SubnetGroups[database.SubnetGroupName(s.stack.ClusterIdentifier())]
	require.NotNil(t, group)
	var grouped []string
	for _, sn := range group.Subnets {
		grouped = append(grouped, aws.ToString(sn.SubnetIdentifier))
	}
	assert.ElementsMatch(t, isolated, grouped)
	assert.Len(t, out.Cluster.InstanceIDs, domain.MinClusterInstances)

	// The credential resolves to the cluster endpoint.
	material, err := secrets.NewResolver(s.backend).Resolve(ctx, out.Credential)
	require.NoError(t, err)
	assert.Equal(t, out.Cluster.Endpoint, material.Host)
	assert.Equal(t, 3306, material.Port)
	assert.Equal(t, "myadmin", material.Username)
	assert.Equal(t, "mydb", material.DBName)

	// The bastion is reachable and in a public subnet.
	assert.NotEmpty(t, out.Bastion.PublicIP)
	assert.Contains(t, out.Network.SubnetIDs(domain.SubnetPublic), out.Bastion.SubnetID)

	// The task runs in egress subnets with the init-task group and the
	// configured environment.
	fn := s.lambda.Functions[s.stack.InitFunctionName()]
	require.NotNil(t, fn)
	assert.ElementsMatch(t, out.Network.SubnetIDs(domain.SubnetPrivateEgress), fn.Config.VpcConfig.SubnetIds)
	assert.Equal(t, []string{out.SecurityGroups[domain.ComponentInitTask]}, fn.Config.VpcConfig.SecurityGroupIds)
	assert.Equal(t, "mydb-secret", fn.Config.Environment.Variables[initializer.EnvSecretName])
	assert.Equal(t, "mytable", fn.Config.Environment.Variables[initializer.EnvTableName])

	require.NotNil(t, out.InitHook)
	assert.Equal(t, domain.HookComplete, out.InitHook.State)
	assert.False(t, out.InitHook.Skipped)
	assert.Equal(t, 1, s.lambda.Calls["Invoke"])

	// Outputs carry references, never material.
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), material.Password)
}

func TestDatabaseStack_DeploySeedsOnce(t *testing.T) {
	s := newScenario(t, "destroy")
	db := s.runInitTask(t)
	ctx := context.Background()

	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)
	out := s.stack.Outputs()

	assert.Len(t, out.Cluster.InstanceIDs, 2)
	assert.Equal(t, []string{
		bastion.PrivateKeySecret("bastion-key"),
		bastion.PublicKeySecret("bastion-key"),
		"mydb-secret",
	}, s.backend.Names(), "exactly one database credential")
	assert.Equal(t, 1, s.lambda.Calls["Invoke"])
	assert.Equal(t, initializer.DefaultSeedRows, countRows(t, db, "mytable"))

	var ddl string
	require.NoError(t, db.Get(&ddl, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", "mytable"))
	assert.Contains(t, ddl, "PRIMARY KEY")

	s.rebuild(t)
	_, err = s.stack.Deploy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.lambda.Calls["Invoke"])
	assert.Equal(t, initializer.DefaultSeedRows, countRows(t, db, "mytable"))
}

func TestDatabaseStack_SameTokenRetryDoesNotReseed(t *testing.T) {
	s := newScenario(t, "destroy")
	db := s.runInitTask(t)
	ctx := context.Background()

	// The task commits its rows but the completion write is throttled.
	seed := s.lambda.Handler
	s.lambda.Handler = func(ctx context.Context, payload []byte) ([]byte, error) {
		out, err := seed(ctx, payload)
		s.dynamo.Errors["PutItem"] = mocks.APIError("ThrottlingException", "Rate exceeded")
		return out, err
	}

	_, err := s.stack.Deploy(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, initializer.DefaultSeedRows, countRows(t, db, "mytable"))

	delete(s.dynamo.Errors, "PutItem")
	s.lambda.Handler = seed
	s.rebuild(t)
	_, err = s.stack.Deploy(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.HookComplete, s.stack.Outputs().InitHook.State)
	assert.Equal(t, 2, s.lambda.Calls["Invoke"])
	assert.Equal(t, initializer.DefaultSeedRows, countRows(t, db, "mytable"))
}

func TestDatabaseStack_RedeployIsIdempotent(t *testing.T) {
	s := newScenario(t, "destroy")
	ctx := context.Background()

	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)
	first := s.stack.Outputs()

	s.rebuild(t)
	_, err = s.stack.Deploy(ctx)
	require.NoError(t, err)
	second := s.stack.Outputs()

	assert.Equal(t, first.VpcID, second.VpcID)
	assert.Equal(t, first.Cluster.Endpoint, second.Cluster.Endpoint)
	assert.Equal(t, first.Bastion.InstanceID, second.Bastion.InstanceID)
	assert.Equal(t, first.SecurityGroups, second.SecurityGroups)
	assert.Equal(t, 1, s.rds.Calls["CreateDBCluster"])
	assert.Equal(t, 1, s.ec2.Calls["CreateVpc"])
	assert.Equal(t, 1, s.ec2.Calls["RunInstances"])
	assert.Equal(t, 1, s.lambda.Calls["CreateFunction"])

	assert.True(t, second.InitHook.Skipped, "same token must not run twice")
	assert.Equal(t, 1, s.lambda.Calls["Invoke"])
}

func TestDatabaseStack_NewTokenReruns(t *testing.T) {
	s := newScenario(t, "destroy")
	ctx := context.Background()

	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)

	s.cfg.InitToken = "reseed-2"
	s.rebuild(t)
	_, err = s.stack.Deploy(ctx)
	require.NoError(t, err)

	assert.False(t, s.stack.Outputs().InitHook.Skipped)
	assert.Equal(t, 2, s.lambda.Calls["Invoke"])
}

func TestDatabaseStack_RemovedClientIsRevoked(t *testing.T) {
	s := newScenario(t, "destroy")
	ctx := context.Background()

	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)

	s.cfg.DBClients = nil
	s.rebuild(t)
	_, err = s.stack.Deploy(ctx)
	require.NoError(t, err)

	observed, _, err := connectivity.NewRealiser(s.ec2, s.cfg.StackName, "us-east-1").Observed(ctx)
	require.NoError(t, err)
	for _, rule := range observed.Edges() {
		assert.NotEqual(t, "10.20.0.0/16", rule.From.CIDR, rule.String())
	}
}

// misplacedCluster reports the cluster in whatever subnets placed returns.
type misplacedCluster struct {
	ClusterProvisioner
	placed func() []string
}

func (m misplacedCluster) SubnetIDs(context.Context, string) ([]string, error) {
	return m.placed(), nil
}

func TestDatabaseStack_ClusterOutsideIsolatedSubnetsFails(t *testing.T) {
	s := newScenario(t, "destroy")
	s.wrapCluster = func(inner ClusterProvisioner) ClusterProvisioner {
		return misplacedCluster{ClusterProvisioner: inner, placed: func() []string {
			return s.stack.Outputs().Network.SubnetIDs(domain.SubnetPublic)
		}}
	}
	s.rebuild(t)

	report, err := s.stack.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, "cluster", failed.Name)
	assert.False(t, s.stack.Outputs().Placement.OK())
	assert.Contains(t, s.stack.Outputs().Placement.Violations, network.InvClusterIsolated)
	assert.Zero(t, s.lambda.Calls["Invoke"])
}

func TestDatabaseStack_FailureStopsDownstream(t *testing.T) {
	s := newScenario(t, "destroy")
	s.rds.Errors["CreateDBCluster"] = mocks.APIError("AccessDeniedException", "not authorized to perform rds:CreateDBCluster")

	report, err := s.stack.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, "cluster", failed.Name)
	for _, step := range report.Steps {
		switch step.Name {
		case "secret-attachment", "init-task", "init-invoke":
			assert.Equal(t, StatusSkipped, step.Status, step.Name)
		}
	}
	assert.Zero(t, s.lambda.Calls["Invoke"])

	// Fixing the cause and re-running completes the stack.
	delete(s.rds.Errors, "CreateDBCluster")
	s.rebuild(t)
	_, err = s.stack.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HookComplete, s.stack.Outputs().InitHook.State)
}

func TestDatabaseStack_InitFailureIsRecorded(t *testing.T) {
	s := newScenario(t, "destroy")
	s.lambda.Handler = func(context.Context, []byte) ([]byte, error) {
		return nil, assert.AnError
	}

	_, err := s.stack.Deploy(context.Background())
	require.Error(t, err)

	ledger := initializer.NewDynamoLedger(s.dynamo, s.cfg.HookLedgerTable, s.cfg.StackName)
	rec, err := ledger.Get(context.Background(), InitHookName, s.cfg.InitToken)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.HookFailed, rec.State)

	s.lambda.Handler = nil
	s.rebuild(t)
	_, err = s.stack.Deploy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.lambda.Calls["Invoke"])
}

// =============================================================================
// Destroy Tests
// =============================================================================

func TestDatabaseStack_Destroy(t *testing.T) {
	s := newScenario(t, "destroy")
	ctx := context.Background()
	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)

	s.rebuild(t)
	_, err = s.stack.Destroy(ctx)
	require.NoError(t, err)

	assert.Empty(t, s.ec2.Vpcs)
	assert.Empty(t, s.ec2.SecurityGroups)
	assert.Empty(t, s.ec2.KeyPairs)
	assert.Empty(t, s.rds.Clusters)
	assert.Empty(t, s.lambda.Functions)
	assert.Empty(t, s.iam.Roles)
	assert.Empty(t, s.dynamo.Tables)
	_, err = s.backend.Describe(ctx, "mydb-secret")
	assert.ErrorIs(t, err, domain.ErrSecretNotFound)

	_, err = s.stack.Destroy(ctx)
	assert.NoError(t, err, "destroying twice must be a no-op")
}

func TestDatabaseStack_RetainKeepsClusterAndCredential(t *testing.T) {
	s := newScenario(t, "retain")
	ctx := context.Background()
	_, err := s.stack.Deploy(ctx)
	require.NoError(t, err)

	_, err = s.stack.Destroy(ctx)
	require.NoError(t, err)

	assert.Contains(t, s.rds.Clusters, s.stack.ClusterIdentifier())
	_, err = s.backend.Describe(ctx, "mydb-secret")
	assert.NoError(t, err)
	assert.Empty(t, s.ec2.Vpcs)
}

func TestNewDatabaseStack_RequiresComponents(t *testing.T) {
	cfg := writeScenarioConfig(t, "destroy")
	_, err := NewDatabaseStack(cfg, Components{})
	require.ErrorIs(t, err, domain.ErrConfiguration)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Fields, 7)
}
