package initializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/jmoiron/sqlx"

	"dbstack/internal/domain"
	"dbstack/internal/iam"
	"dbstack/internal/mocks"
	"dbstack/internal/secrets"
)

const testFunction = "TestStack-init-db"

type sqlxConn struct{ db *sqlx.DB }

func (c sqlxConn) DB(context.Context) (*sqlx.DB, error) { return c.db, nil }

// runTask is a fake Lambda handler running the real entry point on db.
func runTask(db *sqlx.DB, table string) func(context.Context, []byte) ([]byte, error) {
	handler := Handler(sqlxConn{db}, table)
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		rows, err := handler(ctx, payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rows)
	}
}

type invokerHarness struct {
	lambda  *mocks.FakeLambda
	iam     *mocks.FakeIAM
	roles   *iam.Roles
	ledger  *MemoryLedger
	invoker *Invoker
	spec    TaskSpec
	hook    Hook
}

func newInvokerHarness(t *testing.T) *invokerHarness {
	t.Helper()
	ctx := context.Background()

	codeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(codeDir, "bootstrap"), []byte("\x7fELF fake"), 0o755); err != nil {
		t.Fatal(err)
	}

	backend := secrets.NewMemoryBackend()
	fakeIAM := mocks.NewFakeIAM()
	roles := iam.NewRoles(fakeIAM, "TestStack")
	binding := secrets.NewBinding(backend, roles)
	ref, err := binding.EnsureCredential(ctx, secrets.CredentialRequest{
		Name: "db-secret", Username: "myadmin", DBName: "mydb", Port: 3306,
	})
	if err != nil {
		t.Fatalf("EnsureCredential() error = %v", err)
	}

	fakeLambda := mocks.NewFakeLambda()
	ledger := NewMemoryLedger()
	invoker := NewInvoker(fakeLambda, roles, binding, ledger, "TestStack")
	invoker.RoleRetryBase = time.Millisecond

	return &invokerHarness{
		lambda:  fakeLambda,
		iam:     fakeIAM,
		roles:   roles,
		ledger:  ledger,
		invoker: invoker,
		hook:    Hook{Name: "init-db", Token: "init-db-custom-resource", DependsOn: []string{"cluster", "init-task"}},
		spec: TaskSpec{
			FunctionName:    testFunction,
			CodeDir:         codeDir,
			Handler:         "bootstrap",
			Runtime:         "provided.al2023",
			SubnetIDs:       []string{"subnet-egr-a", "subnet-egr-b"},
			SecurityGroupID: "sg-init",
			Credential:      ref,
			TableName:       "mytable",
		},
	}
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_CreatesFunction(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()

	dep, err := h.invoker.Deploy(ctx, h.hook, h.spec)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !dep.Updated || dep.FunctionARN == "" {
		t.Errorf("unexpected deployment %+v", dep)
	}

	fn := h.lambda.Functions[testFunction]
	if fn == nil {
		t.Fatal("function not created")
	}
	env := fn.Config.Environment.Variables
	if env[EnvSecretName] != "db-secret" || env[EnvTableName] != "mytable" {
		t.Errorf("unexpected environment %v", env)
	}
	if aws.ToInt32(fn.Config.Timeout) != 30 {
		t.Errorf("Timeout = %d, want 30", aws.ToInt32(fn.Config.Timeout))
	}
	if got := fn.Config.VpcConfig.SecurityGroupIds; len(got) != 1 || got[0] != "sg-init" {
		t.Errorf("security groups = %v", got)
	}
	if len(fn.Config.VpcConfig.SubnetIds) != 2 {
		t.Errorf("subnets = %v", fn.Config.VpcConfig.SubnetIds)
	}

	canRead, err := h.roles.CanRead(ctx, h.spec.RoleName(), h.spec.Credential.ARN)
	if err != nil || !canRead {
		t.Errorf("task role cannot read the credential: %v, %v", canRead, err)
	}

	state, _ := NewMachine(h.ledger, h.hook).State(ctx)
	if state != domain.HookTaskDeployed {
		t.Errorf("hook state = %s, want %s", state, domain.HookTaskDeployed)
	}
}

func TestDeploy_UnchangedCodeIsNotReuploaded(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
			t.Fatalf("Deploy() #%d error = %v", i+1, err)
		}
	}

	if h.lambda.Calls["CreateFunction"] != 1 {
		t.Errorf("CreateFunction called %d times", h.lambda.Calls["CreateFunction"])
	}
	if h.lambda.Calls["UpdateFunctionCode"] != 0 {
		t.Errorf("identical bundle re-uploaded %d times", h.lambda.Calls["UpdateFunctionCode"])
	}
	if h.lambda.Calls["UpdateFunctionConfiguration"] != 1 {
		t.Errorf("configuration not refreshed on redeploy")
	}

	if err := os.WriteFile(filepath.Join(h.spec.CodeDir, "bootstrap"), []byte("\x7fELF v2"), 0o755); err != nil {
		t.Fatal(err)
	}
	dep, err := h.invoker.Deploy(ctx, h.hook, h.spec)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if !dep.Updated || h.lambda.Calls["UpdateFunctionCode"] != 1 {
		t.Error("changed bundle was not deployed")
	}
}

func TestDeploy_UploadsToAssetBucket(t *testing.T) {
	h := newInvokerHarness(t)
	s3Client := mocks.NewMockS3Client()
	h.invoker.WithAssets(s3Client, "assets")

	if _, err := h.invoker.Deploy(context.Background(), h.hook, h.spec); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	key := "assets/" + h.invoker.AssetKey(testFunction)
	if len(s3Client.Objects[key]) == 0 {
		t.Fatalf("bundle not uploaded to %s", key)
	}
	code := h.lambda.Functions[testFunction].Code
	if aws.ToString(code.S3Bucket) != "assets" || len(code.ZipFile) != 0 {
		t.Errorf("function not deployed from the bucket: %+v", code)
	}

	if err := h.invoker.Destroy(context.Background(), testFunction); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(s3Client.Objects) != 0 {
		t.Error("bundle not removed")
	}
}

func TestDeploy_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TaskSpec, *Hook)
		wantErr error
	}{
		{"no credential", func(s *TaskSpec, _ *Hook) { s.Credential = domain.CredentialRef{} }, domain.ErrOrdering},
		{"no subnets", func(s *TaskSpec, _ *Hook) { s.SubnetIDs = nil }, domain.ErrOrdering},
		{"no security group", func(s *TaskSpec, _ *Hook) { s.SecurityGroupID = "" }, domain.ErrOrdering},
		{"no handler", func(s *TaskSpec, _ *Hook) { s.Handler = "" }, domain.ErrConfiguration},
		{"no token", func(_ *TaskSpec, h *Hook) { h.Token = "" }, domain.ErrConfiguration},
		{"missing code dir", func(s *TaskSpec, _ *Hook) { s.CodeDir = "/nonexistent" }, domain.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newInvokerHarness(t)
			tt.mutate(&h.spec, &h.hook)
			if _, err := h.invoker.Deploy(context.Background(), h.hook, h.spec); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if h.lambda.Calls["CreateFunction"] != 0 {
				t.Error("function created despite invalid input")
			}
		})
	}
}

type propagatingLambda struct {
	*mocks.FakeLambda
	failures int
}

func (p *propagatingLambda) CreateFunction(ctx context.Context, params *lambda.CreateFunctionInput, optFns ...func(*lambda.Options)) (*lambda.CreateFunctionOutput, error) {
	if p.failures > 0 {
		p.failures--
		return nil, mocks.APIError("InvalidParameterValueException", "The role defined for the function cannot be assumed by Lambda.")
	}
	return p.FakeLambda.CreateFunction(ctx, params, optFns...)
}

func TestDeploy_RetriesWhileRolePropagates(t *testing.T) {
	h := newInvokerHarness(t)
	slow := &propagatingLambda{FakeLambda: h.lambda, failures: 2}
	h.invoker.lambda = slow

	if _, err := h.invoker.Deploy(context.Background(), h.hook, h.spec); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if _, ok := h.lambda.Functions[testFunction]; !ok {
		t.Error("function not created after the role became assumable")
	}
}

// =============================================================================
// Trigger Tests
// =============================================================================

func TestTrigger_OncePerToken(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()
	db := openSQLite(t)
	task, _ := NewTask(db, "mytable")
	h.lambda.Handler = runTask(db, "mytable")

	run := func() *Result {
		t.Helper()
		if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
			t.Fatalf("Deploy() error = %v", err)
		}
		res, err := h.invoker.Trigger(ctx, h.hook, testFunction)
		if err != nil {
			t.Fatalf("Trigger() error = %v", err)
		}
		return res
	}

	first := run()
	if first.Skipped || first.State != domain.HookComplete {
		t.Fatalf("first run = %+v", first)
	}
	var rows []domain.Record
	if err := json.Unmarshal(first.Payload, &rows); err != nil || len(rows) != DefaultSeedRows {
		t.Fatalf("first run returned %d rows, %v", len(rows), err)
	}

	second := run()
	if !second.Skipped {
		t.Error("same token ran twice")
	}
	count, _ := task.Rows(ctx)
	if len(count) != DefaultSeedRows {
		t.Errorf("rows after redeploy = %d, want %d", len(count), DefaultSeedRows)
	}

	h.hook.Token = "force-rerun-1"
	third := run()
	if third.Skipped {
		t.Error("a new token must run")
	}
	count, _ = task.Rows(ctx)
	if len(count) != 2*DefaultSeedRows {
		t.Errorf("rows after forced rerun = %d, want %d", len(count), 2*DefaultSeedRows)
	}
	if h.lambda.Calls["Invoke"] != 2 {
		t.Errorf("Invoke called %d times, want 2", h.lambda.Calls["Invoke"])
	}
	ev, err := ParseEvent(h.lambda.Payloads[0])
	if err != nil || ev.Token != "init-db-custom-resource" || ev.Hook != "init-db" {
		t.Errorf("payload = %s (%v), want the hook and its token", h.lambda.Payloads[0], err)
	}
}

// completionFailingLedger loses the first write of a Complete record, the way
// a throttled ledger write after a successful invocation does.
type completionFailingLedger struct {
	*MemoryLedger
	failed bool
}

func (l *completionFailingLedger) Put(ctx context.Context, rec domain.HookRecord, from domain.HookState) error {
	if rec.State == domain.HookComplete && !l.failed {
		l.failed = true
		return fmt.Errorf("%w: ThrottlingException", domain.ErrTransient)
	}
	return l.MemoryLedger.Put(ctx, rec, from)
}

func TestTrigger_SameTokenRetryAfterLostCompletion(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()
	ledger := &completionFailingLedger{MemoryLedger: h.ledger}
	h.invoker.ledger = ledger
	db := openSQLite(t)
	h.lambda.Handler = runTask(db, "mytable")

	if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if _, err := h.invoker.Trigger(ctx, h.hook, testFunction); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected the lost completion to surface, got %v", err)
	}
	if state, _ := NewMachine(ledger, h.hook).State(ctx); state != domain.HookInvoked {
		t.Fatalf("state = %s, want %s", state, domain.HookInvoked)
	}

	if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
		t.Fatalf("redeploy error = %v", err)
	}
	res, err := h.invoker.Trigger(ctx, h.hook, testFunction)
	if err != nil || res.State != domain.HookComplete {
		t.Fatalf("retry = %+v, %v", res, err)
	}

	if h.lambda.Calls["Invoke"] != 2 {
		t.Errorf("Invoke called %d times, want 2", h.lambda.Calls["Invoke"])
	}
	task, _ := NewTask(db, "mytable")
	rows, _ := task.Rows(ctx)
	if len(rows) != DefaultSeedRows {
		t.Errorf("same-token retry left %d rows, want %d", len(rows), DefaultSeedRows)
	}
}

func TestTrigger_FunctionErrorMarksFailed(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()
	h.lambda.Handler = func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}

	if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	_, err := h.invoker.Trigger(ctx, h.hook, testFunction)
	var resErr *domain.ResourceError
	if !errors.As(err, &resErr) || resErr.Resource != "function/"+testFunction {
		t.Fatalf("expected failure naming the function, got %v", err)
	}

	rec, _ := NewMachine(h.ledger, h.hook).Record(ctx)
	if rec.State != domain.HookFailed || rec.Error == "" {
		t.Errorf("record = %+v", rec)
	}

	h.lambda.Handler = nil
	if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
		t.Fatalf("redeploy error = %v", err)
	}
	res, err := h.invoker.Trigger(ctx, h.hook, testFunction)
	if err != nil || res.State != domain.HookComplete {
		t.Errorf("re-run after failure = %+v, %v", res, err)
	}
}

func TestTrigger_BeforeDeploy(t *testing.T) {
	h := newInvokerHarness(t)
	if _, err := h.invoker.Trigger(context.Background(), h.hook, testFunction); !errors.Is(err, domain.ErrOrdering) {
		t.Errorf("expected ErrOrdering, got %v", err)
	}
}

func TestDestroy_RemovesFunctionAndRole(t *testing.T) {
	h := newInvokerHarness(t)
	ctx := context.Background()
	if _, err := h.invoker.Deploy(ctx, h.hook, h.spec); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	if err := h.invoker.Destroy(ctx, testFunction); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(h.lambda.Functions) != 0 || len(h.iam.Roles) != 0 {
		t.Error("function or role left behind")
	}
	if err := h.invoker.Destroy(ctx, testFunction); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
}

func TestPackage_Deterministic(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "bootstrap"), []byte("bin"), 0o755)
	_ = os.MkdirAll(filepath.Join(dir, "sql"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, "sql", "seed.sql"), []byte("--"), 0o644)

	a, err := Package(dir)
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}
	b, _ := Package(dir)
	if a.Sha256 != b.Sha256 || a.Files != 2 {
		t.Errorf("bundles differ or miss files: %s/%s, %d files", a.Sha256, b.Sha256, a.Files)
	}
	if a.Sha256 != mocks.CodeSha256(a.Zip) {
		t.Error("bundle hash is not in Lambda's form")
	}

	if _, err := Package(t.TempDir()); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("empty dir: expected ErrConfiguration, got %v", err)
	}
}
