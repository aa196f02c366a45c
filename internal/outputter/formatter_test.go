package outputter

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
	"dbstack/internal/network"
	"dbstack/internal/stack"
)

func sampleReport() *stack.Report {
	return &stack.Report{
		Operation: "deploy",
		Steps: []stack.StepResult{
			{Name: "network", Status: stack.StatusApplied, Duration: 1500 * time.Millisecond},
			{Name: "cluster", DependsOn: []string{"network"}, Status: stack.StatusFailed, Error: "access denied"},
			{Name: "init-task", DependsOn: []string{"cluster"}, Status: stack.StatusSkipped},
		},
	}
}

// =============================================================================
// Format Parsing Tests
// =============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{" yaml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Report Tests
// =============================================================================

func TestFormatReport_Failure(t *testing.T) {
	out := FormatReport(sampleReport())

	for _, want := range []string{
		"DEPLOY",
		"STEP  1: network",
		"1.5s",
		"after: network",
		"└─ access denied",
		"deploy failed at step cluster",
		"1 applied | 0 destroyed | 1 skipped | 1 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestFormatReport_Plan(t *testing.T) {
	r := &stack.Report{Operation: "plan", Steps: []stack.StepResult{
		{Name: "a", Status: stack.StatusPlanned},
		{Name: "b", Status: stack.StatusPlanned},
	}}
	out := FormatReport(r)
	if !strings.Contains(out, "2 step(s) planned") {
		t.Errorf("plan summary missing:\n%s", out)
	}
	if strings.Contains(out, "failed") {
		t.Errorf("plan should not mention failures:\n%s", out)
	}
}

func TestWriteResult_Encodings(t *testing.T) {
	res := Result{Report: sampleReport(), Outputs: &stack.Outputs{StackName: "S"}}

	var buf bytes.Buffer
	if err := WriteResult(&buf, FormatJSON, res); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded struct {
		Report struct {
			Steps []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"steps"`
		} `json:"report"`
		Outputs struct {
			StackName string `json:"stack_name"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(decoded.Report.Steps) != 3 || decoded.Report.Steps[1].Status != "failed" {
		t.Errorf("unexpected steps: %+v", decoded.Report.Steps)
	}
	if decoded.Outputs.StackName != "S" {
		t.Errorf("stack name = %q", decoded.Outputs.StackName)
	}

	buf.Reset()
	if err := WriteResult(&buf, FormatYAML, res); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var y map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &y); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if _, ok := y["report"]; !ok {
		t.Errorf("yaml missing report: %s", buf.String())
	}
}

// =============================================================================
// Outputs Tests
// =============================================================================

func TestFormatOutputs_NeverShowsMaterial(t *testing.T) {
	o := &stack.Outputs{
		StackName:  "DatabaseStack",
		VpcID:      "vpc-1",
		Network:    &domain.NetworkSpace{CIDR: "10.0.0.0/16", Subnets: []domain.Subnet{{Kind: domain.SubnetIsolated, AZ: "us-east-1a", CIDR: "10.0.0.32/28", ID: "subnet-1"}}},
		Credential: domain.CredentialRef{Name: "mydb-secret", ARN: "arn:aws:secretsmanager:us-east-1:1:secret:mydb-secret"},
		SecurityGroups: map[string]string{
			domain.ComponentCluster: "sg-2",
			domain.ComponentBastion: "sg-1",
		},
		Cluster: &domain.Cluster{Identifier: "databasestack-cluster", Endpoint: "db.example", Port: 3306, InstanceIDs: []string{"i1", "i2"}},
		Bastion: &domain.BastionHost{InstanceID: "i-1", PublicIP: "203.0.113.5", KeyPairName: "bastion-key"},
		Placement: &network.PlacementResult{
			Summary:    "1 of 2 checks failed",
			Violations: []network.InvariantID{network.InvClusterIsolated},
			Checks: []network.PlacementCheck{
				{InvariantID: network.InvIsolatedNoInternet, Subject: "subnet-1", Passed: true},
				{InvariantID: network.InvClusterIsolated, Subject: "subnet-9", Detail: "not isolated"},
			},
		},
	}
	out := FormatOutputs(o)

	for _, want := range []string{"vpc-1", "db.example:3306", "203.0.113.5", "arn:aws:secretsmanager", "[NP-005] subnet-9: not isolated"} {
		if !strings.Contains(out, want) {
			t.Errorf("outputs missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "bastion") > strings.Index(out, "cluster   ") {
		t.Errorf("security groups should be listed by component name:\n%s", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{2500 * time.Millisecond, "2.5s"},
		{125 * time.Second, "2m5s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatMetrics_ListsFailingCalls(t *testing.T) {
	m := &logging.Metrics{
		TotalAPICalls: 5,
		TotalSuccess:  3,
		TotalFailures: 2,
		APICalls: map[string]logging.APICallMetrics{
			"rds:CreateDBCluster": {Count: 2, Success: 0, Failures: 2},
			"ec2:CreateVpc":       {Count: 3, Success: 3},
		},
	}
	out := FormatMetrics(m)
	if !strings.Contains(out, "5 (3 ok, 2 failed)") {
		t.Errorf("missing totals:\n%s", out)
	}
	if !strings.Contains(out, "rds:CreateDBCluster: 2/2 failed") {
		t.Errorf("missing failing call:\n%s", out)
	}
	if strings.Contains(out, "ec2:CreateVpc") {
		t.Errorf("healthy calls should not be listed:\n%s", out)
	}
}
