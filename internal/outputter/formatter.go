package outputter

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"dbstack/internal/logging"
	"dbstack/internal/network"
	"dbstack/internal/stack"
)

// Format selects how results are written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json or yaml. An empty string means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

// Encode writes v as JSON or YAML. Text has no generic encoding; callers use
// the Format* helpers for it.
func Encode(w io.Writer, format Format, v interface{}) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %q cannot encode values", format)
	}
}

// Result is what a deploy or destroy prints: the report, the outputs and the
// API call metrics of the run.
type Result struct {
	Report  *stack.Report    `json:"report" yaml:"report"`
	Outputs *stack.Outputs   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Metrics *logging.Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// WriteResult writes r in format.
func WriteResult(w io.Writer, format Format, r Result) error {
	if format != FormatText {
		return Encode(w, format, r)
	}
	var sb strings.Builder
	if r.Report != nil {
		sb.WriteString(FormatReport(r.Report))
	}
	if r.Outputs != nil && r.Report != nil && r.Report.Operation == "deploy" {
		sb.WriteString(FormatOutputs(r.Outputs))
	}
	if r.Metrics != nil {
		sb.WriteString(FormatMetrics(r.Metrics))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Header is a title between double rules.
func Header(title string) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString("\n" + strings.Repeat("═", 79) + "\n")
		sb.WriteString(title + "\n")
	}
	sb.WriteString(strings.Repeat("═", 79) + "\n")
	return sb.String()
}

// FormatOutputs lists the provisioned resources. Secrets appear only as
// references.
func FormatOutputs(o *stack.Outputs) string {
	var sb strings.Builder
	sb.WriteString(Header("📦 STACK OUTPUTS: " + o.StackName))

	if o.Network != nil {
		sb.WriteString(fmt.Sprintf("\n🌐 VPC %s (%s)\n", o.VpcID, o.Network.CIDR))
		for _, s := range o.Network.Subnets {
			sb.WriteString(fmt.Sprintf("   • %-16s %-14s %-18s %s\n", s.Kind, s.AZ, s.CIDR, s.ID))
		}
	}

	if !o.Credential.IsZero() {
		sb.WriteString(fmt.Sprintf("\n🔐 Credential: %s\n", o.Credential.ID()))
	}

	if len(o.SecurityGroups) > 0 {
		sb.WriteString("\n🛡️  Security Groups:\n")
		components := make([]string, 0, len(o.SecurityGroups))
		for c := range o.SecurityGroups {
			components = append(components, c)
		}
		sort.Strings(components)
		for _, c := range components {
			sb.WriteString(fmt.Sprintf("   • %-10s %s\n", c, o.SecurityGroups[c]))
		}
	}

	if o.Cluster != nil {
		sb.WriteString(fmt.Sprintf("\n💎 Cluster %s\n", o.Cluster.Identifier))
		sb.WriteString(fmt.Sprintf("   Endpoint:  %s:%d\n", o.Cluster.Endpoint, o.Cluster.Port))
		sb.WriteString(fmt.Sprintf("   Instances: %s\n", strings.Join(o.Cluster.InstanceIDs, ", ")))
		sb.WriteString(fmt.Sprintf("   Removal:   %s\n", o.Cluster.Removal))
	}

	if o.Bastion != nil {
		sb.WriteString(fmt.Sprintf("\n🖥️  Bastion %s\n", o.Bastion.InstanceID))
		if o.Bastion.PublicIP != "" {
			sb.WriteString(fmt.Sprintf("   Public IP:   %s\n", o.Bastion.PublicIP))
		}
		sb.WriteString(fmt.Sprintf("   Key pair:    %s\n", o.Bastion.KeyPairName))
		sb.WriteString(fmt.Sprintf("   Private key: %s\n", o.Bastion.PrivateKeyRef.ID()))
	}

	if o.InitFunction != "" {
		sb.WriteString(fmt.Sprintf("\n⚡ Init function: %s\n", o.InitFunction))
	}
	if o.InitHook != nil {
		state := string(o.InitHook.State)
		if o.InitHook.Skipped {
			state += " (already ran for this token)"
		}
		sb.WriteString(fmt.Sprintf("   Hook %s/%s: %s\n", o.InitHook.Hook, o.InitHook.Token, state))
	}

	if o.Placement != nil {
		sb.WriteString("\n")
		sb.WriteString(FormatPlacement(o.Placement))
	}
	return sb.String()
}

// FormatPlacement summarizes the subnet placement checks, listing failures.
func FormatPlacement(r *network.PlacementResult) string {
	var sb strings.Builder
	if r.OK() {
		sb.WriteString(fmt.Sprintf("✅ Placement: %s\n", r.Summary))
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("❌ Placement: %s\n", r.Summary))
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		sb.WriteString(fmt.Sprintf("   • [%s] %s", c.InvariantID, c.Subject))
		if c.Detail != "" {
			sb.WriteString(": " + c.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
