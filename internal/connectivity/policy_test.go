package connectivity

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbstack/internal/domain"
)

var (
	bastion  = domain.Component(domain.ComponentBastion)
	cluster  = domain.Component(domain.ComponentCluster)
	task     = domain.Component(domain.ComponentInitTask)
	endpoint = domain.Component(domain.ComponentSecretsEndpoint)
)

// =============================================================================
// Policy Tests
// =============================================================================

func TestNewPolicy_DeniesEverything(t *testing.T) {
	p := NewPolicy()

	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Components())
	assert.False(t, p.Permits(bastion, cluster, 3306))
	assert.False(t, p.Permits(domain.Internet(), bastion, PortSSH))
}

func TestAllow_DuplicatesAreIgnored(t *testing.T) {
	p := NewPolicy()
	require.NoError(t, p.Allow(bastion, cluster, 3306))
	require.NoError(t, p.Allow(bastion, cluster, 3306))

	assert.Equal(t, 1, p.Len())
	assert.True(t, p.Permits(bastion, cluster, 3306))
	// Direction matters.
	assert.False(t, p.Permits(cluster, bastion, 3306))
	assert.False(t, p.Permits(bastion, cluster, 5432))
}

func TestAllowBoth(t *testing.T) {
	p := NewPolicy()
	require.NoError(t, p.AllowBoth(bastion, task, 8080))

	assert.Equal(t, 2, p.Len())
	assert.True(t, p.Permits(bastion, task, 8080))
	assert.True(t, p.Permits(task, bastion, 8080))
}

func TestAllow_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		from, to domain.Peer
		port     int
	}{
		{"cidr to cidr", domain.CIDR("10.0.0.0/8"), domain.Internet(), 443},
		{"self loop", bastion, bastion, 22},
		{"port zero", bastion, cluster, 0},
		{"port too large", bastion, cluster, 70000},
		{"bad cidr", domain.CIDR("10.0.0.0/33"), cluster, 3306},
		{"empty peer", domain.Peer{}, cluster, 3306},
		{"ambiguous peer", domain.Peer{Component: "x", CIDR: "10.0.0.0/8"}, cluster, 3306},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy()
			err := p.Allow(tt.from, tt.to, tt.port)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
			assert.Equal(t, 0, p.Len())
		})
	}
}

func TestPermits_CIDRContainment(t *testing.T) {
	p := NewPolicy()
	require.NoError(t, p.Allow(domain.CIDR("10.1.0.0/16"), cluster, 3306))

	assert.True(t, p.Permits(domain.CIDR("10.1.2.0/24"), cluster, 3306))
	assert.True(t, p.Permits(domain.CIDR("10.1.0.0/16"), cluster, 3306))
	assert.False(t, p.Permits(domain.CIDR("10.0.0.0/8"), cluster, 3306), "wider block must not match")
	assert.False(t, p.Permits(domain.CIDR("10.2.0.0/24"), cluster, 3306))
}

// =============================================================================
// StackPolicy Tests
// =============================================================================

func TestStackPolicy_Edges(t *testing.T) {
	p, err := StackPolicy(StackOptions{DBPort: 3306, Clients: []string{"10.50.0.0/24"}})
	require.NoError(t, err)

	allowed := []domain.Rule{
		{From: domain.Internet(), To: bastion, Port: 22},
		{From: bastion, To: cluster, Port: 3306},
		{From: task, To: cluster, Port: 3306},
		{From: task, To: endpoint, Port: 443},
		{From: bastion, To: domain.Internet(), Port: 443},
		{From: domain.CIDR("10.50.0.0/24"), To: cluster, Port: 3306},
		{From: domain.CIDR("10.50.0.0/24"), To: endpoint, Port: 443},
	}
	assert.ElementsMatch(t, allowed, p.Edges())

	denied := []domain.Rule{
		{From: domain.Internet(), To: cluster, Port: 3306},
		{From: domain.Internet(), To: task, Port: 443},
		{From: cluster, To: domain.Internet(), Port: 443},
		{From: task, To: bastion, Port: 22},
		{From: bastion, To: cluster, Port: 22},
	}
	for _, r := range denied {
		assert.False(t, p.Permits(r.From, r.To, r.Port), "%s must be denied", r)
	}

	assert.Equal(t, []string{"bastion", "cluster", "init-task", "secrets-endpoint"}, p.Components())
	assert.Len(t, p.Ingress(domain.ComponentCluster), 3)
	assert.Len(t, p.Egress(domain.ComponentBastion), 2)
}

func TestStackPolicy_AdminCIDR(t *testing.T) {
	p, err := StackPolicy(StackOptions{DBPort: 3306, AdminCIDR: "203.0.113.0/24"})
	require.NoError(t, err)

	assert.True(t, p.Permits(domain.CIDR("203.0.113.7/32"), bastion, PortSSH))
	assert.False(t, p.Permits(domain.Internet(), bastion, PortSSH))
}

func TestStackPolicy_InvalidPort(t *testing.T) {
	_, err := StackPolicy(StackOptions{DBPort: 0})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender_DOT(t *testing.T) {
	p, err := StackPolicy(StackOptions{DBPort: 3306})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(p, FormatDOT, &buf))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "digraph"))
	for _, want := range []string{"bastion", "cluster", "init-task", "secrets-endpoint", "internet", ":3306", ":22"} {
		assert.Contains(t, out, want)
	}
}

func TestRender_Mermaid(t *testing.T) {
	p := NewPolicy()
	require.NoError(t, p.Allow(bastion, cluster, 3306))

	var buf bytes.Buffer
	require.NoError(t, Render(p, FormatMermaid, &buf))
	out := buf.String()
	assert.True(t, strings.Contains(out, "graph") || strings.Contains(out, "flowchart"), out)
}
