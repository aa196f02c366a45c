package network

import (
	"fmt"
	"net/netip"
	"strings"

	"dbstack/internal/domain"
)

/*
Placement Checker - Evaluates the network placement invariants of a realised VPC

PURPOSE:
  Given a segmented NetworkSpace and what each subnet actually routes to,
  report every invariant that does not hold. A deployment is only accepted
  when no check fails.

INVARIANTS CHECKED:

  NP-001: ISOLATED_NO_INTERNET
    CHECK: Isolated subnets have no default route and do not map public IPs.

  NP-002: PUBLIC_ONLY_INGRESS
    CHECK: Only Public subnets route to an internet gateway or map public IPs.

  NP-003: EGRESS_VIA_NAT
    CHECK: PrivateEgress subnets default-route to a NAT gateway in their own zone.

  NP-004: ONE_PER_KIND_PER_ZONE
    CHECK: One subnet of each requested kind per zone, CIDRs pairwise disjoint.

  NP-005: CLUSTER_ISOLATED
    CHECK: Every subnet a cluster is placed in is an Isolated subnet.
*/

// InvariantID names one placement invariant.
type InvariantID string

const (
	InvIsolatedNoInternet InvariantID = "NP-001"
	InvPublicOnlyIngress  InvariantID = "NP-002"
	InvEgressViaNAT       InvariantID = "NP-003"
	InvOnePerKindPerZone  InvariantID = "NP-004"
	InvClusterIsolated    InvariantID = "NP-005"
)

// RouteKind is where a subnet's default route points.
type RouteKind string

const (
	RouteNone     RouteKind = ""
	RouteInternet RouteKind = "igw"
	RouteNAT      RouteKind = "nat"
)

// SubnetRouting is the observed routing of one subnet.
type SubnetRouting struct {
	DefaultRoute RouteKind `json:"default_route"`
	NATZone      string    `json:"nat_zone,omitempty"`
	MapPublicIP  bool      `json:"map_public_ip"`
}

// PlacementCheck is the outcome of one invariant on one subject.
type PlacementCheck struct {
	InvariantID InvariantID `json:"invariant_id"`
	Subject     string      `json:"subject"`
	Passed      bool        `json:"passed"`
	Detail      string      `json:"detail,omitempty"`
}

// PlacementResult aggregates all checks.
type PlacementResult struct {
	Checks     []PlacementCheck `json:"checks"`
	Violations []InvariantID    `json:"violations,omitempty"`
	Summary    string           `json:"summary"`
}

// OK reports whether every check passed.
func (r *PlacementResult) OK() bool {
	return len(r.Violations) == 0
}

// Err returns a configuration error naming every violation, or nil.
func (r *PlacementResult) Err() error {
	if r.OK() {
		return nil
	}
	errs := &domain.ConfigError{}
	for _, c := range r.Checks {
		if !c.Passed {
			errs.Add(string(c.InvariantID)+" "+c.Subject, c.Detail)
		}
	}
	return errs
}

// Merge returns a result holding the checks of r followed by those of other.
func (r *PlacementResult) Merge(other *PlacementResult) *PlacementResult {
	out := &PlacementResult{}
	for _, c := range r.Checks {
		out.add(c)
	}
	for _, c := range other.Checks {
		out.add(c)
	}
	out.Summary = summarize(out)
	return out
}

func (r *PlacementResult) add(c PlacementCheck) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		for _, v := range r.Violations {
			if v == c.InvariantID {
				return
			}
		}
		r.Violations = append(r.Violations, c.InvariantID)
	}
}

// CheckLayout verifies NP-004 on a plan (no routing needed).
func CheckLayout(space *domain.NetworkSpace) *PlacementResult {
	result := &PlacementResult{}
	checkLayout(result, space)
	result.Summary = summarize(result)
	return result
}

// CheckPlacement verifies NP-001 to NP-004. routing is keyed by subnet name;
// a subnet missing from routing is treated as having no default route.
func CheckPlacement(space *domain.NetworkSpace, routing map[string]SubnetRouting) *PlacementResult {
	result := &PlacementResult{}
	checkLayout(result, space)

	for _, s := range space.Subnets {
		r := routing[s.Name]
		switch s.Kind {
		case domain.SubnetIsolated:
			ok := r.DefaultRoute == RouteNone && !r.MapPublicIP
			result.add(PlacementCheck{
				InvariantID: InvIsolatedNoInternet,
				Subject:     s.Name,
				Passed:      ok,
				Detail:      detailIf(!ok, "isolated subnet routes to %q (public ip: %v)", r.DefaultRoute, r.MapPublicIP),
			})
		case domain.SubnetPrivateEgress:
			ok := r.DefaultRoute == RouteNAT && r.NATZone == s.AZ && !r.MapPublicIP
			result.add(PlacementCheck{
				InvariantID: InvEgressViaNAT,
				Subject:     s.Name,
				Passed:      ok,
				Detail:      detailIf(!ok, "expected NAT in %s, got %q in %q", s.AZ, r.DefaultRoute, r.NATZone),
			})
		}
		if s.Kind != domain.SubnetPublic {
			ok := r.DefaultRoute != RouteInternet && !r.MapPublicIP
			result.add(PlacementCheck{
				InvariantID: InvPublicOnlyIngress,
				Subject:     s.Name,
				Passed:      ok,
				Detail:      detailIf(!ok, "%s subnet is reachable from the internet", s.Kind),
			})
		}
	}

	result.Summary = summarize(result)
	return result
}

// CheckClusterPlacement verifies NP-005 for the given subnet IDs or names.
func CheckClusterPlacement(space *domain.NetworkSpace, subnets []string) *PlacementResult {
	result := &PlacementResult{}
	byRef := make(map[string]domain.Subnet)
	for _, s := range space.Subnets {
		byRef[s.Name] = s
		if s.ID != "" {
			byRef[s.ID] = s
		}
	}
	if len(subnets) == 0 {
		result.add(PlacementCheck{
			InvariantID: InvClusterIsolated,
			Subject:     "cluster",
			Detail:      "no subnets given",
		})
	}
	for _, ref := range subnets {
		s, known := byRef[ref]
		ok := known && s.Kind == domain.SubnetIsolated
		result.add(PlacementCheck{
			InvariantID: InvClusterIsolated,
			Subject:     ref,
			Passed:      ok,
			Detail:      detailIf(!ok, "subnet is %q, not Isolated", s.Kind),
		})
	}
	result.Summary = summarize(result)
	return result
}

func checkLayout(result *PlacementResult, space *domain.NetworkSpace) {
	kinds := make(map[domain.SubnetKind]bool)
	perZone := make(map[string]map[domain.SubnetKind]int)
	for _, s := range space.Subnets {
		kinds[s.Kind] = true
		if perZone[s.AZ] == nil {
			perZone[s.AZ] = make(map[domain.SubnetKind]int)
		}
		perZone[s.AZ][s.Kind]++
	}
	for _, zone := range space.Zones {
		for kind := range kinds {
			n := perZone[zone][kind]
			result.add(PlacementCheck{
				InvariantID: InvOnePerKindPerZone,
				Subject:     fmt.Sprintf("%s/%s", zone, kind),
				Passed:      n == 1,
				Detail:      detailIf(n != 1, "%d subnets", n),
			})
		}
	}

	for i := 0; i < len(space.Subnets); i++ {
		a, errA := netip.ParsePrefix(space.Subnets[i].CIDR)
		for j := i + 1; j < len(space.Subnets); j++ {
			b, errB := netip.ParsePrefix(space.Subnets[j].CIDR)
			if errA != nil || errB != nil || a.Overlaps(b) {
				result.add(PlacementCheck{
					InvariantID: InvOnePerKindPerZone,
					Subject:     space.Subnets[i].Name + "," + space.Subnets[j].Name,
					Detail:      fmt.Sprintf("%s overlaps %s", space.Subnets[i].CIDR, space.Subnets[j].CIDR),
				})
			}
		}
	}
}

func detailIf(cond bool, format string, args ...interface{}) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

func summarize(r *PlacementResult) string {
	if r.OK() {
		return fmt.Sprintf("Passed %d placement check(s)", len(r.Checks))
	}
	ids := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		ids = append(ids, string(v))
	}
	return fmt.Sprintf("Placement violated: %s", strings.Join(ids, ", "))
}
