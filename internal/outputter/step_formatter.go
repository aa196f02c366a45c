package outputter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dbstack/internal/logging"
	"dbstack/internal/stack"
)

// FormatStep formats one step line: its position, status, timing and, on
// failure, the error underneath.
func FormatStep(n int, res stack.StepResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s STEP %2d: %-18s %-10s", StatusIcon(res.Status), n, res.Name, strings.ToUpper(string(res.Status))))
	if res.Duration > 0 {
		sb.WriteString(fmt.Sprintf(" ⏱️  %s", FormatDuration(res.Duration)))
	}
	sb.WriteString("\n")
	if res.Description != "" {
		sb.WriteString(fmt.Sprintf("      %s\n", res.Description))
	}
	if len(res.DependsOn) > 0 {
		sb.WriteString(fmt.Sprintf("      after: %s\n", strings.Join(res.DependsOn, ", ")))
	}
	if res.Error != "" {
		sb.WriteString(fmt.Sprintf("      └─ %s\n", res.Error))
	}
	return sb.String()
}

// FormatReport formats every step of a report followed by a summary line.
func FormatReport(r *stack.Report) string {
	var sb strings.Builder
	sb.WriteString(Header(fmt.Sprintf("%s %s", operationIcon(r.Operation), strings.ToUpper(r.Operation))))

	counts := make(map[stack.Status]int)
	var total time.Duration
	for i, res := range r.Steps {
		sb.WriteString(FormatStep(i+1, res))
		counts[res.Status]++
		total += res.Duration
	}

	sb.WriteString(Header(""))
	switch {
	case r.Operation == "plan":
		sb.WriteString(fmt.Sprintf("📋 %d step(s) planned\n", len(r.Steps)))
	case r.Failed() != nil:
		f := r.Failed()
		sb.WriteString(fmt.Sprintf("❌ %s failed at step %s after %s\n", r.Operation, f.Name, FormatDuration(total)))
		sb.WriteString(fmt.Sprintf("   %d applied | %d destroyed | %d skipped | %d failed\n",
			counts[stack.StatusApplied], counts[stack.StatusDestroyed], counts[stack.StatusSkipped], counts[stack.StatusFailed]))
	default:
		sb.WriteString(fmt.Sprintf("✅ %s complete in %s\n", r.Operation, FormatDuration(total)))
		sb.WriteString(fmt.Sprintf("   %d applied | %d destroyed | %d skipped\n",
			counts[stack.StatusApplied], counts[stack.StatusDestroyed], counts[stack.StatusSkipped]))
	}
	return sb.String()
}

// FormatMetrics summarizes the API calls of the run, worst offenders first.
func FormatMetrics(m *logging.Metrics) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n📈 API calls: %d (%d ok, %d failed)", m.TotalAPICalls, m.TotalSuccess, m.TotalFailures))
	if m.Duration != "" {
		sb.WriteString(fmt.Sprintf(" in %s", m.Duration))
	}
	sb.WriteString("\n")

	names := make([]string, 0, len(m.APICalls))
	for name, c := range m.APICalls {
		if c.Failures > 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := m.APICalls[names[i]], m.APICalls[names[j]]
		if a.Failures != b.Failures {
			return a.Failures > b.Failures
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		c := m.APICalls[name]
		sb.WriteString(fmt.Sprintf("   ⚠️  %s: %d/%d failed\n", name, c.Failures, c.Count))
	}
	return sb.String()
}

// StatusIcon maps a step status to its marker.
func StatusIcon(s stack.Status) string {
	switch s {
	case stack.StatusApplied:
		return "✅"
	case stack.StatusDestroyed:
		return "🗑️"
	case stack.StatusFailed:
		return "❌"
	case stack.StatusSkipped:
		return "⏭️"
	case stack.StatusPlanned:
		return "📋"
	default:
		return "❓"
	}
}

func operationIcon(op string) string {
	switch op {
	case "deploy":
		return "🚀"
	case "destroy":
		return "🧹"
	default:
		return "🗺️"
	}
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
