package envelope

import "fmt"

// Severity grades risk assessments, proposals, recommendations, and alerts.
// Comparisons go through Rank so the ordering lives in one place.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the severity's position in the ladder, 0 for unknown values.
func (s Severity) Rank() int { return severityRanks[s] }

func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is as severe as other or more so.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// Escalate returns the next severity up the ladder; critical stays critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	}
	return s
}

// MaxSeverity returns the most severe of the given values, defaulting to low
// when none are valid.
func MaxSeverity(values ...Severity) Severity {
	max := SeverityLow
	for _, v := range values {
		if v.Rank() > max.Rank() {
			max = v
		}
	}
	return max
}

// ParseSeverity validates a wire value.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if !s.Valid() {
		return "", fmt.Errorf("severity %q: %w", raw, ErrInvalid)
	}
	return s, nil
}
