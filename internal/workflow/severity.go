package workflow

import "repairline/internal/domain"

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityRed:
		return 3
	case domain.SeverityAmber:
		return 2
	case domain.SeverityGreen:
		return 1
	default:
		return 0
	}
}

// ResolveSeverity folds findings with red > amber > green > none. The fold is
// a max over a total order, so it is order-independent and idempotent.
func ResolveSeverity(findings ...domain.Severity) domain.Severity {
	best := domain.SeverityNone
	for _, f := range findings {
		if severityRank(f) > severityRank(best) {
			best = f
		}
	}
	return best
}

// ItemSeverity resolves a non-group item from its linked findings and its
// direct override. The override only wins when no linked finding is stronger.
func ItemSeverity(item domain.RepairItem) domain.Severity {
	findings := make([]domain.Severity, 0, len(item.Results)+1)
	for _, r := range item.Results {
		findings = append(findings, r.RAGStatus)
	}
	findings = append(findings, item.RAGStatus)
	return ResolveSeverity(findings...)
}

// GroupSeverity folds the resolved severities of the group's live children.
// The group's own links are ignored; its direct override still participates.
func GroupSeverity(group domain.RepairItem) domain.Severity {
	children := group.LiveChildren()
	findings := make([]domain.Severity, 0, len(children)+1)
	for _, c := range children {
		findings = append(findings, ItemSeverity(c))
	}
	findings = append(findings, group.RAGStatus)
	return ResolveSeverity(findings...)
}

// Severity resolves any item, dispatching on whether it is a group.
func Severity(item domain.RepairItem) domain.Severity {
	if item.IsGroup {
		return GroupSeverity(item)
	}
	return ItemSeverity(item)
}
