package notify

import (
	"strings"

	"repairline/internal/repo"
)

// Event is a status change as delivered to sinks.
type Event struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	HealthCheckID  string `json:"health_check_id"`
	OrganizationID string `json:"organization_id"`
	FromStatus     string `json:"from_status,omitempty"`
	ToStatus       string `json:"to_status"`
	ChangedBy      string `json:"changed_by"`
	ChangeSource   string `json:"change_source"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// EventType names the event for a transition into status, e.g.
// "status.authorized".
func EventType(status string) string {
	return "status." + status
}

func eventFromHistory(h repo.HistoryEntry) Event {
	return Event{
		ID:             h.ID,
		Type:           EventType(string(h.ToStatus)),
		HealthCheckID:  h.HealthCheckID,
		OrganizationID: h.OrganizationID,
		FromStatus:     string(h.FromStatus),
		ToStatus:       string(h.ToStatus),
		ChangedBy:      h.ChangedBy,
		ChangeSource:   string(h.ChangeSource),
		Notes:          h.Notes,
		CreatedAt:      h.CreatedAt,
	}
}

// eventFilter matches an event by full type or bare status. An empty filter
// matches everything.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt Event) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt.Type]; ok {
		return true
	}
	_, ok := f.set[evt.ToStatus]
	return ok
}
