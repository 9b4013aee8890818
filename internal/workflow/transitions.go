package workflow

import (
	"sort"

	"repairline/internal/domain"
)

// transitions is the fixed status graph. Terminal statuses have no entry.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusAwaitingArrival: {domain.StatusAwaitingCheckin, domain.StatusCreated, domain.StatusNoShow, domain.StatusCancelled},
	domain.StatusAwaitingCheckin: {domain.StatusCreated, domain.StatusCancelled},
	domain.StatusNoShow:          {domain.StatusAwaitingArrival, domain.StatusCancelled},
	domain.StatusCreated:         {domain.StatusAssigned, domain.StatusCancelled},
	domain.StatusAssigned:        {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress:      {domain.StatusPaused, domain.StatusTechCompleted, domain.StatusCancelled},
	domain.StatusPaused:          {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusTechCompleted:   {domain.StatusAwaitingReview, domain.StatusAwaitingPricing},
	domain.StatusAwaitingReview:  {domain.StatusAwaitingPricing, domain.StatusReadyToSend},
	domain.StatusAwaitingPricing: {domain.StatusAwaitingParts, domain.StatusReadyToSend},
	domain.StatusAwaitingParts:   {domain.StatusReadyToSend},
	domain.StatusReadyToSend:     {domain.StatusSent},
	domain.StatusSent:            {domain.StatusDelivered, domain.StatusExpired},
	domain.StatusDelivered:       {domain.StatusOpened, domain.StatusExpired},
	domain.StatusOpened:          {domain.StatusPartialResponse, domain.StatusAuthorized, domain.StatusDeclined, domain.StatusExpired},
	domain.StatusPartialResponse: {domain.StatusAuthorized, domain.StatusDeclined, domain.StatusExpired},
	domain.StatusAuthorized:      {domain.StatusCompleted},
	domain.StatusDeclined:        {domain.StatusCompleted},
	domain.StatusExpired:         {domain.StatusCompleted},
}

// IsValidTransition reports whether the graph has an edge from -> to.
// Unknown statuses yield false.
func IsValidTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable in one step from s, sorted.
func NextStatuses(s domain.Status) []domain.Status {
	next := append([]domain.Status(nil), transitions[s]...)
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s domain.Status) bool {
	return s == domain.StatusCompleted || s == domain.StatusCancelled
}

// KnownStatus reports whether s is part of the lifecycle.
func KnownStatus(s domain.Status) bool {
	if IsTerminal(s) {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// AllStatuses lists every lifecycle status, sorted.
func AllStatuses() []domain.Status {
	out := []domain.Status{domain.StatusCompleted, domain.StatusCancelled}
	for s := range transitions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ArrivalTarget is the status an arriving vehicle moves to.
func ArrivalTarget(checkinEnabled bool) domain.Status {
	if checkinEnabled {
		return domain.StatusAwaitingCheckin
	}
	return domain.StatusCreated
}

// AdvisorAuthorizeFrom lists the statuses in which staff may record customer
// decisions on the customer's behalf.
var AdvisorAuthorizeFrom = []domain.Status{
	domain.StatusReadyToSend,
	domain.StatusSent,
	domain.StatusDelivered,
	domain.StatusOpened,
	domain.StatusPartialResponse,
	domain.StatusExpired,
}

// StatusIn reports whether s is one of allowed.
func StatusIn(s domain.Status, allowed []domain.Status) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
