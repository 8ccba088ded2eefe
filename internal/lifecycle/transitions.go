// Package lifecycle owns the status machine of supplier requests.
package lifecycle

import "suppliersync/internal/domain"

// allowed lists the legal status moves. Terminal states have no entry.
var allowed = map[domain.RequestStatus][]domain.RequestStatus{
	domain.RequestPending: {domain.RequestResponded, domain.RequestExpired, domain.RequestCancelled},
}

// CanTransition reports whether a request may move from one status to another.
func CanTransition(from, to domain.RequestStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(req *domain.SupplierRequest, to domain.RequestStatus) error {
	if !CanTransition(req.Status, to) {
		return &domain.TransitionError{RequestID: req.RequestID, From: req.Status, To: to}
	}
	return nil
}
