package donations

import (
	"context"
	"sync"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/metrics"
	"careconnect-backend/pkg/models"
)

// Feed holds one client's donation list. Every refresh is tagged with a
// sequence number when it starts and its result is applied only if no later
// started refresh has been applied already, so completion order never decides
// what is shown.
type Feed struct {
	mu      sync.Mutex
	issued  uint64
	applied uint64
	items   []models.DonationView
}

// Begin tags a new refresh.
func (f *Feed) Begin() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued++
	return f.issued
}

// Apply stores items fetched by refresh seq. It reports false, keeping the
// current list, when a newer refresh was applied first.
func (f *Feed) Apply(seq uint64, items []models.DonationView) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq <= f.applied {
		metrics.StaleResultsDropped.WithLabelValues("donations").Inc()
		return false
	}
	f.applied = seq
	f.items = append([]models.DonationView(nil), items...)
	return true
}

// Current returns the applied list and the sequence it came from.
func (f *Feed) Current() ([]models.DonationView, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DonationView(nil), f.items...), f.applied
}

// Reset drops the list and invalidates refreshes still in flight.
func (f *Feed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = f.issued
	f.items = nil
}

// Refresh lists donations for a and returns the freshest applied list, which
// is a newer refresh's result when this one completed late.
func (f *Feed) Refresh(ctx context.Context, svc *Service, a access.Actor) ([]models.DonationView, error) {
	seq := f.Begin()
	views, err := svc.List(ctx, a)
	if err != nil {
		return nil, err
	}
	f.Apply(seq, views)
	items, _ := f.Current()
	return items, nil
}
