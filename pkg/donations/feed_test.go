package donations

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/models"
)

func TestFeed_LatestStartedWins(t *testing.T) {
	var f Feed
	first := f.Begin()
	second := f.Begin()

	newer := []models.DonationView{{Donation: models.Donation{ID: "b"}}, {Donation: models.Donation{ID: "a"}}}
	older := []models.DonationView{{Donation: models.Donation{ID: "a"}}}

	assert.True(t, f.Apply(second, newer))
	assert.False(t, f.Apply(first, older), "a result started earlier must not replace a newer one")

	items, seq := f.Current()
	assert.Equal(t, second, seq)
	assert.Len(t, items, 2)
}

func TestFeed_InOrderCompletion(t *testing.T) {
	var f Feed
	first := f.Begin()
	second := f.Begin()
	assert.True(t, f.Apply(first, nil))
	assert.True(t, f.Apply(second, []models.DonationView{{}}))
	items, _ := f.Current()
	assert.Len(t, items, 1)
}

func TestFeed_ResetDropsInFlight(t *testing.T) {
	var f Feed
	seq := f.Begin()
	f.Reset()
	assert.False(t, f.Apply(seq, []models.DonationView{{}}))
	items, _ := f.Current()
	assert.Empty(t, items)

	assert.True(t, f.Apply(f.Begin(), []models.DonationView{{}}))
}

// pausingDB lets the first list call read its rows, then holds it until released.
type pausingDB struct {
	database.DatabaseInterface
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingDB) ListDonations(ctx context.Context, f models.DonationFilter) ([]models.DonationView, error) {
	views, err := p.DatabaseInterface.ListDonations(ctx, f)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return views, err
}

func TestFeed_RefreshOutOfOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seed(t, fx.donor, models.StatusRequested)

	db := &pausingDB{DatabaseInterface: fx.db, read: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(db, nil, nil, nil)
	var feed Feed
	a := actor(fx.admin)

	type result struct {
		items []models.DonationView
		err   error
	}
	slow := make(chan result, 1)
	go func() {
		items, err := feed.Refresh(ctx, svc, a)
		slow <- result{items, err}
	}()

	<-db.read
	fx.seed(t, fx.other, models.StatusRequested)

	fast, err := feed.Refresh(ctx, svc, a)
	require.NoError(t, err)
	assert.Len(t, fast, 2)

	close(db.release)
	late := <-slow
	require.NoError(t, late.err)
	assert.Len(t, late.items, 2, "the late completion returns the newer list")

	items, seq := feed.Current()
	assert.Len(t, items, 2)
	assert.Equal(t, uint64(2), seq)
}
