package donations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"careconnect-backend/pkg/access"
	"careconnect-backend/pkg/database"
	"careconnect-backend/pkg/models"
	"careconnect-backend/pkg/notify"
	"careconnect-backend/pkg/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")

type fixture struct {
	db        *database.LocalDatabase
	svc       *Service
	donor     *models.Profile
	other     *models.Profile
	volunteer *models.Profile
	admin     *models.Profile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDatabase()
	f := &fixture{
		db:        db,
		svc:       NewService(db, nil, nil, nil),
		donor:     &models.Profile{ID: "donor-1", Email: "d1@example.org", FullName: "Dana", Role: models.RoleDonor, CarePoints: 40},
		other:     &models.Profile{ID: "donor-2", Email: "d2@example.org", FullName: "Omar", Role: models.RoleDonor},
		volunteer: &models.Profile{ID: "vol-1", Email: "v@example.org", FullName: "Vera", Role: models.RoleVolunteer},
		admin:     &models.Profile{ID: "admin-1", Email: "a@example.org", FullName: "Ada", Role: models.RoleAdmin},
	}
	for _, p := range []*models.Profile{f.donor, f.other, f.volunteer, f.admin} {
		require.NoError(t, db.CreateProfile(ctx, p))
	}
	return f
}

func actor(p *models.Profile) access.Actor {
	return access.Actor{Profile: p, Notifier: notify.NewCollector()}
}

func drain(a access.Actor) []notify.Notice {
	return a.Notifier.(*notify.Collector).Drain()
}

func validInput() models.DonationInput {
	return models.DonationInput{
		ItemName:     "Winter jackets",
		Category:     "clothing",
		Quantity:     3,
		Condition:    models.ConditionGood,
		Description:  "Kids sizes",
		PickupOption: true,
	}
}

func (f *fixture) seed(t *testing.T, donor *models.Profile, status models.DonationStatus) *models.Donation {
	t.Helper()
	d := &models.Donation{DonorID: donor.ID, ItemName: "Rice", Category: "food", Quantity: 1, Condition: models.ConditionGood, Status: status}
	require.NoError(t, f.db.CreateDonation(context.Background(), d))
	return d
}

func (f *fixture) status(t *testing.T, id string) models.DonationStatus {
	t.Helper()
	d, err := f.db.GetDonation(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d.Status
}

func TestCreate_RequestedAndTenPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := actor(f.donor)

	d, err := f.svc.Create(ctx, a, validInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, d.Status)
	assert.Equal(t, f.donor.ID, d.DonorID)
	assert.Nil(t, d.ImageURL)
	assert.Equal(t, models.StatusRequested, f.status(t, d.ID))

	p, err := f.db.FindProfile(ctx, f.donor.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, p.CarePoints)

	notices := drain(a)
	require.Len(t, notices, 1)
	assert.Equal(t, notify.LevelSuccess, notices[0].Level)
}

func TestCreate_AnyRoleStartsAtRequested(t *testing.T) {
	f := newFixture(t)
	for _, p := range []*models.Profile{f.donor, f.volunteer, f.admin} {
		d, err := f.svc.Create(context.Background(), actor(p), validInput(), nil)
		require.NoError(t, err, p.Role)
		assert.Equal(t, models.StatusRequested, f.status(t, d.ID), p.Role)
	}
}

// failingDB injects errors into selected operations.
type failingDB struct {
	database.DatabaseInterface
	awardErr  error
	statusErr error
	listAll   bool
}

func (d *failingDB) AwardCarePoints(ctx context.Context, id string, delta int) (int, error) {
	if d.awardErr != nil {
		return 0, d.awardErr
	}
	return d.DatabaseInterface.AwardCarePoints(ctx, id, delta)
}

func (d *failingDB) UpdateDonationStatus(ctx context.Context, id string, s models.DonationStatus) error {
	if d.statusErr != nil {
		return d.statusErr
	}
	return d.DatabaseInterface.UpdateDonationStatus(ctx, id, s)
}

func (d *failingDB) ListDonations(ctx context.Context, filter models.DonationFilter) ([]models.DonationView, error) {
	if d.listAll {
		filter = models.DonationFilter{}
	}
	return d.DatabaseInterface.ListDonations(ctx, filter)
}

func TestCreate_PointAwardFailureKeepsDonation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(&failingDB{DatabaseInterface: f.db, awardErr: errors.New("points column locked")}, nil, nil, nil)
	a := actor(f.donor)

	d, err := svc.Create(ctx, a, validInput(), nil)
	require.NoError(t, err)

	stored, err := f.db.GetDonation(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	p, err := f.db.FindProfile(ctx, f.donor.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, p.CarePoints)
	assert.Equal(t, notify.LevelSuccess, drain(a)[0].Level)
}

type fakeUploader struct {
	url   string
	err   error
	calls int
}

func (u *fakeUploader) Upload(_ context.Context, blob storage.Blob) (string, error) {
	u.calls++
	return u.url, u.err
}

func TestCreate_Image(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := &fakeUploader{url: "https://cdn.example.org/donations/1.png"}
	d, err := NewService(f.db, ok, nil, nil).Create(ctx, actor(f.donor), validInput(),
		&storage.Blob{Filename: "coat.png", Data: pngHeader})
	require.NoError(t, err)
	require.NotNil(t, d.ImageURL)
	assert.Equal(t, ok.url, *d.ImageURL)

	broken := &fakeUploader{err: errors.New("bucket unavailable")}
	d, err = NewService(f.db, broken, nil, nil).Create(ctx, actor(f.donor), validInput(),
		&storage.Blob{Filename: "coat.png", Data: pngHeader})
	require.NoError(t, err)
	assert.Nil(t, d.ImageURL)
	assert.Equal(t, 1, broken.calls)

	d, err = NewService(f.db, storage.Disabled{}, nil, nil).Create(ctx, actor(f.donor), validInput(),
		&storage.Blob{Filename: "coat.png", Data: pngHeader})
	require.NoError(t, err)
	assert.Nil(t, d.ImageURL)

	_, err = NewService(f.db, ok, nil, nil).Create(ctx, actor(f.donor), validInput(),
		&storage.Blob{Filename: "notes.txt", Data: []byte("plain text")})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, actor(nil), validInput(), nil)
	assert.ErrorIs(t, err, models.ErrUnauthenticated)

	suspended := *f.donor
	suspended.Suspended = true
	_, err = f.svc.Create(ctx, actor(&suspended), validInput(), nil)
	assert.ErrorIs(t, err, models.ErrForbidden)

	bad := []func(in *models.DonationInput){
		func(in *models.DonationInput) { in.ItemName = " " },
		func(in *models.DonationInput) { in.Category = "weapons" },
		func(in *models.DonationInput) { in.Quantity = 0 },
		func(in *models.DonationInput) { in.Condition = "broken" },
		func(in *models.DonationInput) { in.ItemName = "<script>x</script>" },
	}
	for i, mutate := range bad {
		in := validInput()
		mutate(&in)
		a := actor(f.donor)
		_, err := f.svc.Create(ctx, a, in, nil)
		assert.ErrorIs(t, err, models.ErrValidation, "case %d", i)
		assert.Equal(t, notify.LevelError, drain(a)[0].Level, "case %d", i)
	}

	views, err := f.db.ListDonations(ctx, models.DonationFilter{})
	require.NoError(t, err)
	assert.Empty(t, views)
	p, _ := f.db.FindProfile(ctx, f.donor.ID)
	assert.Equal(t, 40, p.CarePoints)
}

func TestCreate_SanitizesText(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.ItemName = "<b>Blankets</b>"
	in.Description = `Warm & clean <img src=x onerror="alert(1)">`

	d, err := f.svc.Create(context.Background(), actor(f.donor), in, nil)
	require.NoError(t, err)
	assert.Equal(t, "Blankets", d.ItemName)
	assert.Equal(t, "Warm & clean", d.Description)
}

func TestCreate_ConfiguredCategories(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.db, nil, []string{"food", "furniture"}, nil)
	in := validInput()
	in.Category = "Furniture"

	d, err := svc.Create(context.Background(), actor(f.donor), in, nil)
	require.NoError(t, err)
	assert.Equal(t, "furniture", d.Category)

	in.Category = "clothing"
	_, err = svc.Create(context.Background(), actor(f.donor), in, nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpdateStatus_RoleGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusRequested)

	suspendedVolunteer := *f.volunteer
	suspendedVolunteer.Suspended = true

	rejected := []struct {
		name string
		p    *models.Profile
		want error
	}{
		{"no profile", nil, models.ErrUnauthenticated},
		{"donor", f.donor, models.ErrForbidden},
		{"unknown role", &models.Profile{ID: "x", Role: "guest"}, models.ErrForbidden},
		{"suspended volunteer", &suspendedVolunteer, models.ErrForbidden},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			for _, s := range models.Statuses {
				_, err := f.svc.UpdateStatus(ctx, actor(tc.p), d.ID, s)
				assert.ErrorIs(t, err, tc.want)
			}
			assert.Equal(t, models.StatusRequested, f.status(t, d.ID))
		})
	}

	for _, p := range []*models.Profile{f.volunteer, f.admin} {
		got, err := f.svc.UpdateStatus(ctx, actor(p), d.ID, models.StatusVerified)
		require.NoError(t, err)
		assert.Equal(t, models.StatusVerified, got.Status)
	}
}

func TestUpdateStatus_LogsOutOfOrderChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	svc := NewService(f.db, nil, nil, zap.New(core))
	d := f.seed(t, f.donor, models.StatusRequested)

	_, err := svc.UpdateStatus(ctx, actor(f.volunteer), d.ID, models.StatusVerified)
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("non-sequential status change").Len())

	_, err = svc.UpdateStatus(ctx, actor(f.volunteer), d.ID, models.StatusDelivered)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, actor(f.volunteer), d.ID, models.StatusPicked)
	require.NoError(t, err)

	entries := logs.FilterMessage("non-sequential status change").All()
	require.Len(t, entries, 2)
	assert.Equal(t, false, entries[0].ContextMap()["backward"])
	assert.Equal(t, true, entries[1].ContextMap()["backward"])
}

func TestUpdateStatus_NoForwardOrderEnforcement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusDelivered)

	_, err := f.svc.UpdateStatus(ctx, actor(f.volunteer), d.ID, models.StatusRequested)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, f.status(t, d.ID))

	_, err = f.svc.UpdateStatus(ctx, actor(f.volunteer), d.ID, "lost")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.UpdateStatus(ctx, actor(f.volunteer), "missing", models.StatusPicked)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateStatus_BackendFailure(t *testing.T) {
	f := newFixture(t)
	d := f.seed(t, f.donor, models.StatusRequested)
	svc := NewService(&failingDB{DatabaseInterface: f.db, statusErr: errors.New("connection reset")}, nil, nil, nil)
	a := actor(f.volunteer)

	_, err := svc.UpdateStatus(context.Background(), a, d.ID, models.StatusVerified)
	assert.ErrorIs(t, err, models.ErrOperationFailed)
	notices := drain(a)
	require.Len(t, notices, 1)
	assert.Equal(t, "Failed to update status", notices[0].Message)
}

func TestAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusRequested)

	for _, want := range []models.DonationStatus{models.StatusVerified, models.StatusPicked, models.StatusDelivered} {
		got, err := f.svc.Advance(ctx, actor(f.volunteer), d.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}

	_, err := f.svc.Advance(ctx, actor(f.admin), d.ID)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, models.StatusDelivered, f.status(t, d.ID))

	_, err = f.svc.Advance(ctx, actor(f.donor), d.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestOverrideStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusRequested)

	got, err := f.svc.OverrideStatus(ctx, actor(f.admin), d.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)
	assert.Equal(t, models.StatusDelivered, f.status(t, d.ID))

	_, err = f.svc.OverrideStatus(ctx, actor(f.volunteer), d.ID, models.StatusRequested)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Equal(t, models.StatusDelivered, f.status(t, d.ID))
}

func TestAssignVolunteer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusVerified)
	admin := actor(f.admin)

	require.NoError(t, f.svc.AssignVolunteer(ctx, admin, d.ID, &f.volunteer.ID))
	got, _ := f.db.GetDonation(ctx, d.ID)
	require.NotNil(t, got.VolunteerID)
	assert.Equal(t, f.volunteer.ID, *got.VolunteerID)

	err := f.svc.AssignVolunteer(ctx, admin, d.ID, &f.other.ID)
	assert.ErrorIs(t, err, models.ErrValidation)

	missing := "ghost"
	err = f.svc.AssignVolunteer(ctx, admin, d.ID, &missing)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = f.svc.AssignVolunteer(ctx, actor(f.volunteer), d.ID, nil)
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, f.svc.AssignVolunteer(ctx, admin, d.ID, nil))
	got, _ = f.db.GetDonation(ctx, d.ID)
	assert.Nil(t, got.VolunteerID)
}

func TestAssignOrg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusPicked)
	ngo := &models.NGO{Name: "Food Bank", ContactInfo: "fb@example.org"}
	require.NoError(t, f.db.CreateNGO(ctx, ngo))
	admin := actor(f.admin)

	require.NoError(t, f.svc.AssignOrg(ctx, admin, d.ID, &ngo.ID))
	got, _ := f.db.GetDonation(ctx, d.ID)
	require.NotNil(t, got.NGOID)
	assert.Equal(t, ngo.ID, *got.NGOID)

	missing := "nope"
	assert.ErrorIs(t, f.svc.AssignOrg(ctx, admin, d.ID, &missing), models.ErrNotFound)
	assert.ErrorIs(t, f.svc.AssignOrg(ctx, actor(f.donor), d.ID, nil), models.ErrForbidden)

	empty := ""
	require.NoError(t, f.svc.AssignOrg(ctx, admin, d.ID, &empty))
	got, _ = f.db.GetDonation(ctx, d.ID)
	assert.Nil(t, got.NGOID)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, f.donor, models.StatusRequested)

	assert.ErrorIs(t, f.svc.Delete(ctx, actor(f.donor), d.ID), models.ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, actor(f.volunteer), d.ID), models.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, actor(f.admin), d.ID))
	assert.ErrorIs(t, f.svc.Delete(ctx, actor(f.admin), d.ID), models.ErrNotFound)
}

func TestList_Scope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, f.donor, models.StatusRequested)
	f.seed(t, f.donor, models.StatusDelivered)
	f.seed(t, f.other, models.StatusPicked)

	own, err := f.svc.List(ctx, actor(f.donor))
	require.NoError(t, err)
	require.Len(t, own, 2)
	for _, v := range own {
		assert.Equal(t, f.donor.ID, v.DonorID)
	}

	for _, p := range []*models.Profile{f.volunteer, f.admin} {
		all, err := f.svc.List(ctx, actor(p))
		require.NoError(t, err)
		require.Len(t, all, 3)
		for _, v := range all {
			require.NotNil(t, v.Donor)
			assert.NotEmpty(t, v.Donor.FullName)
		}
	}

	_, err = f.svc.List(ctx, actor(nil))
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestList_DonorNeverSeesForeignRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, f.donor, models.StatusRequested)
	f.seed(t, f.other, models.StatusRequested)
	leaky := NewService(&failingDB{DatabaseInterface: f.db, listAll: true}, nil, nil, nil)

	views, err := leaky.List(ctx, actor(f.other))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, f.other.ID, views[0].DonorID)
}

func TestAnalytics_AdminOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, f.donor, models.StatusRequested)
	f.seed(t, f.other, models.StatusDelivered)

	s, err := f.svc.Analytics(ctx, actor(f.admin))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Counters.Total)
	assert.Equal(t, 2, s.ByCategory["food"])

	_, err = f.svc.Analytics(ctx, actor(f.volunteer))
	assert.ErrorIs(t, err, models.ErrForbidden)
}
