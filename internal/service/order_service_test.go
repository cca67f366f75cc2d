package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/order-service/internal/apperr"
	"github.com/richardliu001/order-service/internal/clock"
	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/repo"
	"github.com/richardliu001/order-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*OrderService, context.Context) {
	return NewOrderService(testutil.NewRepository(t), clock.NewSystem(), zap.NewNop().Sugar()), context.Background()
}

func outboxEvents(t *testing.T, svc *OrderService, ctx context.Context, orderID string) []model.OutboxEvent {
	t.Helper()
	var evts []model.OutboxEvent
	require.NoError(t, svc.Repo().DB(ctx).Where("order_id = ?", orderID).Find(&evts).Error)
	return evts
}

func TestParseVersion(t *testing.T) {
	for raw, want := range map[string]int64{"1": 1, ` 2 `: 2, `"3"`: 3, `W/"4"`: 4} {
		got, err := ParseVersion(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseVersion("")
	assert.ErrorIs(t, err, apperr.ErrMissingPrecondition)
	_, err = ParseVersion("  ")
	assert.ErrorIs(t, err, apperr.ErrMissingPrecondition)
	for _, raw := range []string{"abc", `"x"`, "-1", "1.5"} {
		_, err = ParseVersion(raw)
		assert.ErrorIs(t, err, apperr.ErrInvalidPrecondition, raw)
	}
}

func TestOrderService_Lifecycle(t *testing.T) {
	svc, ctx := newTestService(t)

	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, o.Status)
	assert.Equal(t, int64(1), o.Version)
	assert.Nil(t, o.TotalCents)

	confirmed, err := svc.Confirm(ctx, "shop-1", o.ID, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	assert.Equal(t, int64(2), confirmed.Version)
	require.NotNil(t, confirmed.TotalCents)
	assert.Equal(t, int64(500), *confirmed.TotalCents)

	// stale version
	_, err = svc.Confirm(ctx, "shop-1", o.ID, 1, 700)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// right version, wrong state
	_, err = svc.Confirm(ctx, "shop-1", o.ID, 2, 700)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	closed, err := svc.Close(ctx, "shop-1", o.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.Equal(t, int64(3), closed.Version)

	_, err = svc.Close(ctx, "shop-1", o.ID, 3)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	evts := outboxEvents(t, svc, ctx, o.ID)
	require.Len(t, evts, 1)
	assert.Equal(t, model.EventOrderClosed, evts[0].EventType)
	assert.Equal(t, "shop-1", evts[0].TenantID)
	assert.Nil(t, evts[0].PublishedAt)

	var payload model.OrderClosedPayload
	require.NoError(t, json.Unmarshal(evts[0].Payload, &payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.Equal(t, "shop-1", payload.TenantID)
	require.NotNil(t, payload.TotalCents)
	assert.Equal(t, int64(500), *payload.TotalCents)
	assert.Equal(t, "5.00", payload.TotalAmount)
	assert.False(t, payload.ClosedAt.IsZero())

	// total is immutable after confirm
	got, err := svc.Get(ctx, "shop-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), *got.TotalCents)
}

func TestOrderService_ConfirmErrors(t *testing.T) {
	svc, ctx := newTestService(t)
	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, "shop-1", o.ID, 1, -1)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Confirm(ctx, "shop-1", uuid.NewString(), 1, 100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Confirm(ctx, "shop-2", o.ID, 1, 100)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "orders are tenant scoped")

	_, err = svc.Confirm(ctx, "", o.ID, 1, 100)
	assert.ErrorIs(t, err, apperr.ErrMissingTenant)

	// zero is a valid total
	c, err := svc.Confirm(ctx, "shop-1", o.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *c.TotalCents)
}

func TestOrderService_CloseErrors(t *testing.T) {
	svc, ctx := newTestService(t)
	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)

	_, err = svc.Close(ctx, "shop-1", uuid.NewString(), 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Close(ctx, "shop-1", o.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "draft cannot skip confirm")

	_, err = svc.Close(ctx, "shop-1", o.ID, 9)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	assert.Empty(t, outboxEvents(t, svc, ctx, o.ID))
}

func TestOrderService_ConcurrentConfirmOneWins(t *testing.T) {
	svc, ctx := newTestService(t)
	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Confirm(ctx, "shop-1", o.ID, 1, int64(i*100))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := svc.Get(ctx, "shop-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestOrderService_ConcurrentCloseOneEvent(t *testing.T) {
	svc, ctx := newTestService(t)
	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, "shop-1", o.ID, 1, 250)
	require.NoError(t, err)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Close(ctx, "shop-1", o.ID, 2)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, outboxEvents(t, svc, ctx, o.ID), 1)
}

// failingOutboxRepo fails the outbox insert after the order row was updated.
type failingOutboxRepo struct {
	repo.RepositoryInterface
}

func (failingOutboxRepo) CreateOutboxEvent(context.Context, *gorm.DB, *model.OutboxEvent) error {
	return assert.AnError
}

func TestOrderService_CloseRollsBackWhenOutboxFails(t *testing.T) {
	base := testutil.NewRepository(t)
	ctx := context.Background()
	good := NewOrderService(base, clock.NewSystem(), zap.NewNop().Sugar())
	o, err := good.Create(ctx, "shop-1")
	require.NoError(t, err)
	_, err = good.Confirm(ctx, "shop-1", o.ID, 1, 900)
	require.NoError(t, err)

	bad := NewOrderService(failingOutboxRepo{base}, clock.NewSystem(), zap.NewNop().Sugar())
	_, err = bad.Close(ctx, "shop-1", o.ID, 2)
	require.ErrorIs(t, err, assert.AnError)

	got, err := base.GetOrder(ctx, base.DB(ctx), "shop-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status, "order update rolled back")
	assert.Equal(t, int64(2), got.Version)
	assert.Empty(t, outboxEvents(t, good, ctx, o.ID))

	// a retry with the same version still works
	closed, err := good.Close(ctx, "shop-1", o.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), closed.Version)
	assert.Len(t, outboxEvents(t, good, ctx, o.ID), 1)
}

func TestOrderService_ListPages(t *testing.T) {
	svc, ctx := newTestService(t)
	for i := 0; i < 15; i++ {
		_, err := svc.Create(ctx, "shop-1")
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "shop-2")
	require.NoError(t, err)

	p1, err := svc.List(ctx, "shop-1", 10, "")
	require.NoError(t, err)
	require.Len(t, p1.Items, 10)
	require.NotNil(t, p1.NextCursor)

	p2, err := svc.List(ctx, "shop-1", 10, *p1.NextCursor)
	require.NoError(t, err)
	require.Len(t, p2.Items, 5)
	assert.Nil(t, p2.NextCursor)

	ids := map[string]bool{}
	for _, o := range append(p1.Items, p2.Items...) {
		assert.False(t, ids[o.ID])
		ids[o.ID] = true
	}
	assert.Len(t, ids, 15)

	// a garbage cursor restarts from the first page
	again, err := svc.List(ctx, "shop-1", 10, "not-a-cursor")
	require.NoError(t, err)
	require.Len(t, again.Items, 10)
	assert.Equal(t, p1.Items[0].ID, again.Items[0].ID)

	// exactly limit rows left: no cursor
	exact, err := svc.List(ctx, "shop-1", 15, "")
	require.NoError(t, err)
	assert.Len(t, exact.Items, 15)
	assert.Nil(t, exact.NextCursor)
}

func TestOrderService_GetUsesCache(t *testing.T) {
	db := testutil.NewDB(t)
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(db, rdb, zap.NewNop().Sugar())
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := NewOrderService(r, clock.NewFixed(fixed), zap.NewNop().Sugar())
	ctx := context.Background()

	cached := model.Order{
		ID: "cached-only", TenantID: "shop-1", Status: model.StatusDraft,
		Version: 1, CreatedAt: fixed, UpdatedAt: fixed,
	}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)
	mock.ExpectGet("order:shop-1:cached-only").SetVal(string(raw))

	// the row does not exist in the db, so a hit proves the cache answered
	got, err := svc.Get(ctx, "shop-1", "cached-only")
	require.NoError(t, err)
	assert.Equal(t, "cached-only", got.ID)
	assert.True(t, fixed.Equal(got.CreatedAt))

	mock.ExpectGet("order:shop-1:missing").RedisNil()
	_, err = svc.Get(ctx, "shop-1", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// mapCacheRepo keeps the order cache in a map. The first invalidation is
// held until release is closed.
type mapCacheRepo struct {
	repo.RepositoryInterface

	mu      sync.Mutex
	cache   map[string]model.Order
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func newMapCacheRepo(base repo.RepositoryInterface) *mapCacheRepo {
	return &mapCacheRepo{
		RepositoryInterface: base,
		cache:               map[string]model.Order{},
		held:                make(chan struct{}),
		release:             make(chan struct{}),
	}
}

func (m *mapCacheRepo) CacheOrder(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[o.TenantID+"/"+o.ID] = *o
	return nil
}

func (m *mapCacheRepo) InvalidateOrder(_ context.Context, tenantID, id string) error {
	first := false
	m.once.Do(func() { first = true })
	if first {
		close(m.held)
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, tenantID+"/"+id)
	return nil
}

func (m *mapCacheRepo) GetCachedOrder(_ context.Context, tenantID, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.cache[tenantID+"/"+id]
	if !ok {
		return nil, repo.ErrCacheDisabled
	}
	return &o, nil
}

func TestOrderService_LateConfirmCacheWriteDoesNotRegress(t *testing.T) {
	cache := newMapCacheRepo(testutil.NewRepository(t))
	svc := NewOrderService(cache, clock.NewSystem(), zap.NewNop().Sugar())
	ctx := context.Background()

	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)
	// warm the cache with v1
	_, err = svc.Get(ctx, "shop-1", o.ID)
	require.NoError(t, err)

	confirmed := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(ctx, "shop-1", o.ID, 1, 500)
		confirmed <- err
	}()

	// confirm has committed v2 and is stuck on its cache step
	<-cache.held
	closed, err := svc.Close(ctx, "shop-1", o.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), closed.Version)

	got, err := svc.Get(ctx, "shop-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)

	close(cache.release)
	require.NoError(t, <-confirmed)

	got, err = svc.Get(ctx, "shop-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)
	assert.Equal(t, int64(3), got.Version)
}

func TestOrderService_MutationsInvalidateCache(t *testing.T) {
	db := testutil.NewDB(t)
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(db, rdb, zap.NewNop().Sugar())
	svc := NewOrderService(r, clock.NewSystem(), zap.NewNop().Sugar())
	ctx := context.Background()

	o, err := svc.Create(ctx, "shop-1")
	require.NoError(t, err)

	key := "order:shop-1:" + o.ID
	mock.ExpectDel(key).SetVal(1)
	_, err = svc.Confirm(ctx, "shop-1", o.ID, 1, 500)
	require.NoError(t, err)

	mock.ExpectDel(key).SetErr(assert.AnError)
	_, err = svc.Close(ctx, "shop-1", o.ID, 2)
	require.NoError(t, err, "cache failures are logged only")

	assert.NoError(t, mock.ExpectationsWereMet())
}
