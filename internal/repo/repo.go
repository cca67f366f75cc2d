package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/order-service/internal/model"
	"github.com/richardliu001/order-service/internal/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orderCacheTTL = 5 * time.Minute

// ErrCacheDisabled is returned by cache reads when no Redis client is configured.
var ErrCacheDisabled = errors.New("order cache disabled")

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
// Methods taking tx run inside the caller's transaction.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateOrder(ctx context.Context, tx *gorm.DB, o *model.Order) error
	GetOrder(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.Order, error)
	GetOrderForUpdate(ctx context.Context, tx *gorm.DB, tenantID, id string) (*model.Order, error)
	ConfirmOrder(ctx context.Context, tx *gorm.DB, tenantID, id string, expectedVersion, totalCents int64, now time.Time) (int64, error)
	CloseOrder(ctx context.Context, tx *gorm.DB, tenantID, id string, expectedVersion int64, now time.Time) (int64, error)
	ListOrders(ctx context.Context, tenantID string, after *pagination.Cursor, n int) ([]model.Order, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	CountOutboxEvents(ctx context.Context, orderID string) (int64, error)
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error

	LockIdempotencyRecord(ctx context.Context, tx *gorm.DB, tenantID, key string, body []byte, now time.Time) (*model.IdempotencyRecord, bool, error)
	ResetIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord, body []byte, now time.Time) error
	SetIdempotencyRequest(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord, body []byte) error
	SaveIdempotencyResponse(ctx context.Context, tx *gorm.DB, tenantID, key string, status int, body []byte) error

	CacheOrder(ctx context.Context, o *model.Order) error
	InvalidateOrder(ctx context.Context, tenantID, id string) error
	GetCachedOrder(ctx context.Context, tenantID, id string) (*model.Order, error)
}

// Repository implements RepositoryInterface on gorm with an optional Redis read cache.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo. rdb may be nil, which disables the order cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Migrate creates or updates the order, outbox and idempotency tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Order{}, &model.OutboxEvent{}, &model.IdempotencyRecord{})
}

func orderCacheKey(tenantID, id string) string {
	return fmt.Sprintf("order:%s:%s", tenantID, id)
}

// CacheOrder writes the order resource to Redis.
func (r *Repository) CacheOrder(ctx context.Context, o *model.Order) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, orderCacheKey(o.TenantID, o.ID), string(data), orderCacheTTL).Err()
}

// InvalidateOrder drops the cached copy so the next read reloads it from the
// database. Mutations use this rather than CacheOrder, so commits that finish
// out of order never leave an older version cached.
func (r *Repository) InvalidateOrder(ctx context.Context, tenantID, id string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, orderCacheKey(tenantID, id)).Err()
}

// GetCachedOrder reads Redis. A miss returns redis.Nil.
func (r *Repository) GetCachedOrder(ctx context.Context, tenantID, id string) (*model.Order, error) {
	if r.rdb == nil {
		return nil, ErrCacheDisabled
	}
	str, err := r.rdb.Get(ctx, orderCacheKey(tenantID, id)).Result()
	if err != nil {
		return nil, err
	}
	var o model.Order
	if err := json.Unmarshal([]byte(str), &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
