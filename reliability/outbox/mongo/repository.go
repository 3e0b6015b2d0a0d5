package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCollection is the collection name used by host services.
const DefaultCollection = "outbox_events"

var (
	ErrCollectionRequired = errors.New("outbox mongo: collection is required")
	ErrLimitNotPositive   = errors.New("outbox mongo: limit must be greater than zero")
)

var _ outbox.Repository = (*Repository)(nil)

type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) { repo.logger = log.OrNop(logger) }
}

// Repository persists outbox records in a MongoDB collection.
type Repository struct {
	coll   *mongodriver.Collection
	logger log.Logger
}

// NewRepository creates a repository over coll.
func NewRepository(coll *mongodriver.Collection, opts ...Option) (*Repository, error) {
	if coll == nil {
		return nil, ErrCollectionRequired
	}

	repo := &Repository{coll: coll, logger: log.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

// Indexes returns the indexes the polling queries rely on.
func Indexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "processingStartedAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "retryCount", Value: 1}, {Key: "lastAttempt", Value: 1}}},
	}
}

func (repo *Repository) Insert(ctx context.Context, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.outbox.insert")
	defer span.End()

	if _, err := repo.coll.InsertOne(ctx, record); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to insert outbox record", err)
		return fmt.Errorf("inserting outbox record: %w", err)
	}

	return nil
}

func (repo *Repository) FindPending(ctx context.Context, limit, maxRetries int) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitNotPositive
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.outbox.find_pending")
	defer span.End()

	filter := bson.M{"status": outbox.StatusPending, "retryCount": bson.M{"$lt": maxRetries}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := repo.coll.Find(ctx, filter, opts)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list pending outbox records", err)
		return nil, fmt.Errorf("querying outbox records: %w", err)
	}

	records := make([]*outbox.Record, 0, limit)
	if err := cursor.All(ctx, &records); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to decode outbox records", err)
		return nil, fmt.Errorf("decoding outbox records: %w", err)
	}

	return records, nil
}

func (repo *Repository) Claim(ctx context.Context, id string, expectedRetryCount int, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "status": outbox.StatusPending, "retryCount": expectedRetryCount}
	update := bson.M{"$set": bson.M{
		"status":              outbox.StatusProcessing,
		"processingStartedAt": now,
		"lastAttempt":         now,
		"updatedAt":           now,
	}}

	return repo.updateOne(ctx, "mongo.outbox.claim", filter, update)
}

func (repo *Repository) MarkPublished(ctx context.Context, id string, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "status": outbox.StatusProcessing}
	update := bson.M{
		"$set":   bson.M{"status": outbox.StatusPublished, "publishedAt": now, "updatedAt": now},
		"$unset": bson.M{"processingStartedAt": "", "error": ""},
	}

	return repo.updateOne(ctx, "mongo.outbox.mark_published", filter, update)
}

func (repo *Repository) MarkFailed(ctx context.Context, id string, expectedRetryCount int, errMsg string, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "status": outbox.StatusProcessing, "retryCount": expectedRetryCount}
	update := bson.M{
		"$set":   bson.M{"status": outbox.StatusFailed, "error": errMsg, "lastAttempt": now, "updatedAt": now},
		"$inc":   bson.M{"retryCount": 1},
		"$unset": bson.M{"processingStartedAt": ""},
	}

	return repo.updateOne(ctx, "mongo.outbox.mark_failed", filter, update)
}

func (repo *Repository) ResetStuck(ctx context.Context, processingBefore time.Time) (int64, error) {
	filter := bson.M{"status": outbox.StatusProcessing, "processingStartedAt": bson.M{"$lt": processingBefore}}
	update := bson.M{
		"$set":   bson.M{"status": outbox.StatusPending, "updatedAt": time.Now().UTC()},
		"$unset": bson.M{"processingStartedAt": ""},
	}

	return repo.updateMany(ctx, "mongo.outbox.reset_stuck", filter, update)
}

// ResetFailedForRetry selects up to limit eligible ids, oldest first, then
// resets them with a filter that still requires status failed, so records
// moved by a concurrent monitor are skipped.
func (repo *Repository) ResetFailedForRetry(ctx context.Context, failedBefore time.Time, maxRetries, limit int) (int64, error) {
	if limit <= 0 {
		return 0, ErrLimitNotPositive
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.outbox.reset_failed")
	defer span.End()

	eligible := bson.M{
		"status":      outbox.StatusFailed,
		"retryCount":  bson.M{"$lt": maxRetries},
		"lastAttempt": bson.M{"$lt": failedBefore},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := repo.coll.Find(ctx, eligible, opts)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list failed outbox records", err)
		return 0, fmt.Errorf("querying failed outbox records: %w", err)
	}

	var ids []struct {
		ID string `bson:"_id"`
	}

	if err := cursor.All(ctx, &ids); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to decode outbox ids", err)
		return 0, fmt.Errorf("decoding outbox ids: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	in := make([]string, 0, len(ids))
	for _, doc := range ids {
		in = append(in, doc.ID)
	}

	eligible["_id"] = bson.M{"$in": in}
	update := bson.M{"$set": bson.M{"status": outbox.StatusPending, "updatedAt": time.Now().UTC()}}

	return repo.updateMany(ctx, "mongo.outbox.reset_failed.update", eligible, update)
}

func (repo *Repository) CountFailed(ctx context.Context, maxRetries int) (int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.outbox.count_failed")
	defer span.End()

	n, err := repo.coll.CountDocuments(ctx, bson.M{
		"status":     outbox.StatusFailed,
		"retryCount": bson.M{"$gte": maxRetries},
	})
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to count failed outbox records", err)
		return 0, fmt.Errorf("counting failed outbox records: %w", err)
	}

	return n, nil
}

// Get returns the record with id, or outbox.ErrRecordNotFound.
func (repo *Repository) Get(ctx context.Context, id string) (*outbox.Record, error) {
	var record outbox.Record

	err := repo.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, outbox.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return &record, nil
}

func (repo *Repository) updateOne(ctx context.Context, spanName string, filter, update bson.M) (bool, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, spanName)
	defer span.End()

	res, err := repo.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		repo.fail(ctx, &span, spanName, err)
		return false, fmt.Errorf("%s: %w", spanName, err)
	}

	return res.MatchedCount == 1, nil
}

func (repo *Repository) updateMany(ctx context.Context, spanName string, filter, update bson.M) (int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, spanName)
	defer span.End()

	res, err := repo.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		repo.fail(ctx, &span, spanName, err)
		return 0, fmt.Errorf("%s: %w", spanName, err)
	}

	return res.ModifiedCount, nil
}

func (repo *Repository) fail(ctx context.Context, span *trace.Span, operation string, err error) {
	opentelemetry.HandleSpanError(span, "outbox update failed", err)
	repo.logger.Log(ctx, log.LevelError, "outbox mongo update failed",
		log.String("operation", operation), log.String("error", log.SanitizeValue(err.Error())))
}
