package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/deadletter"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/opentelemetry"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultCollection is the collection name used by host services.
const DefaultCollection = "dead_letters"

var (
	ErrCollectionRequired = errors.New("deadletter mongo: collection is required")
	ErrLimitNotPositive   = errors.New("deadletter mongo: limit must be greater than zero")
)

var _ deadletter.Repository = (*Repository)(nil)

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) { repo.logger = log.OrNop(logger) }
}

// Repository persists dead-letter records in a MongoDB collection.
type Repository struct {
	coll   *mongodriver.Collection
	logger log.Logger
}

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

// Indexes returns the indexes the eligibility and stuck queries rely on.
func Indexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "nextRetryAt", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "processingStartedAt", Value: 1}}},
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "eventId", Value: 1}}},
	}
}

// eligibleFilter matches pending records due at now and below their own
// retry ceiling.
func eligibleFilter(now time.Time) bson.M {
	return bson.M{
		"status":      deadletter.StatusPending,
		"nextRetryAt": bson.M{"$lte": now},
		"$expr":       bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
	}
}

func (repo *Repository) Insert(ctx context.Context, record *deadletter.Record) error {
	if record == nil {
		return deadletter.ErrRecordRequired
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.deadletter.insert")
	defer span.End()

	if _, err := repo.coll.InsertOne(ctx, record); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to insert deadletter record", err)
		return fmt.Errorf("inserting deadletter record: %w", err)
	}

	return nil
}

func (repo *Repository) FindEligible(ctx context.Context, now time.Time, limit int) ([]*deadletter.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitNotPositive
	}

	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.deadletter.find_eligible")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "nextRetryAt", Value: 1}}).SetLimit(int64(limit))

	cursor, err := repo.coll.Find(ctx, eligibleFilter(now), opts)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to list eligible deadletter records", err)
		return nil, fmt.Errorf("querying deadletter records: %w", err)
	}

	records := make([]*deadletter.Record, 0, limit)
	if err := cursor.All(ctx, &records); err != nil {
		opentelemetry.HandleSpanError(&span, "failed to decode deadletter records", err)
		return nil, fmt.Errorf("decoding deadletter records: %w", err)
	}

	return records, nil
}

func (repo *Repository) Claim(ctx context.Context, id, processorID string, now time.Time) (bool, error) {
	filter := eligibleFilter(now)
	filter["_id"] = id

	update := bson.M{"$set": bson.M{
		"status":              deadletter.StatusProcessing,
		"processorId":         processorID,
		"processingStartedAt": now,
	}}

	return repo.updateOne(ctx, "mongo.deadletter.claim", filter, update)
}

func (repo *Repository) MarkCompleted(ctx context.Context, id, processorID string, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "status": deadletter.StatusProcessing, "processorId": processorID}
	update := bson.M{
		"$set":   bson.M{"status": deadletter.StatusCompleted, "completedAt": now},
		"$unset": bson.M{"processingStartedAt": ""},
	}

	return repo.updateOne(ctx, "mongo.deadletter.mark_completed", filter, update)
}

func (repo *Repository) MarkRetry(ctx context.Context, id, processorID string, u deadletter.RetryUpdate) (bool, error) {
	filter := bson.M{"_id": id, "status": deadletter.StatusProcessing, "processorId": processorID}
	update := bson.M{
		"$set": bson.M{
			"status":      u.Status,
			"retryCount":  u.RetryCount,
			"nextRetryAt": u.NextRetryAt,
			"error":       u.Error,
		},
		"$unset": bson.M{"processorId": "", "processingStartedAt": ""},
	}

	return repo.updateOne(ctx, "mongo.deadletter.mark_retry", filter, update)
}

func (repo *Repository) ResetStuck(ctx context.Context, processingBefore time.Time) (int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.deadletter.reset_stuck")
	defer span.End()

	filter := bson.M{"status": deadletter.StatusProcessing, "processingStartedAt": bson.M{"$lt": processingBefore}}
	update := bson.M{
		"$set":   bson.M{"status": deadletter.StatusPending},
		"$unset": bson.M{"processorId": "", "processingStartedAt": ""},
	}

	res, err := repo.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to reset stuck deadletter records", err)
		return 0, fmt.Errorf("resetting stuck deadletter records: %w", err)
	}

	return res.ModifiedCount, nil
}

func (repo *Repository) CountByStatus(ctx context.Context) (map[deadletter.Status]int64, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, "mongo.deadletter.count_by_status")
	defer span.End()

	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}

	cursor, err := repo.coll.Aggregate(ctx, pipeline)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "failed to count deadletter records", err)
		return nil, fmt.Errorf("counting deadletter records: %w", err)
	}

	var groups []struct {
		Status deadletter.Status `bson:"_id"`
		Count  int64             `bson:"count"`
	}

	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("decoding deadletter counts: %w", err)
	}

	counts := make(map[deadletter.Status]int64, len(groups))
	for _, g := range groups {
		counts[g.Status] = g.Count
	}

	return counts, nil
}

// Get returns the record with id, or deadletter.ErrRecordNotFound.
func (repo *Repository) Get(ctx context.Context, id string) (*deadletter.Record, error) {
	var record deadletter.Record

	err := repo.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, deadletter.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting deadletter record: %w", err)
	}

	return &record, nil
}

func (repo *Repository) updateOne(ctx context.Context, spanName string, filter, update bson.M) (bool, error) {
	ctx, span := reliability.NewTrackingFromContext(ctx).Tracer.Start(ctx, spanName)
	defer span.End()

	res, err := repo.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "deadletter update failed", err)
		repo.logger.Log(ctx, log.LevelError, "deadletter mongo update failed",
			log.String("operation", spanName), log.String("error", log.SanitizeValue(err.Error())))

		return false, fmt.Errorf("%s: %w", spanName, err)
	}

	return res.MatchedCount == 1, nil
}
