package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MongoStore keeps rides and drivers as documents. Transactions need a replica
// set; writes are conditioned on the version read inside the transaction.
type MongoStore struct {
	client   *mongo.Client
	rides    *mongo.Collection
	drivers  *mongo.Collection
	attempts int
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	db := client.Database(database)
	return &MongoStore{
		client:   client,
		rides:    db.Collection("rides"),
		drivers:  db.Collection("drivers"),
		attempts: DefaultTxAttempts,
	}, nil
}

// EnsureIndexes creates the indexes the sweep and the proximity search use.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.drivers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "location.geohash", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("drivers index: %w", err)
	}
	_, err = m.rides.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "dispatch.offer_expires_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("rides index: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) RunTx(ctx context.Context, fn TxFunc) error {
	var err error
	for i := 0; i < m.attempts; i++ {
		err = m.runOnce(ctx, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", m.attempts, err)
}

func (m *MongoStore) runOnce(ctx context.Context, fn TxFunc) error {
	session, err := m.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		tx := &mongoTx{store: m, rides: map[string]*models.Ride{}, drivers: map[string]*models.Driver{}}
		return nil, fn(sc, tx)
	})
	return err
}

type mongoTx struct {
	store   *MongoStore
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
}

func (t *mongoTx) Ride(ctx context.Context, id string) (*models.Ride, error) {
	if r, ok := t.rides[id]; ok {
		return r, nil
	}
	var r models.Ride
	err := t.store.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	t.rides[id] = &r
	return &r, nil
}

func (t *mongoTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return d, nil
	}
	var d models.Driver
	err := t.store.drivers.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	t.drivers[id] = &d
	return &d, nil
}

func (t *mongoTx) PutRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	next := r.Clone()
	next.Version = r.Version + 1
	next.UpdatedAt = time.Now().UTC()
	res, err := t.store.rides.ReplaceOne(ctx, bson.M{"_id": r.ID, "version": r.Version}, next)
	if err != nil {
		return fmt.Errorf("failed to update ride: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("ride %s: %w", r.ID, ErrConflict)
	}
	r.Version = next.Version
	return nil
}

func (t *mongoTx) PutDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	next := d.Clone()
	next.Version = d.Version + 1
	next.UpdatedAt = time.Now().UTC()
	res, err := t.store.drivers.ReplaceOne(ctx, bson.M{"_id": d.ID, "version": d.Version}, next)
	if err != nil {
		return fmt.Errorf("failed to update driver: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("driver %s: %w", d.ID, ErrConflict)
	}
	d.Version = next.Version
	return nil
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c := r.Clone()
	c.Version = 1
	_, err := m.rides.InsertOne(ctx, c)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("ride %s exists: %w", r.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create ride: %w", err)
	}
	return nil
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return &r, nil
}

func (m *MongoStore) DueForSweep(ctx context.Context, now, stalledBefore time.Time, limit int) ([]string, error) {
	filter := bson.M{
		"status": models.RideSearching,
		"$or": bson.A{
			bson.M{"dispatch.offer_expires_at": bson.M{"$lte": now}},
			bson.M{"dispatch.current_offered_driver_id": "", "updated_at": bson.M{"$lte": stalledBefore}},
		},
	}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.rides.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find due rides: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

func (m *MongoStore) RecordLastError(ctx context.Context, rideID, code string) error {
	res, err := m.rides.UpdateOne(ctx, bson.M{"_id": rideID}, bson.M{
		"$set": bson.M{"dispatch.last_error": code, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to record last error: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("ride %s: %w", rideID, ErrNotFound)
	}
	return nil
}

func (m *MongoStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}
	set := bson.M{
		"approved":      d.Approved,
		"presence":      d.Presence,
		"dispatch_lock": d.Lock,
		"lock_ride_id":  d.LockRideID,
		"updated_at":    time.Now().UTC(),
	}
	if d.Location != nil {
		set["location"] = d.Location
	}
	_, err := m.drivers.UpdateOne(ctx, bson.M{"_id": d.ID},
		bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert driver: %w", err)
	}
	return nil
}

func (m *MongoStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	err := m.drivers.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return &d, nil
}

func (m *MongoStore) GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error) {
	return m.findDrivers(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

func (m *MongoStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Location) error {
	res, err := m.drivers.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"location": loc, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *MongoStore) DriversInRange(ctx context.Context, r geo.Range) ([]models.Driver, error) {
	filter := bson.M{
		"approved":         true,
		"presence":         models.PresenceOnline,
		"dispatch_lock":    models.LockAvailable,
		"location.geohash": bson.M{"$gte": r.Start, "$lte": r.End},
	}
	opts := options.Find().SetSort(bson.D{{Key: "location.geohash", Value: 1}, {Key: "_id", Value: 1}})
	return m.findDrivers(ctx, filter, opts)
}

// findDrivers skips documents that fail validation.
func (m *MongoStore) findDrivers(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Driver, error) {
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cursor, err := m.drivers.Find(ctx, filter, findOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to find drivers: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.Driver
	for cursor.Next(ctx) {
		var d models.Driver
		if err := cursor.Decode(&d); err != nil {
			continue
		}
		if d.Validate() != nil {
			continue
		}
		out = append(out, d)
	}
	return out, cursor.Err()
}
