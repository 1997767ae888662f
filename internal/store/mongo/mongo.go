// Package mongo adapts ports.DurableStore onto MongoDB collections, one
// collection per logical table.
package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/ports"
)

type Store struct {
	db *mongo.Database
}

func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Connect dials the server and verifies the connection.
func Connect(ctx context.Context, uri, dbName string) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransient, "mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransient, "mongo ping", err)
	}
	return New(client.Database(dbName)), client.Disconnect, nil
}

func (s *Store) Insert(ctx context.Context, table string, row ports.Row) error {
	_, err := s.db.Collection(table).InsertOne(ctx, bson.M(row))
	return classify("insert "+table, err)
}

func (s *Store) Update(ctx context.Context, table string, filter ports.Filter, set ports.Row) (int, error) {
	res, err := s.db.Collection(table).UpdateMany(ctx, bson.M(filter), bson.M{"$set": bson.M(set)})
	if err != nil {
		return 0, classify("update "+table, err)
	}
	return int(res.ModifiedCount), nil
}

func (s *Store) Delete(ctx context.Context, table string, filter ports.Filter) (int, error) {
	res, err := s.db.Collection(table).DeleteMany(ctx, bson.M(filter))
	if err != nil {
		return 0, classify("delete "+table, err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Select(ctx context.Context, table string, filter ports.Filter, orderBy string) ([]ports.Row, error) {
	opts := options.Find()
	if orderBy != "" {
		field, dir := orderBy, 1
		if field[0] == '-' {
			field, dir = field[1:], -1
		}
		opts.SetSort(bson.D{{Key: field, Value: dir}})
	}
	if filter == nil {
		filter = ports.Filter{}
	}
	cur, err := s.db.Collection(table).Find(ctx, bson.M(filter), opts)
	if err != nil {
		return nil, classify("select "+table, err)
	}
	defer cur.Close(ctx)

	var out []ports.Row
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, classify("decode "+table, err)
		}
		out = append(out, normalize(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, classify("cursor "+table, err)
	}
	return out, nil
}

// normalize converts bson decode artifacts back to the plain types the row
// codecs expect.
func normalize(doc bson.M) ports.Row {
	row := make(ports.Row, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		switch t := v.(type) {
		case primitive.DateTime:
			row[k] = t.Time().UTC()
		case bson.A:
			arr := make([]any, len(t))
			copy(arr, t)
			row[k] = arr
		default:
			row[k] = v
		}
	}
	return row
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 13 { // Unauthorized
		return apperr.Wrap(apperr.KindAuthorization, op, err)
	}
	return apperr.Wrap(apperr.KindInternal, op, err)
}
