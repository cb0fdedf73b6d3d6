package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"debatenow/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UserStatsCollection holds one models.UserStats document per user.
const UserStatsCollection = "userStats"

// MongoSink keeps user totals in MongoDB.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
	rater  *Glicko2
}

func NewMongoSink(client *mongo.Client, database *mongo.Database) *MongoSink {
	return &MongoSink{
		client: client,
		coll:   database.Collection(UserStatsCollection),
		rater:  NewGlicko2(RatingConfig{}),
	}
}

// outcomePipeline is an update pipeline, so the streak reset and the
// increments read the stored values in one write.
func outcomePipeline(won bool) mongo.Pipeline {
	ifNull := func(field string) bson.A { return bson.A{"$" + field, 0} }
	set := bson.D{{Key: "updatedAt", Value: "$$NOW"}}
	if won {
		set = append(set,
			bson.E{Key: "wins", Value: bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: ifNull("wins")}}, 1}}}},
			bson.E{Key: "losses", Value: bson.D{{Key: "$ifNull", Value: ifNull("losses")}}},
			bson.E{Key: "streak", Value: bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: ifNull("streak")}}, 1}}}},
		)
	} else {
		set = append(set,
			bson.E{Key: "wins", Value: bson.D{{Key: "$ifNull", Value: ifNull("wins")}}},
			bson.E{Key: "losses", Value: bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: ifNull("losses")}}, 1}}}},
			bson.E{Key: "streak", Value: 0},
		)
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (s *MongoSink) RecordOutcome(ctx context.Context, userID string, won bool) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": userID}, outcomePipeline(won), options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update stats of %s: %w", userID, err)
	}
	return nil
}

// RecordResult updates both users and their ratings in one transaction.
func (s *MongoSink) RecordResult(ctx context.Context, winnerID, loserID string, at time.Time) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		w, err := s.load(sc, winnerID)
		if err != nil {
			return nil, err
		}
		l, err := s.load(sc, loserID)
		if err != nil {
			return nil, err
		}
		wr, lr := ratingOf(w, s.rater), ratingOf(l, s.rater)
		s.rater.Decide(&wr, &lr, at)
		setRating(&w, wr)
		setRating(&l, lr)
		applyOutcome(&w, true)
		applyOutcome(&l, false)
		for _, u := range []models.UserStats{w, l} {
			if _, err := s.coll.ReplaceOne(sc, bson.M{"_id": u.UserID}, u, options.Replace().SetUpsert(true)); err != nil {
				return nil, fmt.Errorf("write stats of %s: %w", u.UserID, err)
			}
		}
		return nil, nil
	})
	return err
}

func (s *MongoSink) load(ctx context.Context, userID string) (models.UserStats, error) {
	var u models.UserStats
	err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return u, fmt.Errorf("load stats of %s: %w", userID, err)
	}
	return u, nil
}

func (s *MongoSink) Leaderboard(ctx context.Context, limit int) ([]models.UserStats, error) {
	opts := options.Find().SetSort(bson.D{{Key: "wins", Value: -1}, {Key: "rating", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.UserStats
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return out, nil
}
