package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"debatenow/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	WaitingCollection          = "waiting"
	MatchesCollection          = "matches"
	OfferCandidatesCollection  = "offerCandidates"
	AnswerCandidatesCollection = "answerCandidates"
)

// MongoStore implements Store on MongoDB. Transactions and change streams
// require a replica set.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	waiting *mongo.Collection
	matches *mongo.Collection
	offers  *mongo.Collection
	answers *mongo.Collection
}

// NewMongoStore wraps an already connected client.
func NewMongoStore(client *mongo.Client, database *mongo.Database) *MongoStore {
	return &MongoStore{
		client:  client,
		db:      database,
		waiting: database.Collection(WaitingCollection),
		matches: database.Collection(MatchesCollection),
		offers:  database.Collection(OfferCandidatesCollection),
		answers: database.Collection(AnswerCandidatesCollection),
	}
}

var _ Store = (*MongoStore)(nil)

// EnsureIndexes creates the indexes the pairing and signaling queries use.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.waiting, []mongo.IndexModel{
			{Keys: bson.D{{Key: "role", Value: 1}, {Key: "joinedAt", Value: 1}}},
			{Keys: bson.D{{Key: "userId", Value: 1}}},
		}},
		{s.matches, []mongo.IndexModel{
			{Keys: bson.D{{Key: "initiatorId", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "active", Value: 1}}},
		}},
		{s.offers, []mongo.IndexModel{{Keys: bson.D{{Key: "matchId", Value: 1}, {Key: "timestamp", Value: 1}}}}},
		{s.answers, []mongo.IndexModel{{Keys: bson.D{{Key: "matchId", Value: 1}, {Key: "timestamp", Value: 1}}}}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

// insertStamped inserts doc under id with field set to server time.
func insertStamped(ctx context.Context, coll *mongo.Collection, id string, doc any, field string) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return err
	}
	delete(fields, "_id")
	delete(fields, field)
	update := bson.M{
		"$setOnInsert": fields,
		"$currentDate": bson.M{field: true},
	}
	_, err = coll.UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) AddWaiting(ctx context.Context, entry models.WaitingEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := insertStamped(ctx, s.waiting, entry.ID, entry, "joinedAt"); err != nil {
		return "", fmt.Errorf("add waiting entry: %w", err)
	}
	return entry.ID, nil
}

func (s *MongoStore) DeleteWaiting(ctx context.Context, id string) error {
	if _, err := s.waiting.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete waiting entry: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteWaitingForUser(ctx context.Context, userID string) (int, error) {
	res, err := s.waiting.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("delete waiting entries: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) ListWaiting(ctx context.Context, role string) ([]models.WaitingEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "joinedAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.waiting.Find(ctx, bson.M{"role": role}, opts)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	var out []models.WaitingEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode waiting entries: %w", err)
	}
	return out, nil
}

func (s *MongoStore) WatchWaiting(ctx context.Context, role string) (<-chan models.WaitingEntry, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":     "insert",
			"fullDocument.role": role,
		}}},
	}
	cs, err := s.waiting.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watch waiting pool: %w", err)
	}
	existing, err := s.ListWaiting(ctx, role)
	if err != nil {
		cs.Close(ctx)
		return nil, err
	}
	out := make(chan models.WaitingEntry)
	go pump(ctx, cs, existing, func(e models.WaitingEntry) string { return e.ID }, out)
	return out, nil
}

func (s *MongoStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	if err := s.matches.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get match: %w", err)
	}
	return &m, nil
}

func activeSeatFilter(userID string) bson.M {
	return bson.M{
		"active": true,
		"$or": bson.A{
			bson.M{"initiatorId": userID},
			bson.M{"receiverId": userID},
		},
	}
}

func (s *MongoStore) ActiveMatchesFor(ctx context.Context, userID string) ([]*models.Match, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.matches.Find(ctx, activeSeatFilter(userID), opts)
	if err != nil {
		return nil, fmt.Errorf("find active matches: %w", err)
	}
	var out []*models.Match
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	return out, nil
}

var matchWriteOps = bson.A{"insert", "update", "replace"}

func (s *MongoStore) WatchMatch(ctx context.Context, id string) (<-chan *models.Match, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": id,
			"operationType":   bson.M{"$in": matchWriteOps},
		}}},
	}
	cs, err := s.matches.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch match: %w", err)
	}
	m, err := s.GetMatch(ctx, id)
	if err != nil {
		cs.Close(ctx)
		return nil, err
	}
	out := make(chan *models.Match)
	go pump(ctx, cs, []*models.Match{m}, nil, out)
	return out, nil
}

func (s *MongoStore) WatchMatchesFor(ctx context.Context, userID string) (<-chan *models.Match, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":       bson.M{"$in": matchWriteOps},
			"fullDocument.active": true,
			"$or": bson.A{
				bson.M{"fullDocument.initiatorId": userID},
				bson.M{"fullDocument.receiverId": userID},
			},
		}}},
	}
	cs, err := s.matches.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch matches for user: %w", err)
	}
	existing, err := s.ActiveMatchesFor(ctx, userID)
	if err != nil {
		cs.Close(ctx)
		return nil, err
	}
	out := make(chan *models.Match)
	go pump(ctx, cs, existing, nil, out)
	return out, nil
}

func (s *MongoStore) UpdateMatch(ctx context.Context, id string, u MatchUpdate) error {
	return updateMatch(ctx, s.matches, id, u)
}

func updateMatch(ctx context.Context, coll *mongo.Collection, id string, u MatchUpdate) error {
	if u.IsZero() {
		return nil
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, matchUpdateDoc(u))
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// matchUpdateDoc renders u as $set, $unset and $currentDate operators.
func matchUpdateDoc(u MatchUpdate) bson.M {
	set := bson.M{}
	put := func(field string, ok bool, v any) {
		if ok {
			set[field] = v
		}
	}
	put("offer", u.Offer != nil, u.Offer)
	put("answer", u.Answer != nil, u.Answer)
	if u.RenegotiateGeneration != nil {
		set["renegotiateGeneration"] = *u.RenegotiateGeneration
	}
	if u.DebateStarted != nil {
		set["debateStarted"] = *u.DebateStarted
	}
	if u.DebateStageIndex != nil {
		set["debateStageIndex"] = *u.DebateStageIndex
	}
	if u.DebateEnded != nil {
		set["debateEnded"] = *u.DebateEnded
	}
	if u.Active != nil {
		set["active"] = *u.Active
	}
	if u.DisconnectedUserID != nil {
		set["disconnectedUserId"] = *u.DisconnectedUserID
	}
	if u.DisconnectionReason != nil {
		set["disconnectionReason"] = *u.DisconnectionReason
	}
	if u.CleanedUp != nil {
		set["cleanedUp"] = *u.CleanedUp
	}
	put("dominancePenalty", u.DominancePenalty != nil, u.DominancePenalty)
	put("openDiscussionStats", u.OpenDiscussionStats != nil, u.OpenDiscussionStats)
	if u.InitiatorTranscript != nil {
		set["initiatorTranscript"] = *u.InitiatorTranscript
	}
	if u.ReceiverTranscript != nil {
		set["receiverTranscript"] = *u.ReceiverTranscript
	}
	if u.JudgingClaimedBy != nil {
		set["judgingClaimedBy"] = *u.JudgingClaimedBy
	}
	if u.Evaluation != nil {
		set["evaluation"] = *u.Evaluation
	}
	if u.Winner != nil {
		set["winner"] = *u.Winner
	}

	doc := bson.M{}
	if len(set) > 0 {
		doc["$set"] = set
	}
	if u.ClearAnswer && u.Answer == nil {
		doc["$unset"] = bson.M{"answer": ""}
	}
	stamps := bson.M{}
	if u.StageStartNow {
		stamps["stageStartTime"] = true
	}
	if u.EndedAtNow {
		stamps["endedAt"] = true
	}
	if len(stamps) > 0 {
		doc["$currentDate"] = stamps
	}
	return doc
}

func (s *MongoStore) candidates(role models.CandidateRole) *mongo.Collection {
	if role == models.CandidateOfferer {
		return s.offers
	}
	return s.answers
}

func (s *MongoStore) AddCandidate(ctx context.Context, rec models.IceCandidateRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := insertStamped(ctx, s.candidates(rec.Role), rec.ID, rec, "timestamp"); err != nil {
		return "", fmt.Errorf("add candidate: %w", err)
	}
	return rec.ID, nil
}

func (s *MongoStore) ListCandidates(ctx context.Context, matchID string, role models.CandidateRole) ([]models.IceCandidateRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.candidates(role).Find(ctx, bson.M{"matchId": matchID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	var out []models.IceCandidateRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}

func (s *MongoStore) WatchCandidates(ctx context.Context, matchID string, role models.CandidateRole) (<-chan models.IceCandidateRecord, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":        "insert",
			"fullDocument.matchId": matchID,
		}}},
	}
	cs, err := s.candidates(role).Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watch candidates: %w", err)
	}
	existing, err := s.ListCandidates(ctx, matchID, role)
	if err != nil {
		cs.Close(ctx)
		return nil, err
	}
	out := make(chan models.IceCandidateRecord)
	go pump(ctx, cs, existing, func(r models.IceCandidateRecord) string { return r.ID }, out)
	return out, nil
}

// RunTransaction runs fn in a session transaction. The driver retries
// transient write conflicts; a conflict that survives its retries is
// reported as ErrConflict.
func (s *MongoStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	var callbackErr error
	attempts := 0
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		attempts++
		if attempts > maxTransactionAttempts {
			return nil, ErrConflict
		}
		callbackErr = fn(&mongoTx{s: s, ctx: sc})
		return nil, callbackErr
	})
	if err == nil {
		return nil
	}
	if callbackErr != nil && errors.Is(err, callbackErr) {
		return callbackErr
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return ErrConflict
	}
	return err
}

type mongoTx struct {
	s   *MongoStore
	ctx mongo.SessionContext
}

func (tx *mongoTx) GetWaiting(id string) (*models.WaitingEntry, error) {
	var e models.WaitingEntry
	if err := tx.s.waiting.FindOne(tx.ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (tx *mongoTx) DeleteWaiting(id string) error {
	_, err := tx.s.waiting.DeleteOne(tx.ctx, bson.M{"_id": id})
	return err
}

func (tx *mongoTx) GetMatch(id string) (*models.Match, error) {
	var m models.Match
	if err := tx.s.matches.FindOne(tx.ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (tx *mongoTx) HasActiveMatch(userID string) (bool, error) {
	n, err := tx.s.matches.CountDocuments(tx.ctx, activeSeatFilter(userID), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (tx *mongoTx) CreateMatch(m *models.Match) (string, error) {
	c := m.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := insertStamped(tx.ctx, tx.s.matches, c.ID, c, "createdAt"); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (tx *mongoTx) UpdateMatch(id string, u MatchUpdate) error {
	return updateMatch(tx.ctx, tx.s.matches, id, u)
}

// Now reads the server's clock from the hello command.
func (s *MongoStore) Now(ctx context.Context) (time.Time, error) {
	var res struct {
		LocalTime time.Time `bson:"localTime"`
	}
	if err := s.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res); err != nil {
		return time.Time{}, fmt.Errorf("read server time: %w", err)
	}
	return res.LocalTime, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type changeEvent[T any] struct {
	FullDocument T `bson:"fullDocument"`
}

// pump delivers initial and then every change stream document to out. When
// key is set, stream documents already delivered from initial are skipped.
func pump[T any](ctx context.Context, cs *mongo.ChangeStream, initial []T, key func(T) string, out chan<- T) {
	defer close(out)
	defer cs.Close(context.Background())

	seen := make(map[string]bool)
	for _, v := range initial {
		if key != nil {
			seen[key(v)] = true
		}
		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
	for cs.Next(ctx) {
		var ev changeEvent[T]
		if err := cs.Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("store: undecodable change event")
			continue
		}
		if key != nil {
			k := key(ev.FullDocument)
			if seen[k] {
				delete(seen, k)
				continue
			}
		}
		select {
		case out <- ev.FullDocument:
		case <-ctx.Done():
			return
		}
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("store: change stream ended")
	}
}
