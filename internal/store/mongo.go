package store

import (
	"context"
	"time"

	"github.com/parlakisik/x402-trust/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	reputation   *mongo.Collection
	settlements  *mongo.Collection
	facilitators *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName, reputationColl, settlementsColl, facilitatorsColl string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		reputation:   db.Collection(reputationColl),
		settlements:  db.Collection(settlementsColl),
		facilitators: db.Collection(facilitatorsColl),
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.reputation.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "counterparty", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.settlements.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "signature_ref", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.facilitators.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) GetReputation(ctx context.Context, counterparty string) (*model.ReputationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res := s.reputation.FindOne(ctx, bson.M{"counterparty": counterparty})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	if res.Err() != nil {
		return nil, res.Err()
	}
	var rec model.ReputationRecord
	if err := res.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) UpsertReputation(ctx context.Context, rec model.ReputationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.reputation.ReplaceOne(ctx,
		bson.M{"counterparty": rec.Counterparty}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetSettlement(ctx context.Context, signatureRef string) (*model.SettlementRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res := s.settlements.FindOne(ctx, bson.M{"signature_ref": signatureRef})
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	if res.Err() != nil {
		return nil, res.Err()
	}
	var rec model.SettlementRecord
	if err := res.Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) SaveSettlement(ctx context.Context, rec model.SettlementRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.settlements.ReplaceOne(ctx,
		bson.M{"signature_ref": rec.SignatureRef}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) UpsertFacilitator(ctx context.Context, rec model.FacilitatorRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.facilitators.ReplaceOne(ctx,
		bson.M{"id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) DeleteFacilitator(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.facilitators.DeleteOne(ctx, bson.M{"id": id})
	return err
}

func (s *MongoStore) ListFacilitators(ctx context.Context) ([]model.FacilitatorRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.facilitators.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.FacilitatorRecord
	for cur.Next(ctx) {
		var rec model.FacilitatorRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}
