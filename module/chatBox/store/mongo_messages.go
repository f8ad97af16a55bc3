package store

import (
	"context"

	"SupportChat/module/chat/model"
	"SupportChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoMessageStore struct {
	coll *mongo.Collection
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	return &MongoMessageStore{coll: db.Collection(model.MsgTableName)}
}

// EnsureIndexes creates the history index (room, newest first).
func (s *MongoMessageStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "read", Value: 1}}},
	})
	return errs.WrapMsg(err, "ensure message indexes")
}

func (s *MongoMessageStore) Append(ctx context.Context, m model.ChatMessage) error {
	// 以 _id 幂等
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true),
	)
	return errs.WrapMsg(err, "append message", "roomId", m.RoomID)
}

func (s *MongoMessageStore) History(ctx context.Context, roomID string, page, size int) ([]model.ChatMessage, int64, error) {
	filter := bson.M{"room_id": roomID}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "count messages", "roomId", roomID)
	}
	if size <= 0 || page < 0 {
		return []model.ChatMessage{}, total, nil
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page*size)).
		SetLimit(int64(size)))
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "find messages", "roomId", roomID)
	}
	out := make([]model.ChatMessage, 0, size)
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, errs.WrapMsg(err, "decode messages", "roomId", roomID)
	}
	return out, total, nil
}

func (s *MongoMessageStore) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"room_id": roomID, "read": false, "sender_id": bson.M{"$ne": readerID}},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, errs.WrapMsg(err, "mark read", "roomId", roomID)
	}
	return res.ModifiedCount, nil
}

func (s *MongoMessageStore) CountUnread(ctx context.Context, roomID, readerID string) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"room_id": roomID, "read": false, "sender_id": bson.M{"$ne": readerID}})
	return n, errs.WrapMsg(err, "count unread", "roomId", roomID)
}
