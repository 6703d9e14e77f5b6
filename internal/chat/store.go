package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messageCollection = "chat_messages"

// Dial connects to MongoDB and returns the named database handle after
// verifying the connection with a ping.
func Dial(ctx context.Context, uri string, dbName string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("chat: mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("chat: mongo ping: %w", err)
	}

	return client.Database(dbName), nil
}

// MongoStore is the document store for chat messages. It is append-only:
// messages are never deleted, and the only in-place update is flipping
// is_read.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a message store over the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(messageCollection)}
}

// Save assigns the message its id and server timestamp and inserts it. The
// caller must have validated the message first; Save does not re-check.
func (s *MongoStore) Save(ctx context.Context, msg *Message) error {
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now().UTC()
	msg.IsRead = false

	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// History returns every message for an appointment in ascending created_at
// order — the replay order clients use to seed their view before applying
// live broadcasts. Repeated calls with no new sends return the identical
// sequence.
func (s *MongoStore) History(ctx context.Context, appointmentID string) ([]Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.coll.Find(ctx, bson.M{"appointment_id": appointmentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("chat: find messages: %w", err)
	}
	defer cursor.Close(ctx)

	messages := []Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %w", err)
	}
	return messages, nil
}

// MarkRead sets is_read on every unread message addressed to readerID within
// the appointment. Returns the number of messages updated.
func (s *MongoStore) MarkRead(ctx context.Context, appointmentID string, readerID string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"appointment_id": appointmentID,
			"receiver_id":    readerID,
			"is_read":        false,
		},
		bson.M{"$set": bson.M{"is_read": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read: %w", err)
	}
	return res.ModifiedCount, nil
}
