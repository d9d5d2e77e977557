package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authd/internal/domain/models"
	"authd/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	members  *mongo.Collection
	tokens   *mongo.Collection
	revoked  *mongo.Collection
	counters *mongo.Collection
}

type memberDoc struct {
	ID        int64      `bson:"_id"`
	Email     string     `bson:"email"`
	PassHash  []byte     `bson:"pass_hash"`
	Role      string     `bson:"role"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty"`
	BannedAt  *time.Time `bson:"banned_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
}

type authTokenDoc struct {
	ID               int64     `bson:"_id"`
	MemberID         int64     `bson:"member_id"`
	RefreshTokenHash string    `bson:"refresh_token_hash"`
	DeviceID         string    `bson:"device_id"`
	UserAgent        string    `bson:"user_agent"`
	ExpiresAt        time.Time `bson:"expires_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

type revokedDoc struct {
	RefreshTokenHash string    `bson:"_id"`
	MemberID         int64     `bson:"member_id"`
	RevokedAt        time.Time `bson:"revoked_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		members:  db.Collection("members"),
		tokens:   db.Collection("auth_tokens"),
		revoked:  db.Collection("revoked_refresh_tokens"),
		counters: db.Collection("counters"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("members.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "refresh_token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("auth_tokens.refresh_token_hash index: %w", err)
	}

	// One live token per (member, device).
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "member_id", Value: 1}, {Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("auth_tokens member+device index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (s *Storage) SaveMember(ctx context.Context, email string, passHash []byte, role string) (int64, error) {
	const op = "storage.mongodb.SaveMember"

	id, err := s.nextID(ctx, "members")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := memberDoc{
		ID:        id,
		Email:     email,
		PassHash:  passHash,
		Role:      role,
		CreatedAt: time.Now(),
	}

	_, err = s.members.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrMemberAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) MemberByEmail(ctx context.Context, email string) (*models.Member, error) {
	const op = "storage.mongodb.MemberByEmail"
	return s.findMember(ctx, bson.D{{Key: "email", Value: email}}, op)
}

func (s *Storage) MemberByID(ctx context.Context, memberID int64) (*models.Member, error) {
	const op = "storage.mongodb.MemberByID"
	return s.findMember(ctx, bson.D{{Key: "_id", Value: memberID}}, op)
}

func (s *Storage) findMember(ctx context.Context, filter bson.D, op string) (*models.Member, error) {
	var doc memberDoc
	err := s.members.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrMemberNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Member{
		ID:        doc.ID,
		Email:     doc.Email,
		PassHash:  doc.PassHash,
		Role:      doc.Role,
		DeletedAt: doc.DeletedAt,
		BannedAt:  doc.BannedAt,
	}, nil
}

// SaveToken upserts the token document keyed by (member, device).
func (s *Storage) SaveToken(ctx context.Context, token *models.AuthToken) error {
	const op = "storage.mongodb.SaveToken"

	id := token.ID
	if id == 0 {
		var err error
		id, err = s.nextID(ctx, "auth_tokens")
		if err != nil {
			return fmt.Errorf("%s: nextID: %w", op, err)
		}
	}

	filter := bson.D{
		{Key: "member_id", Value: token.MemberID},
		{Key: "device_id", Value: token.DeviceID},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "refresh_token_hash", Value: token.RefreshTokenHash},
			{Key: "user_agent", Value: token.UserAgent},
			{Key: "expires_at", Value: token.ExpiresAt},
			{Key: "updated_at", Value: token.UpdatedAt},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "_id", Value: id}}},
	}

	_, err := s.tokens.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) TokenByHash(ctx context.Context, tokenHash string) (*models.AuthToken, error) {
	const op = "storage.mongodb.TokenByHash"
	return s.findToken(ctx, bson.D{{Key: "refresh_token_hash", Value: tokenHash}}, op)
}

func (s *Storage) TokenByDeviceAndMember(ctx context.Context, deviceID string, memberID int64) (*models.AuthToken, error) {
	const op = "storage.mongodb.TokenByDeviceAndMember"
	return s.findToken(ctx, bson.D{
		{Key: "device_id", Value: deviceID},
		{Key: "member_id", Value: memberID},
	}, op)
}

func (s *Storage) findToken(ctx context.Context, filter bson.D, op string) (*models.AuthToken, error) {
	var doc authTokenDoc
	err := s.tokens.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokenFromDoc(doc), nil
}

func (s *Storage) TokensByMember(ctx context.Context, memberID int64) ([]models.AuthToken, error) {
	const op = "storage.mongodb.TokensByMember"

	cursor, err := s.tokens.Find(ctx, bson.D{{Key: "member_id", Value: memberID}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer cursor.Close(ctx)

	var tokens []models.AuthToken
	for cursor.Next(ctx) {
		var doc authTokenDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		tokens = append(tokens, *tokenFromDoc(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

func tokenFromDoc(doc authTokenDoc) *models.AuthToken {
	return &models.AuthToken{
		ID:               doc.ID,
		MemberID:         doc.MemberID,
		RefreshTokenHash: doc.RefreshTokenHash,
		DeviceID:         doc.DeviceID,
		UserAgent:        doc.UserAgent,
		ExpiresAt:        doc.ExpiresAt,
		UpdatedAt:        doc.UpdatedAt,
	}
}

// RotateToken conditionally replaces the stored hash keyed on oldHash, then
// ledgers oldHash. The conditional update carries the atomicity; a lost race
// shows up as ModifiedCount 0.
func (s *Storage) RotateToken(ctx context.Context, oldHash, newHash string, memberID int64, newExpiresAt time.Time) error {
	const op = "storage.mongodb.RotateToken"

	now := time.Now()

	result, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "refresh_token_hash", Value: oldHash}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "refresh_token_hash", Value: newHash},
			{Key: "expires_at", Value: newExpiresAt},
			{Key: "updated_at", Value: now},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.ModifiedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrRotationConflict)
	}

	if err := s.Revoke(ctx, oldHash, memberID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) DeleteToken(ctx context.Context, deviceID string, memberID int64) (int64, error) {
	const op = "storage.mongodb.DeleteToken"

	result, err := s.tokens.DeleteOne(ctx, bson.D{
		{Key: "device_id", Value: deviceID},
		{Key: "member_id", Value: memberID},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

func (s *Storage) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.mongodb.IsRevoked"

	count, err := s.revoked.CountDocuments(ctx, bson.D{{Key: "_id", Value: tokenHash}})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return count > 0, nil
}

func (s *Storage) Revoke(ctx context.Context, tokenHash string, memberID int64) error {
	const op = "storage.mongodb.Revoke"

	doc := revokedDoc{
		RefreshTokenHash: tokenHash,
		MemberID:         memberID,
		RevokedAt:        time.Now(),
	}

	_, err := s.revoked.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SweepExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.mongodb.SweepExpiredTokens"

	result, err := s.tokens.DeleteMany(ctx, bson.D{
		{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: before}}},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

func (s *Storage) SweepRevoked(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.mongodb.SweepRevoked"

	result, err := s.revoked.DeleteMany(ctx, bson.D{
		{Key: "revoked_at", Value: bson.D{{Key: "$lt", Value: before}}},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.DeletedCount, nil
}

// isDuplicateKeyError checks for a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
