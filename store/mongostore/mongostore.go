// Copyright 2025 The NodeBridge Authors
// This file is part of the nodebridge library.
//
// The nodebridge library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodebridge library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodebridge library. If not, see <http://www.gnu.org/licenses/>.

// Package mongostore implements store.Store on MongoDB. The admission
// lookup+increment rides FindOneAndUpdate so concurrent callers can neither
// duplicate counts nor slip past the active flag.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nodebridge/nodebridge/store"
)

const (
	appsCollection     = "apps"
	usersCollection    = "users"
	chainsCollection   = "chains"
	settingsCollection = "settings"

	settingsDocID = "default"
)

// caseInsensitive is the collation applied to chain name lookups and the
// chain name unique index.
var caseInsensitive = options.Collation{Locale: "en", Strength: 2}

type Store struct {
	client   *mongo.Client
	apps     *mongo.Collection
	users    *mongo.Collection
	chains   *mongo.Collection
	settings *mongo.Collection
}

// Dial connects to MongoDB and prepares the collections and indexes the
// gateway relies on.
func Dial(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	s := &Store{
		client:   client,
		apps:     db.Collection(appsCollection),
		users:    db.Collection(usersCollection),
		chains:   db.Collection(chainsCollection),
		settings: db.Collection(settingsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log.Info("Connected to MongoDB", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.apps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "apiKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("apps index: %w", err)
	}
	_, err = s.apps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerUserId", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("apps owner index: %w", err)
	}
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users index: %w", err)
	}
	_, err = s.chains.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true).SetCollation(&caseInsensitive),
	})
	if err != nil {
		return fmt.Errorf("chains name index: %w", err)
	}
	_, err = s.chains.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chainId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("chains id index: %w", err)
	}
	return nil
}

func (s *Store) AdmitByAPIKey(ctx context.Context, key string) (*store.App, error) {
	res := s.apps.FindOneAndUpdate(ctx,
		bson.M{"apiKey": key, "active": true},
		bson.M{
			"$inc": bson.M{"totalRequests": 1, "dailyRequests": 1},
			"$set": bson.M{"updatedAt": time.Now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var app store.App
	if err := res.Decode(&app); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrInvalidOrInactive
		}
		return nil, fmt.Errorf("admit by api key: %w", err)
	}
	return &app, nil
}

func (s *Store) ResetDailyIfNeeded(ctx context.Context, app *store.App) error {
	now := time.Now()
	if store.SameDay(app.LastResetDate, now) {
		return nil
	}
	// The request that triggered the rollover counts as the first of the
	// new day. Filter on the stale lastResetDate so a concurrent resetter
	// wins at most once; losers re-read the document instead.
	res, err := s.apps.UpdateOne(ctx,
		bson.M{"_id": app.ID, "lastResetDate": app.LastResetDate},
		bson.M{"$set": bson.M{
			"dailyRequests": int64(1),
			"lastResetDate": now,
			"updatedAt":     now,
		}},
	)
	if err != nil {
		return fmt.Errorf("reset daily counter: %w", err)
	}
	if res.MatchedCount == 1 {
		app.DailyRequests = 1
		app.LastResetDate = now
		return nil
	}
	fresh := s.apps.FindOne(ctx, bson.M{"_id": app.ID})
	var cur store.App
	if err := fresh.Decode(&cur); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return fmt.Errorf("reload app after reset race: %w", err)
	}
	app.DailyRequests = cur.DailyRequests
	app.LastResetDate = cur.LastResetDate
	return nil
}

func (s *Store) SaveUser(ctx context.Context, user *store.User) error {
	if user.ID == "" {
		user.ID = primitive.NewObjectID().Hex()
		user.CreatedAt = time.Now()
	}
	user.Email = strings.ToLower(user.Email)
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	var user store.User
	err := s.users.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) SaveApp(ctx context.Context, app *store.App) error {
	now := time.Now()
	if app.ID == "" {
		app.ID = primitive.NewObjectID().Hex()
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	_, err := s.apps.ReplaceOne(ctx, bson.M{"_id": app.ID}, app, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) AppByID(ctx context.Context, id string) (*store.App, error) {
	var app store.App
	err := s.apps.FindOne(ctx, bson.M{"_id": id}).Decode(&app)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Store) AppsByOwner(ctx context.Context, ownerID string) ([]*store.App, error) {
	cur, err := s.apps.Find(ctx, bson.M{"ownerUserId": ownerID})
	if err != nil {
		return nil, err
	}
	var apps []*store.App
	if err := cur.All(ctx, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (s *Store) CountAppsByOwner(ctx context.Context, ownerID string) (int64, error) {
	return s.apps.CountDocuments(ctx, bson.M{"ownerUserId": ownerID})
}

func (s *Store) DeleteApp(ctx context.Context, id string) error {
	res, err := s.apps.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveChain(ctx context.Context, chain *store.Chain) error {
	now := time.Now()
	if chain.ID == "" {
		chain.ID = primitive.NewObjectID().Hex()
		chain.CreatedAt = now
	}
	chain.UpdatedAt = now
	_, err := s.chains.ReplaceOne(ctx, bson.M{"_id": chain.ID}, chain, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) Chains(ctx context.Context) ([]*store.Chain, error) {
	cur, err := s.chains.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var chains []*store.Chain
	if err := cur.All(ctx, &chains); err != nil {
		return nil, err
	}
	return chains, nil
}

func (s *Store) ChainByName(ctx context.Context, name string) (*store.Chain, error) {
	var chain store.Chain
	err := s.chains.FindOne(ctx, bson.M{"name": name},
		options.FindOne().SetCollation(&caseInsensitive)).Decode(&chain)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

func (s *Store) DeleteChain(ctx context.Context, name string) error {
	res, err := s.chains.DeleteOne(ctx, bson.M{"name": name},
		options.Delete().SetCollation(&caseInsensitive))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Settings(ctx context.Context) (*store.Settings, error) {
	var set store.Settings
	err := s.settings.FindOne(ctx, bson.M{"_id": settingsDocID}).Decode(&set)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *Store) SaveSettings(ctx context.Context, set *store.Settings) error {
	_, err := s.settings.UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
