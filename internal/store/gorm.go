/*
Copyright (C) 2026 Freqwax Collective

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// document is one row of the documents table, keyed (collection, doc_key).
type document struct {
	Collection string    `gorm:"column:collection;primaryKey;size:64"`
	Key        string    `gorm:"column:doc_key;primaryKey;size:128"`
	Payload    []byte    `gorm:"column:payload;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (document) TableName() string { return "documents" }

// AutoMigrate creates the documents table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&document{})
}

// GormStore persists documents in a relational table. Filtering happens in
// process after a collection scan; collections are bounded by the booking
// horizon so scans stay small.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Get(ctx context.Context, collection, key string, out any) error {
	var row document
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s/%s: %w", collection, key, err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(row.Payload, out)
}

func (g *GormStore) Set(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	row := document{Collection: collection, Key: key, Payload: raw, UpdatedAt: time.Now().UTC()}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, key, err)
	}
	return nil
}

func (g *GormStore) Update(ctx context.Context, collection, key string, fields Fields) error {
	return g.RunTransaction(ctx, func(tx Store) error {
		gtx := tx.(*GormStore)
		var row document
		err := gtx.db.WithContext(ctx).
			Where("collection = ? AND doc_key = ?", collection, key).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load %s/%s: %w", collection, key, err)
		}
		merged, err := mergeFields(row.Payload, fields)
		if err != nil {
			return fmt.Errorf("merge %s/%s: %w", collection, key, err)
		}
		return gtx.writeRow(ctx, collection, key, merged)
	})
}

func (g *GormStore) Delete(ctx context.Context, collection, key string) error {
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		Delete(&document{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (g *GormStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	var rows []document
	err := g.db.WithContext(ctx).
		Where("collection = ?", collection).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	docs := make(map[string][]byte, len(rows))
	for _, r := range rows {
		docs[r.Key] = r.Payload
	}
	return evalQuery(q, docs)
}

func (g *GormStore) Increment(ctx context.Context, collection, key, field string, delta float64) error {
	return g.RunTransaction(ctx, func(tx Store) error {
		gtx := tx.(*GormStore)
		var row document
		err := gtx.db.WithContext(ctx).
			Where("collection = ? AND doc_key = ?", collection, key).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%s/%s: %w", collection, key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load %s/%s: %w", collection, key, err)
		}
		next, err := incrementField(row.Payload, field, delta)
		if err != nil {
			return fmt.Errorf("increment %s/%s.%s: %w", collection, key, field, err)
		}
		return gtx.writeRow(ctx, collection, key, next)
	})
}

// RunTransaction maps the store callback onto a database transaction.
func (g *GormStore) RunTransaction(ctx context.Context, fn func(tx Store) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (g *GormStore) writeRow(ctx context.Context, collection, key string, payload []byte) error {
	row := document{Collection: collection, Key: key, Payload: payload, UpdatedAt: time.Now().UTC()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store %s/%s: %w", collection, key, err)
	}
	return nil
}
