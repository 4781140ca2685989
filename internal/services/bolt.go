package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

var (
	promptsBucket  = []byte("prompts")
	insightsBucket = []byte("insights")
)

// BoltDB persists prompt versions and memory insights in a single BoltDB file. Prompt versions are keyed
// by their big-endian version number so that cursor order is version order. Insights are keyed by a
// sequence-prefixed ID so that iteration order is insertion order.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates with 0600 permissions) the database at path and ensures the required buckets
// exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{promptsBucket, insightsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func versionKey(v int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(v))
	return key
}

// LatestPrompt returns the newest prompt version, or models.ErrNotFound if no prompt was ever saved.
func (b BoltDB) LatestPrompt(context.Context) (models.Prompt, error) {
	var prompt models.Prompt
	err := b.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(promptsBucket).Cursor().Last()
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &prompt); err != nil {
			return fmt.Errorf("failed to unmarshal prompt: %w", err)
		}
		return nil
	})
	return prompt, err
}

// Prompt returns the given prompt version, or models.ErrNotFound.
func (b BoltDB) Prompt(_ context.Context, version int) (models.Prompt, error) {
	var prompt models.Prompt
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(promptsBucket).Get(versionKey(version))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &prompt); err != nil {
			return fmt.Errorf("failed to unmarshal prompt: %w", err)
		}
		return nil
	})
	return prompt, err
}

// AddPrompt stores text as a new prompt version and returns it with its assigned version and timestamp.
func (b BoltDB) AddPrompt(_ context.Context, text, note string) (models.Prompt, error) {
	var prompt models.Prompt
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(promptsBucket)

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		prompt = models.Prompt{
			Version:   int(seq),
			Text:      text,
			Note:      note,
			CreatedAt: time.Now().UTC(),
		}

		v, err := json.Marshal(prompt)
		if err != nil {
			return fmt.Errorf("failed to marshal prompt: %w", err)
		}
		return bk.Put(versionKey(prompt.Version), v)
	})
	return prompt, err
}

// Prompts returns every prompt version, newest first.
func (b BoltDB) Prompts(context.Context) ([]models.Prompt, error) {
	var prompts []models.Prompt
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(promptsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var prompt models.Prompt
			if err := json.Unmarshal(v, &prompt); err != nil {
				return fmt.Errorf("failed to unmarshal prompt: %w", err)
			}
			prompts = append(prompts, prompt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// Insights returns all stored insights in insertion order.
func (b BoltDB) Insights(context.Context) ([]models.Insight, error) {
	var insights []models.Insight
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(insightsBucket).ForEach(func(_, v []byte) error {
			var insight models.Insight
			if err := json.Unmarshal(v, &insight); err != nil {
				return fmt.Errorf("failed to unmarshal insight: %w", err)
			}
			insights = append(insights, insight)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return insights, nil
}

// AddInsights stores contents as new insights in one transaction and returns them with their IDs.
func (b BoltDB) AddInsights(_ context.Context, contents []string) ([]models.Insight, error) {
	insights := make([]models.Insight, 0, len(contents))
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(insightsBucket)
		now := time.Now().UTC()

		for _, content := range contents {
			seq, err := bk.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			insight := models.Insight{
				ID:        fmt.Sprintf("%016d-%s", seq, uuid.New().String()),
				Content:   content,
				CreatedAt: now,
			}

			v, err := json.Marshal(insight)
			if err != nil {
				return fmt.Errorf("failed to marshal insight: %w", err)
			}
			if err := bk.Put([]byte(insight.ID), v); err != nil {
				return err
			}
			insights = append(insights, insight)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return insights, nil
}

// DeleteInsight removes the insight with the given ID, or returns models.ErrNotFound.
func (b BoltDB) DeleteInsight(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(insightsBucket)
		if bk.Get([]byte(id)) == nil {
			return models.ErrNotFound
		}
		return bk.Delete([]byte(id))
	})
}
