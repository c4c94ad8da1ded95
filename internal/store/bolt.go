package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRules = []byte("rules")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRules)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// positionKey encodes a list index so that cursor order matches list order.
func positionKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func (s *BoltStore) SaveRules(rules []AutomationRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRules) != nil {
			if err := tx.DeleteBucket(bucketRules); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketRules)
		if err != nil {
			return err
		}
		for i, r := range rules {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put(positionKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadRules() ([]AutomationRule, error) {
	var rules []AutomationRule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b == nil {
			return nil // no bucket = no rules
		}
		rules = make([]AutomationRule, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var r AutomationRule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rules = append(rules, r)
			return nil
		})
	})
	return rules, err
}

func (s *BoltStore) GetRule(id int64) (*AutomationRule, error) {
	rules, err := s.LoadRules()
	if err != nil {
		return nil, err
	}
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i], nil
		}
	}
	return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
