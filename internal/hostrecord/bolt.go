package hostrecord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var hostedBucket = []byte("hosted_sessions")

// BoltStore keeps the record in a bbolt file on local disk.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path. The parent directory is
// created if missing.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening host record %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hostedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing host record: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Hosts(_ context.Context, token string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(hostedBucket).Get([]byte(token)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading host record: %w", err)
	}
	return found, nil
}

func (s *BoltStore) Record(_ context.Context, token string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(hostedBucket)
		if bucket.Get([]byte(token)) != nil {
			return nil
		}
		stamp := time.Now().UTC().Format(time.RFC3339Nano)
		return bucket.Put([]byte(token), []byte(stamp))
	})
	if err != nil {
		return fmt.Errorf("writing host record: %w", err)
	}
	return nil
}

func (s *BoltStore) List(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(hostedBucket).ForEach(func(k, v []byte) error {
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			out = append(out, Record{Token: string(k), RecordedAt: at})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing host record: %w", err)
	}
	sortRecords(out)
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
