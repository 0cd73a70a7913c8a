package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

var stateBucket = []byte("state_records")

// boltBackend keeps records as JSON documents in a single bucket.
// Every write is its own bbolt transaction, which fsyncs on commit.
type boltBackend struct {
	db *bbolt.DB
}

func openBolt(config *Config, log logger.Interface) (*boltBackend, error) {
	if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	timeout := time.Second
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil {
			timeout = d
		} else {
			log.Warnf("Invalid store timeout '%s', using default 1s", config.Timeout)
		}
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state bucket: %w", err)
	}

	return &boltBackend{db: db}, nil
}

func (b *boltBackend) get(key string) (Record, bool, error) {
	var (
		rec Record
		ok  bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(stateBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

func (b *boltBackend) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(rec.Key), data)
	})
}

func (b *boltBackend) scan(prefix string) ([]Record, error) {
	var records []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %q: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (b *boltBackend) remove(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}
