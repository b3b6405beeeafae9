package runner

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gitvan/khe/kherr"
)

// kvPut and kvGet back the Database step's bucket-scoped key access
// (spec.md §4.8), grounded on storage/database.go's bucket+key shape and
// reusing bbolt, the same embedded store cache.Cache uses for its disk
// tier.
func kvPut(dbPath, bucket, key, value string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "creating Database step store directory")
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "opening Database step store")
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return kherr.Wrap(kherr.KindIO, err, "creating Database step bucket %q", bucket)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func kvGet(dbPath, bucket, key string) (string, bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", false, nil
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return "", false, kherr.Wrap(kherr.KindIO, err, "opening Database step store")
	}
	defer db.Close()

	var value string
	var found bool
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, kherr.Wrap(kherr.KindIO, err, "reading Database step bucket %q", bucket)
	}
	return value, found, nil
}
