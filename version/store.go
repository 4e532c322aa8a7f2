package version

import (
	"errors"

	"go.etcd.io/bbolt"
)

var (
	versionBucket = []byte("gateway-version")
	versionKey    = []byte("db-version")

	ErrDoesNotExist = errors.New("does not exist")
)

// versionStore persists the database version of the gateway in the swap db.
type versionStore struct {
	db *bbolt.DB
}

func NewVersionStore(db *bbolt.DB) (*versionStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(versionBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &versionStore{db: db}, nil
}

func (vs *versionStore) GetVersion() (string, error) {
	var v string
	err := vs.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(versionBucket).Get(versionKey)
		if data == nil {
			return ErrDoesNotExist
		}
		v = string(data)
		return nil
	})
	return v, err
}

func (vs *versionStore) SetVersion(version string) error {
	return vs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(versionBucket).Put(versionKey, []byte(version))
	})
}
