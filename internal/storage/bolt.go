package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/DobryySoul/opswarm/internal/ops"
)

var (
	objectsBucket = []byte("objects")
	stateKey      = []byte("state")
	logBucket     = []byte("log")
)

// boltStore keeps one nested bucket per object: the snapshot under
// "state" and the tail in a "log" bucket keyed by sequence number.
type boltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt file at path.
func OpenBolt(path string) (Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init %s: %w", path, err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) On(ctx context.Context, typeid ops.Spec, since *ops.VV) (*ops.Op, []ops.Op, error) {
	if err := checkContext(ctx); err != nil {
		return nil, nil, err
	}
	var (
		state *ops.Op
		tail  []ops.Op
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket).Bucket([]byte(typeid.String()))
		if b == nil {
			return nil
		}
		if buf := b.Get(stateKey); buf != nil {
			o, err := decode(buf)
			if err != nil {
				return err
			}
			state = &o
		}
		log := b.Bucket(logBucket)
		if log == nil {
			return nil
		}
		return log.ForEach(func(_, buf []byte) error {
			o, err := decode(buf)
			if err != nil {
				return err
			}
			tail = append(tail, o)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", typeid.String(), err)
	}
	return state, uncovered(tail, since), nil
}

func (s *boltStore) Off(ctx context.Context, typeid ops.Spec, listener string) error {
	return checkContext(ctx)
}

func (s *boltStore) State(ctx context.Context, typeid ops.Spec, snapshot ops.Op) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	buf, err := encode(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(objectsBucket).CreateBucketIfNotExists([]byte(typeid.String()))
		if err != nil {
			return err
		}
		if b.Bucket(logBucket) != nil {
			if err := b.DeleteBucket(logBucket); err != nil {
				return err
			}
		}
		return b.Put(stateKey, buf)
	})
}

func (s *boltStore) Op(ctx context.Context, typeid ops.Spec, o ops.Op) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	buf, err := encode(o)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(objectsBucket).CreateBucketIfNotExists([]byte(typeid.String()))
		if err != nil {
			return err
		}
		log, err := b.CreateBucketIfNotExists(logBucket)
		if err != nil {
			return err
		}
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return log.Put(key, buf)
	})
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
