package objectstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// headerSize is the fixed prefix of every stored value:
// 8 bytes generation, 8 bytes created (unix nanos), then the blob bytes.
const headerSize = 16

// Bolt is a Store backed by a single bbolt file. One bucket holds all blobs;
// its sequence supplies generations.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	path   string
	now    func() time.Time
}

// OpenBolt opens (or creates) the bbolt file at path and its bucket.
func OpenBolt(path, bucket string) (*Bolt, error) {
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: bolt bucket name is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt file %s: %w", path, err)
	}

	s := &Bolt{db: db, bucket: []byte(bucket), path: path, now: time.Now}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return s, nil
}

func (s *Bolt) Upload(ctx context.Context, key string, r io.Reader, ifGenerationMatch Generation) (Attrs, error) {
	if key == "" {
		return Attrs{}, ErrEmptyKey
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Attrs{}, fmt.Errorf("read upload body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Attrs{}, err
	}

	var attrs Attrs
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)

		var current Generation
		if v := b.Get([]byte(key)); v != nil {
			current = decodeHeader(key, v).Generation
		}
		if err := checkPrecondition(key, "upload", current, ifGenerationMatch); err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		attrs = Attrs{
			Key:        key,
			Generation: Generation(seq),
			Size:       int64(len(data)),
			Created:    s.now().UTC(),
		}
		return b.Put([]byte(key), encodeValue(attrs, data))
	})
	if err != nil {
		return Attrs{}, err
	}
	return attrs, nil
}

func (s *Bolt) Attrs(ctx context.Context, key string) (Attrs, error) {
	var attrs Attrs
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		attrs = decodeHeader(key, v)
		return nil
	})
	return attrs, err
}

func (s *Bolt) Open(ctx context.Context, key string) (io.ReadCloser, Attrs, error) {
	var (
		attrs Attrs
		data  []byte
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		attrs = decodeHeader(key, v)
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v[headerSize:]...)
		return nil
	})
	if err != nil {
		return nil, Attrs{}, err
	}
	return io.NopCloser(bytes.NewReader(data)), attrs, nil
}

func (s *Bolt) Delete(ctx context.Context, key string, generation Generation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		if err := checkPrecondition(key, "delete", decodeHeader(key, v).Generation, generation); err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

func (s *Bolt) Location(key string) string {
	return "bolt://" + s.path + "#" + string(s.bucket) + "/" + key
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func encodeValue(attrs Attrs, data []byte) []byte {
	v := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint64(v[0:8], uint64(attrs.Generation))
	binary.BigEndian.PutUint64(v[8:16], uint64(attrs.Created.UnixNano()))
	copy(v[headerSize:], data)
	return v
}

func decodeHeader(key string, v []byte) Attrs {
	return Attrs{
		Key:        key,
		Generation: Generation(binary.BigEndian.Uint64(v[0:8])),
		Size:       int64(len(v) - headerSize),
		Created:    time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))).UTC(),
	}
}
