// Package chainsync pulls ordered payment events off the chain and feeds them
// through reconciliation, tracking a durable per-stream cursor so restarts
// resume exactly where the last clean batch ended.
package chainsync

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cursorBucket = []byte("cursors")

// Progress persists per-stream sync cursors. Cursors are monotonic: a stream
// that has never been synced reads back as zero.
type Progress struct {
	db *bolt.DB
}

// OpenProgress opens (or creates) the cursor database at path.
func OpenProgress(path string) (*Progress, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("chainsync: progress path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("chainsync: open progress db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chainsync: init progress db: %w", err)
	}
	return &Progress{db: db}, nil
}

// Cursor returns the next event sequence number to fetch for the stream.
func (p *Progress) Cursor(streamKey string) (uint64, error) {
	var cursor uint64
	err := p.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cursorBucket).Get([]byte(streamKey))
		if len(raw) == 8 {
			cursor = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chainsync: read cursor %s: %w", streamKey, err)
	}
	return cursor, nil
}

// SetCursor durably records the next sequence number for the stream.
func (p *Progress) SetCursor(streamKey string, cursor uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cursor)
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Put([]byte(streamKey), buf)
	})
	if err != nil {
		return fmt.Errorf("chainsync: persist cursor %s: %w", streamKey, err)
	}
	return nil
}

// Close releases the underlying database.
func (p *Progress) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
