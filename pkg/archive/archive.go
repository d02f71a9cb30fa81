// Package archive is a local trace archive backed by bbolt.
// Bucket per normalized trace id; key = 16-byte ULID of the span timestamp
// followed by the 8-byte span id; value = zlib-compressed Zipkin v2 JSON
package archive

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/andrewh/spantree/pkg/ingest"
	"github.com/andrewh/spantree/pkg/trace"
)

// Archive wraps a bbolt database storing raw span records per trace.
type Archive struct {
	db *bolt.DB
}

// Open opens or creates the bbolt database at the given path.
func Open(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Put stores each span under its trace's bucket and returns how many
// records were written. Exact duplicate records collapse onto one key, so
// re-archiving the same payload is idempotent.
func (a *Archive) Put(spans []trace.Span) (int, error) {
	written := 0
	err := a.db.Update(func(tx *bolt.Tx) error {
		for _, s := range spans {
			traceID, err := trace.NormalizeTraceID(s.TraceID)
			if err != nil {
				return fmt.Errorf("span %s: %w", s.ID, err)
			}
			bucket, err := tx.CreateBucketIfNotExists([]byte(traceID))
			if err != nil {
				return err
			}

			record, err := ingest.MarshalZipkin([]trace.Span{s})
			if err != nil {
				return fmt.Errorf("encode span %s: %w", s.ID, err)
			}
			key := makeKey(s, record)
			compressed, err := compress(record)
			if err != nil {
				return fmt.Errorf("compress span %s: %w", s.ID, err)
			}
			if bucket.Get(key) == nil {
				written++
			}
			if err := bucket.Put(key, compressed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Get returns all records archived for the trace, in key order (by span
// timestamp). The id is normalized before lookup; a missing trace yields an
// empty slice.
func (a *Archive) Get(traceID string) ([]trace.Span, error) {
	normalized, err := trace.NormalizeTraceID(traceID)
	if err != nil {
		return nil, err
	}

	var spans []trace.Span
	err = a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(normalized))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			record, err := decompress(v)
			if err != nil {
				return err
			}
			parsed, err := ingest.ParseSpans(bytes.NewReader(record), ingest.FormatZipkin)
			if err != nil {
				return err
			}
			spans = append(spans, parsed...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return spans, nil
}

// TraceInfo summarizes one archived trace.
type TraceInfo struct {
	TraceID string
	Records int
}

// Traces lists the archived trace ids with their record counts.
func (a *Archive) Traces() ([]TraceInfo, error) {
	var infos []TraceInfo
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			infos = append(infos, TraceInfo{
				TraceID: string(name),
				Records: bucket.Stats().KeyN,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Delete removes the bucket for the given trace id. It is a no-op if the
// trace does not exist.
func (a *Archive) Delete(traceID string) error {
	normalized, err := trace.NormalizeTraceID(traceID)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(normalized)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(normalized))
	})
}

// makeKey returns a 24-byte key: 16-byte ULID of the span timestamp followed
// by the 8-byte span id. The ULID entropy is derived from the record digest
// rather than randomness, so identical records map to identical keys.
func makeKey(s trace.Span, record []byte) []byte {
	t := time.UnixMicro(s.Timestamp)
	var entropy [10]byte
	binary.BigEndian.PutUint64(entropy[:8], xxhash.Sum64(record))
	binary.BigEndian.PutUint16(entropy[8:], uint16(len(record))) //nolint:gosec // truncation is fine for key material

	id := ulid.MustNew(ulid.Timestamp(t), bytes.NewReader(entropy[:]))
	ulidBytes, _ := id.MarshalBinary() // always 16 bytes

	var sid [8]byte
	if decoded, err := hex.DecodeString(s.ID); err == nil {
		copy(sid[:], decoded)
	}
	return append(ulidBytes, sid[:]...)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck // read errors surface from ReadAll
	return io.ReadAll(r)
}
