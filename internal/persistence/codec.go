package persistence

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/petrijr/reelflow/pkg/api"
)

// encodeRecord serializes a store record using encoding/gob.
func encodeRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecord decodes a record produced by encodeRecord into T.
func decodeRecord[T any](data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// encodeFailure returns nil for a nil failure so SQL columns stay NULL.
func encodeFailure(f *api.FailureDetails) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return encodeRecord(f)
}

func decodeFailure(data []byte) (*api.FailureDetails, error) {
	if len(data) == 0 {
		return nil, nil
	}
	f, err := decodeRecord[api.FailureDetails](data)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// toNanos maps the zero time to 0, which time.UnixNano leaves undefined.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
