// Package store defines the durable keyed store the dispatch core persists
// to. Backends live in infra/store; every backend offers compare-and-swap
// writes so that concurrent writers of the same key resolve to exactly one
// winner.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ambulance/core/apperr"
)

// Any disables the version check of Put.
const Any int64 = -1

var (
	// ErrNotFound is wrapped by every missing-record error.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is wrapped by every failed compare-and-swap.
	ErrVersionConflict = errors.New("version conflict")
)

// Record is one stored value. Attrs holds the indexed fields that Query
// filters and orders on; Value is the JSON encoded payload.
type Record struct {
	Key       string            `json:"key" bson:"_id"`
	Kind      string            `json:"kind" bson:"kind"`
	Attrs     map[string]string `json:"attrs,omitempty" bson:"attrs,omitempty"`
	Value     []byte            `json:"value" bson:"value"`
	Version   int64             `json:"version" bson:"version"`
	UpdatedAt time.Time         `json:"updated_at" bson:"updated_at"`
}

// Query selects records of one kind.
type Query struct {
	Kind  string
	Where map[string]string
	// OrderBy names an attribute, "updated_at", or "" for the key.
	OrderBy string
	Desc    bool
	// Limit <= 0 returns every match.
	Limit int
}

// Store is a durable keyed store with conditional updates.
type Store interface {
	// Put writes rec if the stored version equals expectedVersion. Any skips
	// the check and 0 requires the key to be absent. The returned record
	// carries the new version.
	Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error)
	Get(ctx context.Context, key string) (Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// NotFound builds the error returned for a missing key.
func NotFound(key string) error {
	return &apperr.Error{Code: apperr.CodeNotFound, Msg: key, Err: ErrNotFound}
}

// VersionConflict builds the error returned for a failed compare-and-swap.
func VersionConflict(key string, expected, actual int64) error {
	return &apperr.Error{
		Code: apperr.CodeConflict,
		Msg:  fmt.Sprintf("%s: expected version %d, found %d", key, expected, actual),
		Err:  ErrVersionConflict,
	}
}

// IsNotFound reports whether err denotes a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err denotes a failed compare-and-swap.
func IsConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }

// CheckVersion applies the Put precondition. actual is 0 when the key does
// not exist.
func CheckVersion(key string, exists bool, actual, expected int64) error {
	switch {
	case expected == Any:
		return nil
	case expected == 0 && exists:
		return VersionConflict(key, expected, actual)
	case expected > 0 && (!exists || actual != expected):
		return VersionConflict(key, expected, actual)
	}
	return nil
}

// Validate rejects records that cannot be stored.
func Validate(rec Record, expectedVersion int64) error {
	if rec.Key == "" {
		return apperr.Validationf("record key is required")
	}
	if rec.Kind == "" {
		return apperr.Validationf("record kind is required for %s", rec.Key)
	}
	if expectedVersion < Any {
		return apperr.Validationf("invalid expected version %d", expectedVersion)
	}
	for k := range rec.Attrs {
		if !ValidAttr(k) {
			return apperr.Validationf("invalid attribute name %q", k)
		}
	}
	return nil
}

// ValidAttr reports whether name can be used as an attribute. Backends embed
// attribute names in JSON paths and document field names, so only letters,
// digits and underscores are allowed.
func ValidAttr(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
