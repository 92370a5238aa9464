// Package id generates the unique identifiers used across epochbus: lease
// lock tokens, default message IDs, and dead-letter archive keys.
//
// Every ID is a ULID: 26 characters, lexicographically sortable by creation
// time, and monotonic within a single process even when many IDs are minted
// in the same millisecond.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is shared by every New call so that IDs generated within the
// same millisecond still sort in creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// New generates a fresh ULID string.
func New() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. The monotonic reader only fails
// when more than 2^80 IDs are requested in one millisecond.
func MustNew() string {
	s, err := New()
	if err != nil {
		panic(fmt.Sprintf("id.MustNew: %v", err))
	}
	return s
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time returns the creation time encoded in a ULID string.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
