// Package journal persists cache and denylist mutations so a restarted
// process can rebuild its in-memory state.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/anatolykoptev/go-imageguard/denylist"
	"github.com/anatolykoptev/go-imageguard/resultcache"
)

type Kind string

const (
	KindCache   Kind = "cache"
	KindDeny    Kind = "deny"
	KindUnlearn Kind = "unlearn"
)

// Record is one journaled mutation. Exactly one of Cache, Deny or Exact is
// meaningful, selected by Kind.
type Record struct {
	Kind  Kind               `json:"kind"`
	Cache *resultcache.Entry `json:"cache,omitempty"`
	Deny  *denylist.Entry    `json:"deny,omitempty"`
	Exact string             `json:"sha1,omitempty"`
	At    time.Time          `json:"at"`
}

// Validate reports whether r carries the payload its kind requires.
func (r Record) Validate() error {
	switch r.Kind {
	case KindCache:
		if r.Cache == nil {
			return errors.New("journal: cache record without entry")
		}
	case KindDeny:
		if r.Deny == nil {
			return errors.New("journal: deny record without entry")
		}
	case KindUnlearn:
		if r.Exact == "" {
			return errors.New("journal: unlearn record without fingerprint")
		}
	default:
		return errors.New("journal: unknown record kind " + string(r.Kind))
	}
	return nil
}

// Journal is an append-only log of records.
type Journal interface {
	Append(ctx context.Context, r Record) error
	// Replay calls fn for every record in append order, except that an
	// implementation may yield deny records after all others. Malformed
	// records are skipped; an error from fn stops the replay and is returned.
	Replay(ctx context.Context, fn func(Record) error) error
	Close() error
}

// CacheRecord, DenyRecord and UnlearnRecord build stamped records.
func CacheRecord(e resultcache.Entry) Record {
	return Record{Kind: KindCache, Cache: &e, At: time.Now().UTC()}
}

func DenyRecord(e denylist.Entry) Record {
	return Record{Kind: KindDeny, Deny: &e, At: time.Now().UTC()}
}

func UnlearnRecord(exact string) Record {
	return Record{Kind: KindUnlearn, Exact: exact, At: time.Now().UTC()}
}
