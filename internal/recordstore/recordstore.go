// Package recordstore is the Record Store Facade (spec §4.2): typed,
// versioned CRUD over the entities in internal/domain, built on the
// byte-oriented compare-and-swap primitive in internal/state. It
// mirrors the generics-based repository pattern the teacher used for
// its Supabase-backed tables, but persists through PersistentState
// instead of a REST client, and a Mongo-backed store for production.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

// Repository is a generic, versioned CRUD surface over one entity kind,
// keyed by a string primary key. Every write carries an optimistic
// RecordVersion check so concurrent updates are detected rather than
// silently clobbered, the same pattern the TenantSlot and ScheduledJob
// components rely on for CAS semantics.
type Repository[T any] struct {
	store     *state.PersistentState
	entity    string
	versionOf func(*T) int64
	setVersion func(*T, int64)
}

// NewRepository builds a Repository for one entity kind. versionOf and
// setVersion let the facade manage optimistic concurrency without each
// entity type needing to satisfy an interface.
func NewRepository[T any](store *state.PersistentState, entity string, versionOf func(*T) int64, setVersion func(*T, int64)) *Repository[T] {
	return &Repository[T]{store: store, entity: entity, versionOf: versionOf, setVersion: setVersion}
}

func (r *Repository[T]) key(id string) string {
	return fmt.Sprintf("%s/%s", r.entity, id)
}

// Get loads one record by id.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	raw, err := r.store.Load(ctx, r.key(id))
	if err != nil {
		if err == state.ErrNotFound {
			return nil, errors.NotFound(r.entity, id)
		}
		return nil, errors.Internal("record store load failed", err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Internal("record store decode failed", err)
	}
	return &v, nil
}

// Create inserts a new record, failing with Conflict if id already exists.
func (r *Repository[T]) Create(ctx context.Context, id string, v *T) error {
	r.setVersion(v, 1)
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Internal("record store encode failed", err)
	}
	ok, err := r.store.SaveIfAbsent(ctx, r.key(id), raw)
	if err != nil {
		return errors.Internal("record store save failed", err)
	}
	if !ok {
		return errors.Conflict(fmt.Sprintf("%s %q already exists", r.entity, id))
	}
	return nil
}

// Update applies an optimistic CAS update: v.RecordVersion must match
// the currently stored version or the call fails with Conflict.
func (r *Repository[T]) Update(ctx context.Context, id string, v *T) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.versionOf(v) != r.versionOf(current) {
		return errors.Conflict(fmt.Sprintf("%s %q was modified concurrently", r.entity, id))
	}
	oldRaw, err := json.Marshal(current)
	if err != nil {
		return errors.Internal("record store encode failed", err)
	}
	r.setVersion(v, r.versionOf(current)+1)
	newRaw, err := json.Marshal(v)
	if err != nil {
		return errors.Internal("record store encode failed", err)
	}
	swapped, err := r.store.CompareAndSwap(ctx, r.key(id), oldRaw, newRaw)
	if err != nil {
		return errors.Internal("record store cas failed", err)
	}
	if !swapped {
		return errors.Conflict(fmt.Sprintf("%s %q was modified concurrently", r.entity, id))
	}
	return nil
}

// Delete removes a record unconditionally.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.key(id)); err != nil {
		return errors.Internal("record store delete failed", err)
	}
	return nil
}

// List returns every record whose id has the given prefix (empty
// prefix lists all records of this entity kind).
func (r *Repository[T]) List(ctx context.Context, idPrefix string) ([]*T, error) {
	keys, err := r.store.List(ctx, r.key(idPrefix))
	if err != nil {
		return nil, errors.Internal("record store list failed", err)
	}
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		// Keys come back with the state's own key prefix, which Load adds again.
		raw, err := r.store.Load(ctx, k[strings.Index(k, r.key("")):])
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

