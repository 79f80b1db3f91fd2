package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// ByteStore is the part of DiskStore a DiskStage uses.
type ByteStore interface {
	Get(key string) (*Snapshot, error)
	Edit(key string) (*Editor, error)
	EditLock(key string) *EditLock
}

// ValueStore is the part of MemoryStore a MemoryStage uses.
type ValueStore interface {
	Get(key string) (Value, error)
	Put(key string, value Value) PutStatus
	Remove(key string) Value
}

// DiskProducer creates the values of a disk entry on a miss.
type DiskProducer func(ctx context.Context) ([][]byte, error)

// ValueProducer creates a memory value on a miss.
type ValueProducer func(ctx context.Context) (Value, error)

// DiskStage reads through one disk store under one policy. For a given key
// at most one producer runs at a time; callers that waited on it re-check
// the store and produce again only if the first producer failed.
type DiskStage struct {
	Store  ByteStore
	Policy Policy
	Logger *log.Logger
}

// Load returns the cached values for key or the values made by produce.
// A producer may return nil values to skip the write. hit reports whether
// they came from the store. Cache failures are logged
// and never fail the load; producer failures are returned as is.
func (st DiskStage) Load(ctx context.Context, key string, produce DiskProducer) (values [][]byte, hit bool, err error) {
	if st.Policy.IsDisabled() {
		values, err = produce(ctx)
		return values, false, err
	}

	lock := st.Store.EditLock(key)
	if err := lock.Lock(ctx); err != nil {
		return nil, false, err
	}
	defer lock.Unlock()

	if st.Policy.ReadEnabled() {
		values, err := readValues(st.Store, key)
		switch {
		case err != nil:
			st.logger().Warn("disk cache read failed, treating as miss", "key", key, "err", err)
		case values != nil:
			return values, true, nil
		}
	}

	values, err = produce(ctx)
	if err != nil {
		return nil, false, err
	}

	// nil values are returned but never stored.
	if values != nil && st.Policy.WriteEnabled() {
		if err := writeValues(ctx, st.Store, key, values); err != nil {
			if errors.Is(err, ErrEditInProgress) || ctx.Err() != nil {
				st.logger().Debug("skipped disk cache write", "key", key, "err", err)
			} else {
				st.logger().Warn("disk cache write failed", "key", key, "err", err)
			}
		}
	}
	return values, false, nil
}

func (st DiskStage) logger() *log.Logger {
	if st.Logger == nil {
		return log.Default()
	}
	return st.Logger
}

// readValues returns nil, nil on a miss.
func readValues(store ByteStore, key string) ([][]byte, error) {
	snap, err := store.Get(key)
	if err != nil || snap == nil {
		return nil, err
	}
	defer snap.Release()

	values := make([][]byte, snap.ValueCount())
	for i := range values {
		if values[i], err = snap.Bytes(i); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// writeValues stores values under key. A cancelled ctx aborts the edit
// before commit.
func writeValues(ctx context.Context, store ByteStore, key string, values [][]byte) error {
	ed, err := store.Edit(key)
	if err != nil {
		return err
	}
	if ed == nil {
		return ErrEditInProgress
	}
	defer ed.Abort()

	for i, v := range values {
		w, err := ed.NewWriter(i)
		if err != nil {
			return err
		}
		if _, err := w.Write(v); err != nil {
			w.Close()
			return ioError("write", key, err)
		}
		if err := w.Close(); err != nil {
			return ioError("write", key, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ed.Commit()
}

// MemoryStage reads through a memory store under one policy, serialized
// per key by Locks.
type MemoryStage struct {
	Store  ValueStore
	Locks  *LockRegistry
	Policy Policy
	Logger *log.Logger
	// Debug panics when the store hands back an invalidated value instead
	// of logging it and evicting the entry.
	Debug bool
}

// Load returns the cached value for key or the one made by produce.
func (st MemoryStage) Load(ctx context.Context, key string, produce ValueProducer) (value Value, hit bool, err error) {
	if st.Policy.IsDisabled() {
		value, err = produce(ctx)
		return value, false, err
	}

	lock := st.Locks.EditLock(key)
	if err := lock.Lock(ctx); err != nil {
		return nil, false, err
	}
	defer lock.Unlock()

	if st.Policy.ReadEnabled() {
		cached, err := st.Store.Get(key)
		switch {
		case errors.Is(err, ErrInvalidValue):
			if st.Debug {
				panic(fmt.Sprintf("cache: invalid value for key %q: %v", key, err))
			}
			st.logger().Error("memory cache returned an invalid value", "key", key)
			st.Store.Remove(key)
		case err != nil:
			st.logger().Warn("memory cache read failed, treating as miss", "key", key, "err", err)
		case cached != nil:
			return cached, true, nil
		}
	}

	value, err = produce(ctx)
	if err != nil {
		return nil, false, err
	}

	if st.Policy.WriteEnabled() {
		err := st.Store.Put(key, value).Err()
		switch {
		case errors.Is(err, ErrCapacityExceeded):
			st.logger().Debug("skipped memory cache write", "key", key, "size", value.SizeBytes(), "err", err)
		case err != nil:
			st.logger().Warn("memory cache put failed", "key", key, "err", err)
		}
	}
	return value, false, nil
}

func (st MemoryStage) logger() *log.Logger {
	if st.Logger == nil {
		return log.Default()
	}
	return st.Logger
}
