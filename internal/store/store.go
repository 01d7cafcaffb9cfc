package store

import (
	"context"
	"errors"
	"strings"
)

// ErrTxnConflict is returned when a transaction guard does not hold.
var ErrTxnConflict = errors.New("transaction precondition failed")

// Store is a hierarchical key/value store. Keys are slash-separated paths
// such as "state/ready/nightly"; a node's children are the distinct next
// path segments below it. Intermediate nodes need not be written explicitly.
type Store interface {
	// Node operations
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error // removes key and all descendants

	// Tree listing
	Children(ctx context.Context, key string) ([]string, error)
	NumChildren(ctx context.Context, key string) (int, error)

	// Txn applies all ops atomically or none of them.
	Txn(ctx context.Context, ops ...Op) error

	// Watch streams events for keys under prefix until cancel is called.
	Watch(prefix string) (events <-chan Event, cancel func())

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// OpKind selects what an Op does inside a transaction.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpCheckExists
	OpCheckAbsent
	OpCheckValue
)

// Op is one step of a transaction.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
}

// PutOp writes value at key.
func PutOp(key, value string) Op { return Op{Kind: OpPut, Key: key, Value: value} }

// DeleteOp removes key and its descendants.
func DeleteOp(key string) Op { return Op{Kind: OpDelete, Key: key} }

// CheckExistsOp aborts the transaction with ErrTxnConflict unless key exists.
func CheckExistsOp(key string) Op { return Op{Kind: OpCheckExists, Key: key} }

// CheckAbsentOp aborts the transaction with ErrTxnConflict if key exists.
func CheckAbsentOp(key string) Op { return Op{Kind: OpCheckAbsent, Key: key} }

// CheckValueOp aborts the transaction with ErrTxnConflict unless key
// exists and holds exactly value.
func CheckValueOp(key, value string) Op { return Op{Kind: OpCheckValue, Key: key, Value: value} }

// EventType describes a change observed by a watcher.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"
)

// Event is a committed change to one key.
type Event struct {
	Type  EventType
	Key   string
	Value string
}

// Join builds a key from path segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Base returns the last segment of key.
func Base(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
