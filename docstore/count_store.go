package docstore

import (
	"context"
	"errors"
)

const DefaultCountKey = "count"

// CountStore exposes a single counter of a document store.
// The counter reads as 0 when the key is absent or holds another kind of value.
type CountStore struct {
	store *DocumentStore
	codec CounterCodec
	key   string
}

// NewCountStore creates a store for a new document with the counter at 0.
// Replicas loaded from its packages share that counter, so their increments add up.
func NewCountStore(ctx context.Context, codec CounterCodec, settings *DocumentStoreSettings) (*CountStore, error) {
	doc := codec.NewDocument()
	if err := codec.PutCounter(doc, DefaultCountKey, 0); err != nil {
		return nil, err
	}
	store := NewDocumentStore(ctx, codec, NewDocumentId(), doc, settings)
	return NewCountStoreForKey(store, codec, DefaultCountKey), nil
}

func LoadCountStore(ctx context.Context, codec CounterCodec, pkg *Package, settings *DocumentStoreSettings) (*CountStore, error) {
	store, err := LoadDocumentStore(ctx, codec, pkg, settings)
	if err != nil {
		return nil, err
	}
	return NewCountStoreForKey(store, codec, DefaultCountKey), nil
}

func NewCountStoreForKey(store *DocumentStore, codec CounterCodec, key string) *CountStore {
	return &CountStore{
		store: store,
		codec: codec,
		key:   key,
	}
}

func (self *CountStore) Store() *DocumentStore {
	return self.store
}

func (self *CountStore) Id() DocumentId {
	return self.store.Id()
}

func (self *CountStore) Count() (count int64, err error) {
	err = self.store.View(func(doc Document) error {
		count = self.count(doc)
		return nil
	})
	return
}

func (self *CountStore) count(doc Document) int64 {
	count, ok := self.codec.Counter(doc, self.key)
	if !ok {
		return 0
	}
	return count
}

// Increment adds a signed delta, first creating the counter at 0 when the
// key is absent or not a counter.
func (self *CountStore) Increment(delta int64) (count int64, err error) {
	err = self.store.Update(func(doc Document) error {
		if _, ok := self.codec.Counter(doc, self.key); !ok {
			if err := self.codec.PutCounter(doc, self.key, 0); err != nil {
				return err
			}
		}
		if err := self.codec.IncrementCounter(doc, self.key, delta); err != nil {
			return err
		}
		count = self.count(doc)
		return nil
	})
	return
}

type CountChangeFunction = func(id DocumentId, count int64)

// AddCountChangeCallback reports the count whenever the document's marker
// changes, for local increments and merged changes alike.
func (self *CountStore) AddCountChangeCallback(countChangeCallback CountChangeFunction) func() {
	return self.store.AddChangeCallback(func(event *ChangeEvent) {
		count, err := self.Count()
		if errors.Is(err, ErrStoreClosed) {
			return
		}
		countChangeCallback(event.Id, count)
	})
}

func (self *CountStore) Close() {
	self.store.Close()
}
