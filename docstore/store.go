package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type DocumentStoreSettings struct {
	Compaction *CompactionSettings
}

func DefaultDocumentStoreSettings() *DocumentStoreSettings {
	return &DocumentStoreSettings{
		Compaction: DefaultCompactionSettings(),
	}
}

// emitted after any operation that moves the document's marker
type ChangeEvent struct {
	Id     DocumentId
	Marker VersionMarker
}

type ChangeFunction = func(event *ChangeEvent)

// DocumentStore is the per document façade over a `SnapshotLog`.
//
// All operations run one at a time on the store's worker goroutine, so an
// edit, flush, compaction or merge never interleaves with another.
// Operations must not call back into the same store from inside an
// `Update` or `View` function.
//
// Change callbacks are called in order on a separate goroutine.
type DocumentStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	id         DocumentId
	codec      ChangeCodec
	settings   *DocumentStoreSettings
	compaction *CompactionPolicy

	ops chan func()

	// the worker never blocks on slow callbacks
	eventLock     sync.Mutex
	pendingEvents []*ChangeEvent
	eventNotify   chan struct{}

	// worker only
	log         *SnapshotLog
	eventMarker VersionMarker

	changeCallbacks *CallbackList[ChangeFunction]
}

// NewDocumentStoreWithDefaults creates a store for a new empty document.
func NewDocumentStoreWithDefaults(ctx context.Context, codec ChangeCodec) *DocumentStore {
	return NewDocumentStore(ctx, codec, NewDocumentId(), codec.NewDocument(), DefaultDocumentStoreSettings())
}

func NewDocumentStore(
	ctx context.Context,
	codec ChangeCodec,
	id DocumentId,
	doc Document,
	settings *DocumentStoreSettings,
) *DocumentStore {
	return newDocumentStore(ctx, codec, NewSnapshotLog(codec, id, doc), settings)
}

func LoadDocumentStoreWithDefaults(ctx context.Context, codec ChangeCodec, pkg *Package) (*DocumentStore, error) {
	return LoadDocumentStore(ctx, codec, pkg, DefaultDocumentStoreSettings())
}

// LoadDocumentStore opens a store from a package. Fails with
// `MalformedPackageError` if the layout is invalid.
func LoadDocumentStore(
	ctx context.Context,
	codec ChangeCodec,
	pkg *Package,
	settings *DocumentStoreSettings,
) (*DocumentStore, error) {
	log, err := LoadSnapshotLog(codec, pkg)
	if err != nil {
		return nil, err
	}
	return newDocumentStore(ctx, codec, log, settings), nil
}

func newDocumentStore(
	ctx context.Context,
	codec ChangeCodec,
	log *SnapshotLog,
	settings *DocumentStoreSettings,
) *DocumentStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &DocumentStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		id:              log.Id(),
		codec:           codec,
		settings:        settings,
		compaction:      NewCompactionPolicy(settings.Compaction),
		ops:             make(chan func()),
		eventNotify:     make(chan struct{}, 1),
		log:             log,
		eventMarker:     log.Heads(),
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
	go store.run()
	go store.notify()
	return store
}

func (self *DocumentStore) run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			op()
		}
	}
}

func (self *DocumentStore) notify() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.eventNotify:
		}

		var events []*ChangeEvent
		func() {
			self.eventLock.Lock()
			defer self.eventLock.Unlock()
			events = self.pendingEvents
			self.pendingEvents = nil
		}()
		for _, event := range events {
			for _, changeCallback := range self.changeCallbacks.Get() {
				HandleError(func() {
					changeCallback(event)
				})
			}
		}
	}
}

// do runs `fn` on the worker and waits for it.
// Once accepted by the worker an operation runs to completion.
func (self *DocumentStore) do(tag string, fn func(log *SnapshotLog) error) error {
	done := make(chan error, 1)
	op := func() {
		var err error
		run := func() {
			if r := HandleError(func() { err = fn(self.log) }); r != nil {
				err = fmt.Errorf("%s: %v", tag, r)
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[store]%s %s", self.id, tag), run)
		} else {
			run()
		}
		self.emitIfChanged()
		done <- err
	}
	if self.ctx.Err() != nil {
		return ErrStoreClosed
	}
	select {
	case <-self.ctx.Done():
		return ErrStoreClosed
	case self.ops <- op:
	}
	return <-done
}

func (self *DocumentStore) emitIfChanged() {
	marker := self.log.Heads()
	if marker.Equal(self.eventMarker) {
		return
	}
	self.eventMarker = marker
	event := &ChangeEvent{
		Id:     self.id,
		Marker: marker,
	}
	func() {
		self.eventLock.Lock()
		defer self.eventLock.Unlock()
		self.pendingEvents = append(self.pendingEvents, event)
	}()
	select {
	case self.eventNotify <- struct{}{}:
	default:
	}
}

func (self *DocumentStore) Id() DocumentId {
	return self.id
}

func (self *DocumentStore) Codec() ChangeCodec {
	return self.codec
}

func (self *DocumentStore) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// Update mutates the live document.
func (self *DocumentStore) Update(fn func(doc Document) error) error {
	return self.do("update", func(log *SnapshotLog) error {
		return fn(log.Document())
	})
}

// View reads the live document. `fn` must not mutate it.
func (self *DocumentStore) View(fn func(doc Document) error) error {
	return self.do("view", func(log *SnapshotLog) error {
		return fn(log.Document())
	})
}

func (self *DocumentStore) Heads() (marker VersionMarker, err error) {
	err = self.do("heads", func(log *SnapshotLog) error {
		marker = log.Heads()
		return nil
	})
	return
}

// IsDirty is true while edits have not been flushed into the package.
func (self *DocumentStore) IsDirty() (dirty bool, err error) {
	err = self.do("dirty", func(log *SnapshotLog) error {
		dirty = log.IsDirty()
		return nil
	})
	return
}

// Package returns the current package without flushing.
func (self *DocumentStore) Package() (pkg *Package, err error) {
	err = self.do("package", func(log *SnapshotLog) error {
		pkg = log.Package()
		return nil
	})
	return
}

func (self *DocumentStore) MarkIfDirty() error {
	return self.do("mark", func(log *SnapshotLog) error {
		return log.MarkIfDirty()
	})
}

// Flush writes local edits as a new incremental and returns the package.
func (self *DocumentStore) Flush() (pkg *Package, err error) {
	err = self.do("flush", func(log *SnapshotLog) error {
		if err := log.MarkIfDirty(); err != nil {
			return err
		}
		pkg = log.Flush()
		return nil
	})
	return
}

// Save flushes and compacts when the policy asks for it. The returned
// package is what the host should persist.
func (self *DocumentStore) Save() (pkg *Package, err error) {
	err = self.do("save", func(log *SnapshotLog) error {
		if err := log.MarkIfDirty(); err != nil {
			return err
		}
		log.Flush()
		var compacted bool
		var err error
		pkg, compacted, err = self.compaction.CompactIfNeeded(log)
		if err != nil {
			return err
		}
		if compacted {
			glog.V(1).Infof("[store]%s save compacted\n", self.id)
		}
		return nil
	})
	return
}

func (self *DocumentStore) Compact() (pkg *Package, err error) {
	err = self.do("compact", func(log *SnapshotLog) error {
		var err error
		pkg, err = self.compaction.Compact(log)
		return err
	})
	return
}

func (self *DocumentStore) MergeExternal(incoming *Package) (result MergeResult, err error) {
	err = self.do("merge", func(log *SnapshotLog) error {
		var err error
		result, err = log.MergeExternal(incoming)
		return err
	})
	return
}

func (self *DocumentStore) ReconcileSibling(sibling *Package) (result MergeResult, err error) {
	err = self.do("reconcile", func(log *SnapshotLog) error {
		var err error
		result, err = log.ReconcileSibling(sibling)
		return err
	})
	return
}

// MergePackage merges the document held by another package of the same
// document, e.g. an imported export, without adopting its entries.
// The merged changes are persisted by the next flush like a local edit.
func (self *DocumentStore) MergePackage(pkg *Package) error {
	return self.do("merge package", func(log *SnapshotLog) error {
		parsed, err := ParsePackage(pkg)
		if err != nil {
			return err
		}
		if parsed.Id != log.Id() {
			return fmt.Errorf("%w: %s, expected %s", ErrIdentityMismatch, parsed.Id, log.Id())
		}
		other, err := replayPackage(self.codec, parsed)
		if err != nil {
			return err
		}
		return self.codec.Merge(log.Document(), other)
	})
}

// Snapshot encodes the whole document and its current marker.
func (self *DocumentStore) Snapshot() (snapshot []byte, marker VersionMarker, err error) {
	err = self.do("snapshot", func(log *SnapshotLog) error {
		snapshot = self.codec.EncodeSnapshot(log.Document())
		marker = log.Heads()
		return nil
	})
	return
}

// ChangesSince encodes the changes after `since` and returns the marker they reach.
// This does not touch the snapshot log.
func (self *DocumentStore) ChangesSince(since VersionMarker) (changes []byte, marker VersionMarker, err error) {
	err = self.do("changes", func(log *SnapshotLog) error {
		var err error
		marker = log.Heads()
		changes, err = self.codec.EncodeChangesSince(log.Document(), since)
		return err
	})
	return
}

// ApplyChanges applies a blob received from elsewhere, e.g. a relay peer.
// The changes are persisted by the next flush like a local edit.
func (self *DocumentStore) ApplyChanges(changes []byte) error {
	return self.do("apply", func(log *SnapshotLog) error {
		return self.codec.ApplyEncodedChanges(log.Document(), changes)
	})
}

func (self *DocumentStore) Close() {
	self.cancel()
}

func (self *DocumentStore) Done() <-chan struct{} {
	return self.ctx.Done()
}
