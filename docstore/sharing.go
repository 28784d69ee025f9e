package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

const SharingSendBufferSize = 32

type SharingSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectTimeout    time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	RegistrationTimeout time.Duration
}

func DefaultSharingSettings() *SharingSettings {
	return &SharingSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		ReconnectTimeout:    5 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		RegistrationTimeout: 10 * time.Second,
	}
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// authenticated and able to register documents
	Ready
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registered
	RegistrationFailed
)

func (self RegistrationState) String() string {
	switch self {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case RegistrationFailed:
		return "registration failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type DocumentStatus struct {
	Id    DocumentId
	State RegistrationState
	// set for `RegistrationFailed`
	Reason string
}

func (self DocumentStatus) String() string {
	if self.Reason != "" {
		return fmt.Sprintf("%s %s (%s)", self.Id, self.State, self.Reason)
	}
	return fmt.Sprintf("%s %s", self.Id, self.State)
}

type ConnectionStateFunction = func(state ConnectionState)

type DocumentStatusFunction = func(status DocumentStatus)

type sharedDocument struct {
	store       *DocumentStore
	unsubscribe func()

	// guards `sentMarker` across pushes and remote applies
	pushLock   sync.Mutex
	sentMarker VersionMarker

	// state lock
	registered bool
	// pending registration that `Share` calls wait on
	wait *registrationWait
	// `Share` calls waiting on `wait`
	waiters int
}

type registrationWait struct {
	// closed once `status` is set
	done   chan struct{}
	status DocumentStatus
}

func newRegistrationWait() *registrationWait {
	return &registrationWait{
		done: make(chan struct{}),
	}
}

// a live authenticated connection
type sharingConnection struct {
	ctx  context.Context
	send chan []byte
}

func (self *sharingConnection) sendFrame(frame *Frame, timeout time.Duration) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- EncodeFrame(frame):
		return true
	case <-time.After(timeout):
		return false
	}
}

// SharingService keeps shared documents in sync through a relay. Local changes
// are pushed as change blobs when a store emits a change event, and change
// blobs from other peers are applied to the live documents. The connection is
// re-established after failures and all shared documents are re-registered.
type SharingService struct {
	ctx    context.Context
	cancel context.CancelFunc

	relayUrl  string
	authToken string
	settings  *SharingSettings

	stateLock       sync.Mutex
	connectionState ConnectionState
	conn            *sharingConnection
	documents       map[DocumentId]*sharedDocument
	failures        map[DocumentId]string

	connectionStateCallbacks *CallbackList[ConnectionStateFunction]
	documentStatusCallbacks  *CallbackList[DocumentStatusFunction]
}

func NewSharingServiceWithDefaults(ctx context.Context, relayUrl string, authToken string) *SharingService {
	return NewSharingService(ctx, relayUrl, authToken, DefaultSharingSettings())
}

func NewSharingService(
	ctx context.Context,
	relayUrl string,
	authToken string,
	settings *SharingSettings,
) *SharingService {
	cancelCtx, cancel := context.WithCancel(ctx)
	sharing := &SharingService{
		ctx:                      cancelCtx,
		cancel:                   cancel,
		relayUrl:                 relayUrl,
		authToken:                authToken,
		settings:                 settings,
		connectionState:          Disconnected,
		documents:                map[DocumentId]*sharedDocument{},
		failures:                 map[DocumentId]string{},
		connectionStateCallbacks: NewCallbackList[ConnectionStateFunction](),
		documentStatusCallbacks:  NewCallbackList[DocumentStatusFunction](),
	}
	go sharing.run()
	return sharing
}

func (self *SharingService) run() {
	defer func() {
		self.cancel()
		self.disconnected()
		self.unshareAll()
	}()

	authBytes := EncodeFrame(&Frame{
		Type:    FrameAuth,
		Message: self.authToken,
	})

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setConnectionState(Connecting)

		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.relayUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			self.setConnectionState(Connected)

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			if messageType != websocket.BinaryMessage {
				return nil, fmt.Errorf("Auth response error.")
			}
			frame, err := DecodeFrame(message)
			if err != nil {
				return nil, fmt.Errorf("Auth response error: %w", err)
			}
			switch frame.Type {
			case FrameReady:
			case FrameError:
				return nil, fmt.Errorf("Auth rejected: %s", frame.Message)
			default:
				return nil, fmt.Errorf("Auth response error: unexpected %s.", frame.Type)
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[share]connect %s", self.relayUrl), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[share]connect error %s = %s\n", self.relayUrl, err)
			self.disconnected()
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			conn := &sharingConnection{
				ctx:  handleCtx,
				send: make(chan []byte, SharingSendBufferSize),
			}
			defer self.disconnected()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-conn.send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							// note that for websocket a dealine timeout cannot be recovered
							glog.Infof("[shares]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[shares]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							// note that for websocket a dealine timeout cannot be recovered
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[sharer]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[sharer]ping<-\n")
							continue
						}
						frame, err := DecodeFrame(message)
						if err != nil {
							glog.Infof("[sharer]bad frame<- = %s\n", err)
							continue
						}
						glog.V(2).Infof("[sharer]%s %s<-\n", frame.Type, frame.DocumentId)
						self.receive(conn, frame)
					default:
						glog.V(2).Infof("[sharer]other=%d<-\n", messageType)
					}
				}
			}()

			self.ready(conn)

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[share]connect run %s", self.relayUrl), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SharingService) setConnectionState(state ConnectionState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.connectionState != state {
			self.connectionState = state
			changed = true
		}
	}()
	if changed {
		glog.V(1).Infof("[share]connection %s\n", state)
		for _, connectionStateCallback := range self.connectionStateCallbacks.Get() {
			HandleError(func() {
				connectionStateCallback(state)
			})
		}
	}
}

func (self *SharingService) fireDocumentStatus(status DocumentStatus) {
	for _, documentStatusCallback := range self.documentStatusCallbacks.Get() {
		HandleError(func() {
			documentStatusCallback(status)
		})
	}
}

// ready installs the connection and registers every shared document on it
func (self *SharingService) ready(conn *sharingConnection) {
	var documents []*sharedDocument
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = conn
		documents = maps.Values(self.documents)
	}()
	self.setConnectionState(Ready)

	for _, document := range documents {
		self.register(conn, document)
	}
}

func (self *SharingService) disconnected() {
	var unregistered []DocumentId
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = nil
		for id, document := range self.documents {
			if document.registered {
				document.registered = false
				unregistered = append(unregistered, id)
			}
		}
	}()
	self.setConnectionState(Disconnected)
	for _, id := range unregistered {
		self.fireDocumentStatus(DocumentStatus{
			Id:    id,
			State: Unregistered,
		})
	}
}

// register sends a full snapshot. Changes are sent relative to it from then on.
func (self *SharingService) register(conn *sharingConnection, document *sharedDocument) {
	document.pushLock.Lock()
	defer document.pushLock.Unlock()

	snapshot, marker, err := document.store.Snapshot()
	if err != nil {
		glog.Infof("[share]%s snapshot error = %s\n", document.store.Id(), err)
		return
	}
	document.sentMarker = marker
	ok := conn.sendFrame(&Frame{
		Type:       FrameRegister,
		DocumentId: document.store.Id(),
		Key:        marker.Key(),
		Blob:       snapshot,
	}, self.settings.WriteTimeout)
	if !ok {
		glog.Infof("[share]%s register send failed\n", document.store.Id())
	}
}

func (self *SharingService) receive(conn *sharingConnection, frame *Frame) {
	switch frame.Type {
	case FrameRegistered:
		self.registrationResult(frame.DocumentId, DocumentStatus{
			Id:    frame.DocumentId,
			State: Registered,
		})
	case FrameError:
		if (frame.DocumentId == DocumentId{}) {
			glog.Infof("[share]relay error = %s\n", frame.Message)
			return
		}
		glog.Infof("[share]%s registration failed = %s\n", frame.DocumentId, frame.Message)
		self.registrationResult(frame.DocumentId, DocumentStatus{
			Id:     frame.DocumentId,
			State:  RegistrationFailed,
			Reason: frame.Message,
		})
	case FrameChanges:
		self.applyRemote(frame)
	default:
		glog.Infof("[share]unexpected frame %s\n", frame.Type)
	}
}

func (self *SharingService) registrationResult(id DocumentId, status DocumentStatus) {
	var document *sharedDocument
	var wait *registrationWait
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		var ok bool
		document, ok = self.documents[id]
		if !ok {
			return
		}
		wait = document.wait
		document.wait = nil
		document.waiters = 0
		if wait != nil {
			wait.status = status
		}
		switch status.State {
		case Registered:
			document.registered = true
			delete(self.failures, id)
		case RegistrationFailed:
			delete(self.documents, id)
			self.failures[id] = status.Reason
		}
	}()
	if document == nil {
		return
	}
	if status.State == RegistrationFailed {
		document.unsubscribe()
	}
	if wait != nil {
		close(wait.done)
	}
	self.fireDocumentStatus(status)
	if status.State == Registered {
		// edits made while the registration was in flight
		self.push(id)
	}
}

func (self *SharingService) applyRemote(frame *Frame) {
	document := self.document(frame.DocumentId)
	if document == nil {
		return
	}

	document.pushLock.Lock()
	defer document.pushLock.Unlock()

	before, err := document.store.Heads()
	if err != nil {
		return
	}
	if err := document.store.ApplyChanges(frame.Blob); err != nil {
		glog.Infof("[share]%s skip remote changes %s = %s\n", frame.DocumentId, frame.Key, err)
		return
	}
	after, err := document.store.Heads()
	if err != nil {
		return
	}
	// the relay already has what it sent, do not echo it back
	if document.sentMarker.Equal(before) {
		document.sentMarker = after
	}
	glog.V(1).Infof("[share]%s applied remote %s\n", frame.DocumentId, frame.Key)
}

func (self *SharingService) document(id DocumentId) *sharedDocument {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documents[id]
}

// push sends the changes since the last sent marker, if any
func (self *SharingService) push(id DocumentId) {
	var document *sharedDocument
	var conn *sharingConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		document = self.documents[id]
		if document != nil && document.registered {
			conn = self.conn
		}
	}()
	if conn == nil {
		return
	}

	document.pushLock.Lock()
	defer document.pushLock.Unlock()

	changes, marker, err := document.store.ChangesSince(document.sentMarker)
	if err != nil {
		glog.Infof("[share]%s changes error = %s\n", id, err)
		return
	}
	if marker.Equal(document.sentMarker) {
		return
	}
	ok := conn.sendFrame(&Frame{
		Type:       FrameChanges,
		DocumentId: id,
		Key:        marker.Key(),
		Blob:       changes,
	}, self.settings.WriteTimeout)
	if ok {
		document.sentMarker = marker
		glog.V(2).Infof("[share]%s pushed %s\n", id, marker)
	}
}

// Share registers the store with the relay and waits for the result.
// While disconnected the registration waits for the next connection, up to
// `RegistrationTimeout`. A shared document is re-registered after reconnects
// until `StopSharing`.
func (self *SharingService) Share(ctx context.Context, store *DocumentStore) DocumentStatus {
	id := store.Id()

	document := &sharedDocument{
		store:   store,
		wait:    newRegistrationWait(),
		waiters: 1,
	}
	document.unsubscribe = store.AddChangeCallback(func(event *ChangeEvent) {
		self.push(event.Id)
	})
	added := false
	var conn *sharingConnection
	// the document whose pending registration this call waits on
	waitDocument := document
	wait := document.wait
	alreadyShared := false
	closed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.ctx.Err() != nil {
			closed = true
			return
		}
		if existing, ok := self.documents[id]; ok {
			alreadyShared = existing.registered
			if !alreadyShared {
				// join the pending registration
				if existing.wait == nil {
					existing.wait = newRegistrationWait()
				}
				existing.waiters += 1
				waitDocument = existing
				wait = existing.wait
			}
			return
		}
		delete(self.failures, id)
		self.documents[id] = document
		added = true
		conn = self.conn
	}()
	if !added {
		document.unsubscribe()
	}
	if closed {
		return DocumentStatus{
			Id:     id,
			State:  RegistrationFailed,
			Reason: ErrSharingClosed.Error(),
		}
	}
	if alreadyShared {
		return DocumentStatus{
			Id:    id,
			State: Registered,
		}
	}
	if added {
		glog.V(1).Infof("[share]%s share\n", id)
		if conn != nil {
			self.register(conn, document)
		}
	}

	// the registration fails only when its last waiter gives up
	giveUp := func(reason string) DocumentStatus {
		status := DocumentStatus{
			Id:     id,
			State:  RegistrationFailed,
			Reason: reason,
		}
		last := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.documents[id] == waitDocument && waitDocument.wait == wait {
				waitDocument.waiters -= 1
				last = waitDocument.waiters <= 0
			}
		}()
		if last {
			self.registrationResult(id, status)
		}
		select {
		case <-wait.done:
			return wait.status
		default:
			return status
		}
	}

	select {
	case <-wait.done:
		return wait.status
	case <-ctx.Done():
		return giveUp(ctx.Err().Error())
	case <-self.ctx.Done():
		return giveUp(ErrSharingClosed.Error())
	case <-time.After(self.settings.RegistrationTimeout):
		return giveUp("registration timed out")
	}
}

// StopSharing unregisters the document. Fails with `ErrNotShared` if the
// document is not shared.
func (self *SharingService) StopSharing(id DocumentId) error {
	var document *sharedDocument
	var conn *sharingConnection
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.failures, id)
		document = self.documents[id]
		delete(self.documents, id)
		conn = self.conn
	}()
	if document == nil {
		return ErrNotShared
	}
	document.unsubscribe()
	if conn != nil {
		conn.sendFrame(&Frame{
			Type:       FrameUnregister,
			DocumentId: id,
		}, self.settings.WriteTimeout)
	}
	glog.V(1).Infof("[share]%s stop sharing\n", id)
	self.fireDocumentStatus(DocumentStatus{
		Id:    id,
		State: Unregistered,
	})
	return nil
}

func (self *SharingService) StatusOf(id DocumentId) DocumentStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if document, ok := self.documents[id]; ok && document.registered {
		return DocumentStatus{
			Id:    id,
			State: Registered,
		}
	}
	if reason, ok := self.failures[id]; ok {
		return DocumentStatus{
			Id:     id,
			State:  RegistrationFailed,
			Reason: reason,
		}
	}
	return DocumentStatus{
		Id:    id,
		State: Unregistered,
	}
}

func (self *SharingService) SharedDocumentIds() []DocumentId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.documents)
}

func (self *SharingService) ConnectionState() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionState
}

func (self *SharingService) AddConnectionStateCallback(connectionStateCallback ConnectionStateFunction) func() {
	callbackId := self.connectionStateCallbacks.Add(connectionStateCallback)
	return func() {
		self.connectionStateCallbacks.Remove(callbackId)
	}
}

func (self *SharingService) AddDocumentStatusCallback(documentStatusCallback DocumentStatusFunction) func() {
	callbackId := self.documentStatusCallbacks.Add(documentStatusCallback)
	return func() {
		self.documentStatusCallbacks.Remove(callbackId)
	}
}

func (self *SharingService) unshareAll() {
	var documents []*sharedDocument
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		documents = maps.Values(self.documents)
		clear(self.documents)
	}()
	for _, document := range documents {
		document.unsubscribe()
	}
}

func (self *SharingService) Close() {
	self.cancel()
}

func (self *SharingService) Done() <-chan struct{} {
	return self.ctx.Done()
}
