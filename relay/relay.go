package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"bringyour.com/cloudcount/docstore"
)

const PeerSendBufferSize = 32

type RelaySettings struct {
	// when set, clients must authenticate with a token signed by this secret
	Secret []byte

	AuthTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// 0 means no limit
	MaxDocumentsPerPeer int
	// blobs kept per document, oldest dropped first. 0 means no limit
	MaxBlobsPerDocument int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		AuthTimeout:         5 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		MaxDocumentsPerPeer: 0,
		MaxBlobsPerDocument: 1024,
	}
}

type relayBlob struct {
	key  string
	blob []byte
}

type relayDocument struct {
	blobs []*relayBlob
	keys  map[string]bool
	peers map[*relayPeer]bool
}

func (self *relayDocument) add(key string, blob []byte, maxBlobs int) bool {
	if self.keys[key] {
		return false
	}
	self.keys[key] = true
	self.blobs = append(self.blobs, &relayBlob{
		key:  key,
		blob: blob,
	})
	if 0 < maxBlobs && maxBlobs < len(self.blobs) {
		n := len(self.blobs) - maxBlobs
		for _, dropped := range self.blobs[:n] {
			delete(self.keys, dropped.key)
		}
		self.blobs = self.blobs[n:]
	}
	return true
}

type relayPeer struct {
	ctx    context.Context
	cancel context.CancelFunc

	id      string
	subject string
	send    chan []byte
}

// Relay fans out change blobs between peers sharing the same document.
// Blobs are kept in memory, deduplicated by key, so a peer that registers
// late receives everything the others have sent.
type Relay struct {
	ctx context.Context

	settings *RelaySettings
	upgrader *websocket.Upgrader

	stateLock     sync.Mutex
	documents     map[docstore.DocumentId]*relayDocument
	peerDocuments map[*relayPeer]map[docstore.DocumentId]bool
}

func NewRelayWithDefaults(ctx context.Context) *Relay {
	return NewRelay(ctx, DefaultRelaySettings())
}

func NewRelay(ctx context.Context, settings *RelaySettings) *Relay {
	return &Relay{
		ctx:      ctx,
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		documents:     map[docstore.DocumentId]*relayDocument{},
		peerDocuments: map[*relayPeer]map[docstore.DocumentId]bool{},
	}
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	subject, err := self.authenticate(ws)
	if err != nil {
		glog.Infof("[relay]auth error %s = %s\n", r.RemoteAddr, err)
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		ws.WriteMessage(websocket.BinaryMessage, docstore.EncodeFrame(&docstore.Frame{
			Type:    docstore.FrameError,
			Message: err.Error(),
		}))
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	peer := &relayPeer{
		ctx:     handleCtx,
		cancel:  handleCancel,
		id:      ulid.Make().String(),
		subject: subject,
		send:    make(chan []byte, PeerSendBufferSize),
	}
	defer self.removePeer(peer)
	glog.V(1).Infof("[relay]peer %s (%s) connected\n", peer.id, subject)

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, docstore.EncodeFrame(&docstore.Frame{
		Type: docstore.FrameReady,
	})); err != nil {
		return
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-peer.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[relays]%s-> error = %s\n", peer.id, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
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
				glog.V(1).Infof("[relayr]%s<- error = %s\n", peer.id, err)
				return
			}
			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					continue
				}
				frame, err := docstore.DecodeFrame(message)
				if err != nil {
					glog.Infof("[relayr]%s bad frame = %s\n", peer.id, err)
					continue
				}
				glog.V(2).Infof("[relayr]%s %s %s<-\n", peer.id, frame.Type, frame.DocumentId)
				self.receive(peer, frame)
			default:
				glog.V(2).Infof("[relayr]other=%d %s<-\n", messageType, peer.id)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
	glog.V(1).Infof("[relay]peer %s disconnected\n", peer.id)
}

func (self *Relay) authenticate(ws *websocket.Conn) (string, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if messageType != websocket.BinaryMessage {
		return "", fmt.Errorf("Auth must be binary.")
	}
	frame, err := docstore.DecodeFrame(message)
	if err != nil {
		return "", err
	}
	if frame.Type != docstore.FrameAuth {
		return "", fmt.Errorf("Expected auth, got %s.", frame.Type)
	}
	if self.settings.Secret == nil {
		return "anonymous", nil
	}
	return docstore.VerifyRelayToken(self.settings.Secret, frame.Message)
}

func (self *Relay) receive(peer *relayPeer, frame *docstore.Frame) {
	switch frame.Type {
	case docstore.FrameRegister:
		self.register(peer, frame)
	case docstore.FrameChanges:
		self.changes(peer, frame)
	case docstore.FrameUnregister:
		self.unregister(peer, frame.DocumentId)
	default:
		self.sendError(peer, frame.DocumentId, fmt.Sprintf("unexpected %s", frame.Type))
	}
}

func (self *Relay) register(peer *relayPeer, frame *docstore.Frame) {
	id := frame.DocumentId
	if (id == docstore.DocumentId{}) || len(frame.Blob) == 0 || frame.Key == "" {
		self.sendError(peer, id, "registration requires a document id and a snapshot")
		return
	}

	var reason string
	var backlog []*relayBlob
	var others []*relayPeer
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		peerDocuments, ok := self.peerDocuments[peer]
		if !ok {
			peerDocuments = map[docstore.DocumentId]bool{}
			self.peerDocuments[peer] = peerDocuments
		}
		if !peerDocuments[id] && 0 < self.settings.MaxDocumentsPerPeer && self.settings.MaxDocumentsPerPeer <= len(peerDocuments) {
			reason = fmt.Sprintf("too many documents (max %d)", self.settings.MaxDocumentsPerPeer)
			return
		}
		peerDocuments[id] = true

		document, ok := self.documents[id]
		if !ok {
			document = &relayDocument{
				keys:  map[string]bool{},
				peers: map[*relayPeer]bool{},
			}
			self.documents[id] = document
		}
		document.peers[peer] = true
		for _, b := range document.blobs {
			if b.key != frame.Key {
				backlog = append(backlog, b)
			}
		}
		if document.add(frame.Key, frame.Blob, self.settings.MaxBlobsPerDocument) {
			others = otherPeers(document, peer)
		}
	}()
	if reason != "" {
		glog.Infof("[relay]%s register %s failed = %s\n", peer.id, id, reason)
		self.sendError(peer, id, reason)
		return
	}

	glog.V(1).Infof("[relay]%s registered %s (backlog %d)\n", peer.id, id, len(backlog))
	self.send(peer, &docstore.Frame{
		Type:       docstore.FrameRegistered,
		DocumentId: id,
	})
	for _, b := range backlog {
		self.send(peer, &docstore.Frame{
			Type:       docstore.FrameChanges,
			DocumentId: id,
			Key:        b.key,
			Blob:       b.blob,
		})
	}
	self.broadcast(others, id, frame.Key, frame.Blob)
}

func (self *Relay) changes(peer *relayPeer, frame *docstore.Frame) {
	id := frame.DocumentId

	registered := false
	var others []*relayPeer
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		document, ok := self.documents[id]
		if !ok || !document.peers[peer] {
			return
		}
		registered = true
		if document.add(frame.Key, frame.Blob, self.settings.MaxBlobsPerDocument) {
			others = otherPeers(document, peer)
		}
	}()
	if !registered {
		self.sendError(peer, id, "document not registered")
		return
	}
	self.broadcast(others, id, frame.Key, frame.Blob)
}

func otherPeers(document *relayDocument, peer *relayPeer) []*relayPeer {
	others := []*relayPeer{}
	for other := range document.peers {
		if other != peer {
			others = append(others, other)
		}
	}
	return others
}

func (self *Relay) broadcast(peers []*relayPeer, id docstore.DocumentId, key string, blob []byte) {
	for _, peer := range peers {
		self.send(peer, &docstore.Frame{
			Type:       docstore.FrameChanges,
			DocumentId: id,
			Key:        key,
			Blob:       blob,
		})
	}
}

func (self *Relay) unregister(peer *relayPeer, id docstore.DocumentId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if peerDocuments, ok := self.peerDocuments[peer]; ok {
		delete(peerDocuments, id)
	}
	if document, ok := self.documents[id]; ok {
		delete(document.peers, peer)
	}
	glog.V(1).Infof("[relay]%s unregistered %s\n", peer.id, id)
}

func (self *Relay) removePeer(peer *relayPeer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for id := range self.peerDocuments[peer] {
		if document, ok := self.documents[id]; ok {
			delete(document.peers, peer)
		}
	}
	delete(self.peerDocuments, peer)
}

func (self *Relay) sendError(peer *relayPeer, id docstore.DocumentId, message string) {
	self.send(peer, &docstore.Frame{
		Type:       docstore.FrameError,
		DocumentId: id,
		Message:    message,
	})
}

// a peer that cannot keep up is disconnected. It re-registers and receives the backlog.
func (self *Relay) send(peer *relayPeer, frame *docstore.Frame) {
	select {
	case <-peer.ctx.Done():
	case peer.send <- docstore.EncodeFrame(frame):
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[relay]%s send timeout, disconnecting\n", peer.id)
		peer.cancel()
	}
}

// DocumentBlobCount is the number of distinct blobs held for a document.
func (self *Relay) DocumentBlobCount(id docstore.DocumentId) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if document, ok := self.documents[id]; ok {
		return len(document.blobs)
	}
	return 0
}

func (self *Relay) HasBlob(id docstore.DocumentId, key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if document, ok := self.documents[id]; ok {
		return document.keys[key]
	}
	return false
}

func (self *Relay) PeerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peerDocuments)
}
