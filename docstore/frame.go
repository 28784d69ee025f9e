package docstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// relay protocol frames
//
//	message Frame {
//	    uint64 type = 1;
//	    bytes document_id = 2;
//	    string key = 3;
//	    bytes blob = 4;
//	    string message = 5;
//	}
type FrameType uint64

const (
	// client -> relay, first frame: `Message` is the auth token
	FrameAuth FrameType = 1
	// relay -> client, auth accepted
	FrameReady FrameType = 2
	// client -> relay: `Key`/`Blob` is a snapshot of the document
	FrameRegister FrameType = 3
	// relay -> client
	FrameRegistered FrameType = 4
	// both ways: `Key`/`Blob` is a change blob
	FrameChanges FrameType = 5
	// client -> relay
	FrameUnregister FrameType = 6
	// relay -> client: `Message` is the reason, `DocumentId` is set when the error is about one document
	FrameError FrameType = 7
)

func (self FrameType) String() string {
	switch self {
	case FrameAuth:
		return "auth"
	case FrameReady:
		return "ready"
	case FrameRegister:
		return "register"
	case FrameRegistered:
		return "registered"
	case FrameChanges:
		return "changes"
	case FrameUnregister:
		return "unregister"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(self))
	}
}

type Frame struct {
	Type       FrameType
	DocumentId DocumentId
	Key        string
	Blob       []byte
	Message    string
}

const (
	frameFieldType       protowire.Number = 1
	frameFieldDocumentId protowire.Number = 2
	frameFieldKey        protowire.Number = 3
	frameFieldBlob       protowire.Number = 4
	frameFieldMessage    protowire.Number = 5
)

func EncodeFrame(frame *Frame) []byte {
	var b []byte
	b = appendWireVarint(b, frameFieldType, uint64(frame.Type))
	if (frame.DocumentId != DocumentId{}) {
		b = appendWireBytes(b, frameFieldDocumentId, frame.DocumentId.Bytes())
	}
	if frame.Key != "" {
		b = appendWireString(b, frameFieldKey, frame.Key)
	}
	if frame.Blob != nil {
		b = appendWireBytes(b, frameFieldBlob, frame.Blob)
	}
	if frame.Message != "" {
		b = appendWireString(b, frameFieldMessage, frame.Message)
	}
	return b
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	err := readWireFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case frameFieldType:
			v, n, err := consumeWireVarint(num, typ, b)
			frame.Type = FrameType(v)
			return n, err
		case frameFieldDocumentId:
			v, n, err := consumeWireBytes(num, typ, b)
			if err == nil && 0 <= n {
				frame.DocumentId, err = DocumentIdFromBytes(v)
			}
			return n, err
		case frameFieldKey:
			v, n, err := consumeWireBytes(num, typ, b)
			frame.Key = string(v)
			return n, err
		case frameFieldBlob:
			v, n, err := consumeWireBytes(num, typ, b)
			frame.Blob = v
			return n, err
		case frameFieldMessage:
			v, n, err := consumeWireBytes(num, typ, b)
			frame.Message = string(v)
			return n, err
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if frame.Type < FrameAuth || FrameError < frame.Type {
		return nil, fmt.Errorf("Unknown frame type: %s", frame.Type)
	}
	return frame, nil
}
