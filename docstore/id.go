package docstore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// identity of one logical document
// the package `id` entry and the relay both use the string form
// comparable
type DocumentId [16]byte

func NewDocumentId() DocumentId {
	return DocumentId(ulid.Make())
}

func DocumentIdFromBytes(idBytes []byte) (DocumentId, error) {
	if len(idBytes) != 16 {
		return DocumentId{}, errors.New("DocumentId must be 16 bytes")
	}
	return DocumentId(idBytes), nil
}

func ParseDocumentId(idStr string) (DocumentId, error) {
	return parseUuid(idStr)
}

func RequireParseDocumentId(idStr string) DocumentId {
	id, err := ParseDocumentId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self DocumentId) Bytes() []byte {
	return self[0:16]
}

func (self DocumentId) String() string {
	return encodeUuid(self)
}

func (self DocumentId) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *DocumentId) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for DocumentId: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		if src[8] != '-' || src[13] != '-' || src[18] != '-' || src[23] != '-' {
			return dst, fmt.Errorf("cannot parse DocumentId %v", src)
		}
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped
	default:
		return dst, fmt.Errorf("cannot parse DocumentId %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, nil
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
