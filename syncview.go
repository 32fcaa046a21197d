package syncview

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// id for records, writes, and viewers
// ulid-backed so client-generated ids are unique and time-ordered per device session

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
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
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the identity of one observed collection:
// either one conversation's message history or the global content feed

type ScopeType string

const (
	ScopeTypeConversation ScopeType = "conversation"
	ScopeTypeFeed         ScopeType = "feed"
)

// comparable
type Scope struct {
	ScopeType ScopeType
	// zero for the feed scope
	ConversationId Id
}

func ConversationScope(conversationId Id) Scope {
	return Scope{
		ScopeType:      ScopeTypeConversation,
		ConversationId: conversationId,
	}
}

func FeedScope() Scope {
	return Scope{
		ScopeType: ScopeTypeFeed,
	}
}

func (self Scope) IsFeed() bool {
	return self.ScopeType == ScopeTypeFeed
}

// stable key for cache entries and subscription routing
func (self Scope) Key() string {
	if self.ScopeType == ScopeTypeFeed {
		return "feed"
	}
	return fmt.Sprintf("conversation/%s", self.ConversationId)
}

func (self Scope) String() string {
	return self.Key()
}
