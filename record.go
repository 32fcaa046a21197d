package syncview

import (
	"encoding/json"
	"fmt"
	"time"
)

// record variants are tagged. Documents coming off the store boundary are
// decoded once here; malformed documents are rejected at the boundary and
// never reach the merged view.

type RecordKind string

const (
	RecordKindMessage RecordKind = "message"
	RecordKindPost    RecordKind = "post"
)

type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
	VisibilityOwner      Visibility = "owner"
)

// one confirmed unit of content as known to the server.
// immutable once delivered. edits arrive as new records or tombstones.
type Record struct {
	Id       Id
	Kind     RecordKind
	AuthorId Id
	// server timestamp, the sole sort key
	CreatedAt  time.Time
	Visibility Visibility
	// tombstone. consumes the id for dedup but is not rendered
	Deleted bool
	// echo of the client-generated write id. zero when the record
	// did not originate from this device session
	ClientId Id

	Text     string
	MediaRef string
	// reaction -> count
	Reactions map[string]int
}

// content of a not-yet-written record
type Payload struct {
	Kind     RecordKind
	Text     string
	MediaRef string
}

// optimistic entry state machine is:
// OptimisticStatusPending
//
//	-> OptimisticStatusConfirmed (removed when the echo record arrives)
//	-> OptimisticStatusFailed (kept visible until retry or discard)
type OptimisticStatus string

const (
	OptimisticStatusPending   OptimisticStatus = "pending"
	OptimisticStatusConfirmed OptimisticStatus = "confirmed"
	OptimisticStatusFailed    OptimisticStatus = "failed"
)

func (self OptimisticStatus) IsSettled() bool {
	switch self {
	case OptimisticStatusConfirmed, OptimisticStatusFailed:
		return true
	default:
		return false
	}
}

// a client-issued write rendered before server confirmation.
// matching against the confirmed record is by TempId round-tripped
// through the write, never by content equality.
type OptimisticEntry struct {
	TempId      Id
	Scope       Scope
	Payload     Payload
	SubmittedAt time.Time
	Status      OptimisticStatus
	// set for counter mutations of an existing record.
	// patch entries adjust their target and are not rendered as rows
	Patch *RecordPatch
	// set when Status is failed
	Err error
}

func (self *OptimisticEntry) IsPatch() bool {
	return self.Patch != nil
}

// wire shape of a record document. timestamps are unix milliseconds so the
// encoding stays portable across the store and the cache.
type recordDocument struct {
	Id          string         `json:"id"`
	Kind        string         `json:"kind"`
	AuthorId    string         `json:"author_id"`
	CreatedAtMs int64          `json:"created_at_ms"`
	Visibility  string         `json:"visibility"`
	Deleted     bool           `json:"deleted,omitempty"`
	ClientId    string         `json:"client_id,omitempty"`
	Text        string         `json:"text,omitempty"`
	MediaRef    string         `json:"media_ref,omitempty"`
	Reactions   map[string]int `json:"reactions,omitempty"`
}

func encodeRecordDocument(record *Record) *recordDocument {
	doc := &recordDocument{
		Id:          record.Id.String(),
		Kind:        string(record.Kind),
		AuthorId:    record.AuthorId.String(),
		CreatedAtMs: record.CreatedAt.UnixMilli(),
		Visibility:  string(record.Visibility),
		Deleted:     record.Deleted,
		Text:        record.Text,
		MediaRef:    record.MediaRef,
		Reactions:   record.Reactions,
	}
	if !record.ClientId.IsZero() {
		doc.ClientId = record.ClientId.String()
	}
	return doc
}

func decodeRecordDocument(doc *recordDocument) (*Record, error) {
	recordId, err := ParseId(doc.Id)
	if err != nil {
		return nil, fmt.Errorf("record document missing id: %w", err)
	}
	authorId, err := ParseId(doc.AuthorId)
	if err != nil {
		return nil, fmt.Errorf("record document missing author: %w", err)
	}
	var kind RecordKind
	switch RecordKind(doc.Kind) {
	case RecordKindMessage, RecordKindPost:
		kind = RecordKind(doc.Kind)
	default:
		return nil, fmt.Errorf("record document has unknown kind %q", doc.Kind)
	}
	var visibility Visibility
	switch Visibility(doc.Visibility) {
	case VisibilityPublic, VisibilityRestricted, VisibilityOwner:
		visibility = Visibility(doc.Visibility)
	default:
		return nil, fmt.Errorf("record document has unknown visibility %q", doc.Visibility)
	}
	if doc.CreatedAtMs <= 0 {
		return nil, fmt.Errorf("record document has no timestamp")
	}

	record := &Record{
		Id:         recordId,
		Kind:       kind,
		AuthorId:   authorId,
		CreatedAt:  time.UnixMilli(doc.CreatedAtMs).UTC(),
		Visibility: visibility,
		Deleted:    doc.Deleted,
		Text:       doc.Text,
		MediaRef:   doc.MediaRef,
		Reactions:  doc.Reactions,
	}
	if doc.ClientId != "" {
		clientId, err := ParseId(doc.ClientId)
		if err != nil {
			return nil, fmt.Errorf("record document has bad client id: %w", err)
		}
		record.ClientId = clientId
	}
	return record, nil
}

// DecodeRecord decodes one document off the store boundary.
func DecodeRecord(docBytes []byte) (*Record, error) {
	var doc recordDocument
	if err := json.Unmarshal(docBytes, &doc); err != nil {
		return nil, err
	}
	return decodeRecordDocument(&doc)
}

// EncodeRecord is the inverse of DecodeRecord.
func EncodeRecord(record *Record) ([]byte, error) {
	return json.Marshal(encodeRecordDocument(record))
}

// a shallow copy with its own reactions map, so optimistic patches
// never mutate history already delivered to the view
func (self *Record) copy() *Record {
	out := *self
	if self.Reactions != nil {
		reactions := make(map[string]int, len(self.Reactions))
		for reaction, count := range self.Reactions {
			reactions[reaction] = count
		}
		out.Reactions = reactions
	}
	return &out
}
