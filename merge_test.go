package syncview

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMergeOrdering(t *testing.T) {
	authorId := NewId()
	baseTime := time.Now().Truncate(time.Millisecond)

	older := &Record{
		Id:         NewId(),
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		CreatedAt:  baseTime.Add(-2 * time.Second),
		Visibility: VisibilityPublic,
		Text:       "older",
	}
	newer := &Record{
		Id:         NewId(),
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		CreatedAt:  baseTime.Add(-1 * time.Second),
		Visibility: VisibilityPublic,
		Text:       "newer",
	}

	first := &OptimisticEntry{
		TempId:      NewId(),
		Payload:     Payload{Kind: RecordKindMessage, Text: "first pending"},
		SubmittedAt: baseTime,
		Status:      OptimisticStatusPending,
	}
	second := &OptimisticEntry{
		TempId:      NewId(),
		Payload:     Payload{Kind: RecordKindMessage, Text: "second pending"},
		SubmittedAt: baseTime.Add(time.Second),
		Status:      OptimisticStatusPending,
	}

	entries := MergeRecords([]*Record{older, newer}, []*OptimisticEntry{first, second}, nil)

	assert.Equal(t, 4, len(entries))
	// pending first, most recent submission first
	assert.Equal(t, second.TempId, entries[0].Key())
	assert.Equal(t, first.TempId, entries[1].Key())
	// then confirmed, created time descending
	assert.Equal(t, newer.Id, entries[2].Key())
	assert.Equal(t, older.Id, entries[3].Key())
	assert.Equal(t, false, entries[0].IsConfirmed())
	assert.Equal(t, true, entries[2].IsConfirmed())
}

func TestMergeOrderingTieBreak(t *testing.T) {
	authorId := NewId()
	createdAt := time.Now().Truncate(time.Millisecond)

	a := &Record{
		Id:         NewId(),
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
	}
	b := &Record{
		Id:         NewId(),
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
	}

	// same created time orders by id regardless of input order
	forward := MergeRecords([]*Record{a, b}, nil, nil)
	reverse := MergeRecords([]*Record{b, a}, nil, nil)

	assert.Equal(t, 2, len(forward))
	assert.Equal(t, forward[0].Key(), reverse[0].Key())
	assert.Equal(t, forward[1].Key(), reverse[1].Key())
	assert.Equal(t, true, forward[0].Key().String() < forward[1].Key().String())
}

func TestMergeEchoDedup(t *testing.T) {
	authorId := NewId()
	tempId := NewId()
	submittedAt := time.Now()

	entry := &OptimisticEntry{
		TempId:      tempId,
		Payload:     Payload{Kind: RecordKindMessage, Text: "hi"},
		SubmittedAt: submittedAt,
		Status:      OptimisticStatusConfirmed,
	}
	echo := &Record{
		Id:         NewId(),
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		CreatedAt:  submittedAt,
		Visibility: VisibilityPublic,
		ClientId:   tempId,
		Text:       "hi",
	}

	// before the echo the entry renders
	entries := MergeRecords(nil, []*OptimisticEntry{entry}, nil)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, tempId, entries[0].Key())

	// the echo replaces it in the same computation. content equality is
	// irrelevant, only the round-tripped temp id matters
	entries = MergeRecords([]*Record{echo}, []*OptimisticEntry{entry}, nil)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, echo.Id, entries[0].Key())
	assert.Equal(t, true, entries[0].IsConfirmed())
}

func TestMergeLaterArrivalWins(t *testing.T) {
	authorId := NewId()
	recordId := NewId()
	createdAt := time.Now()

	stale := &Record{
		Id:         recordId,
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
		Text:       "v1",
	}
	updated := &Record{
		Id:         recordId,
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
		Text:       "v2",
		Reactions:  map[string]int{"like": 3},
	}

	entries := MergeRecords([]*Record{stale, updated}, nil, nil)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, "v2", entries[0].Text())
	assert.Equal(t, 3, entries[0].Record.Reactions["like"])
}

func TestMergeTombstone(t *testing.T) {
	authorId := NewId()
	recordId := NewId()
	createdAt := time.Now()

	live := &Record{
		Id:         recordId,
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
		Text:       "soon gone",
	}
	tombstone := &Record{
		Id:         recordId,
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		CreatedAt:  createdAt,
		Visibility: VisibilityPublic,
		Deleted:    true,
	}

	entries := MergeRecords([]*Record{live, tombstone}, nil, nil)
	assert.Equal(t, 0, len(entries))
}

func TestMergePatches(t *testing.T) {
	authorId := NewId()
	target := &Record{
		Id:         NewId(),
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  time.Now(),
		Visibility: VisibilityPublic,
		Reactions:  map[string]int{"like": 1},
	}

	entries := MergeRecords(
		[]*Record{target},
		nil,
		[]*RecordPatch{
			{TargetId: target.Id, Reaction: "like", Delta: 1},
			{TargetId: target.Id, Reaction: "heart", Delta: 1},
		},
	)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, 2, entries[0].Record.Reactions["like"])
	assert.Equal(t, 1, entries[0].Record.Reactions["heart"])

	// the upstream record is untouched
	assert.Equal(t, 1, target.Reactions["like"])
	assert.Equal(t, 0, target.Reactions["heart"])
}

func TestMergePatchFloor(t *testing.T) {
	authorId := NewId()
	target := &Record{
		Id:         NewId(),
		Kind:       RecordKindPost,
		AuthorId:   authorId,
		CreatedAt:  time.Now(),
		Visibility: VisibilityPublic,
		Reactions:  map[string]int{"like": 1},
	}

	entries := MergeRecords(
		[]*Record{target},
		nil,
		[]*RecordPatch{
			{TargetId: target.Id, Reaction: "like", Delta: -1},
		},
	)
	assert.Equal(t, 1, len(entries))
	_, ok := entries[0].Record.Reactions["like"]
	assert.Equal(t, false, ok)
}

func TestDedupAppend(t *testing.T) {
	authorId := NewId()
	newRecord := func(text string) *Record {
		return &Record{
			Id:         NewId(),
			Kind:       RecordKindMessage,
			AuthorId:   authorId,
			CreatedAt:  time.Now(),
			Visibility: VisibilityPublic,
			Text:       text,
		}
	}

	a := newRecord("a")
	b := newRecord("b")
	c := newRecord("c")

	out := dedupAppend([]*Record{a, b}, []*Record{b, c})
	assert.Equal(t, 3, len(out))
	assert.Equal(t, a.Id, out[0].Id)
	assert.Equal(t, b.Id, out[1].Id)
	assert.Equal(t, c.Id, out[2].Id)
}
