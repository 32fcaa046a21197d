package syncview

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

const cacheKeyPrefix = "syncview/cache/"
const cacheEnvelopeVersion = 1

func DefaultRecordCacheSettings() *RecordCacheSettings {
	return &RecordCacheSettings{
		MaxRecords: 50,
	}
}

type RecordCacheSettings struct {
	// newest records kept per scope
	MaxRecords int
}

// snapshot envelope. timestamps inside are unix milliseconds so the
// stored blob stays portable.
type cacheEnvelope struct {
	Version     int               `json:"v"`
	WriteTimeMs int64             `json:"write_time_ms"`
	Records     []*recordDocument `json:"records"`
}

// durable newest-N snapshot per scope, used for instant cold-start rendering
// and offline fallback. the cache is an optimization, never a correctness
// dependency: corruption reads as a miss, write failures are logged only.
type RecordCache struct {
	viewerId Id
	local    LocalStore
	settings *RecordCacheSettings
}

func NewRecordCacheWithDefaults(viewerId Id, local LocalStore) *RecordCache {
	return NewRecordCache(viewerId, local, DefaultRecordCacheSettings())
}

func NewRecordCache(viewerId Id, local LocalStore, settings *RecordCacheSettings) *RecordCache {
	return &RecordCache{
		viewerId: viewerId,
		local:    local,
		settings: settings,
	}
}

// snapshots are keyed per viewer so one account never reads another's records
// from a shared device store
func (self *RecordCache) key(scope Scope) string {
	return fmt.Sprintf("%s%s/%s", cacheKeyPrefix, self.viewerId, scope.Key())
}

// overwrites the scope's snapshot with the newest records.
// fire and forget from the caller's perspective.
func (self *RecordCache) Write(scope Scope, records []*Record) {
	n := len(records)
	if self.settings.MaxRecords < n {
		n = self.settings.MaxRecords
	}
	envelope := &cacheEnvelope{
		Version:     cacheEnvelopeVersion,
		WriteTimeMs: time.Now().UnixMilli(),
		Records:     make([]*recordDocument, 0, n),
	}
	// records arrive newest first. keep the head
	for _, record := range records[0:n] {
		envelope.Records = append(envelope.Records, encodeRecordDocument(record))
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		glog.Infof("[cache]encode error %s = %s\n", scope, err)
		return
	}
	if err := self.local.Set(self.key(scope), envelopeBytes); err != nil {
		glog.Infof("[cache]write error %s = %s\n", scope, err)
	}
}

// returns the stored snapshot, or empty with no error when the entry is
// absent or corrupt
func (self *RecordCache) Read(scope Scope) []*Record {
	envelopeBytes, ok, err := self.local.Get(self.key(scope))
	if err != nil {
		glog.Infof("[cache]read error %s = %s\n", scope, err)
		return nil
	}
	if !ok {
		return nil
	}

	var envelope cacheEnvelope
	if err := json.Unmarshal(envelopeBytes, &envelope); err != nil {
		// corrupt blob reads as a miss
		glog.Infof("[cache]corrupt entry %s = %s\n", scope, err)
		return nil
	}
	if envelope.Version != cacheEnvelopeVersion {
		glog.Infof("[cache]stale envelope version %s = %d\n", scope, envelope.Version)
		return nil
	}

	records := make([]*Record, 0, len(envelope.Records))
	for _, doc := range envelope.Records {
		record, err := decodeRecordDocument(doc)
		if err != nil {
			// quarantine the document, keep the rest
			glog.V(2).Infof("[cache]drop document %s = %s\n", scope, err)
			continue
		}
		records = append(records, record)
	}
	return records
}
