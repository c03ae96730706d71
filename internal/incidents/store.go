// Package incidents persists enforcement triggers (circuit-breaker kills,
// manual kills, warnings) and their post-hoc LLM analysis.
//
// Schema (BoltDB bucket layout):
//
//	/incidents
//	    key:   8-byte big-endian auto-increment id (bucket sequence)
//	    value: JSON-encoded Incident
//
//	/idx_timestamp
//	    key:   8-byte big-endian unix timestamp + 8-byte big-endian id
//	    value: 8-byte big-endian id
//
//	/idx_event_type
//	    key:   event_type + 0x00 + 8-byte big-endian id
//	    value: 8-byte big-endian id
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// bbolt has no query planner, so "indexes" here are just extra buckets
// whose keys sort the way a query needs to scan; Recent and Since walk
// idx_timestamp directly instead of issuing anything resembling SQL.
// event_type filtering in Since is a post-filter over the fetched
// incidents rather than a join against idx_event_type — the incident
// volume this agent sees in one node's lifetime does not justify a
// real merge-join, and idx_event_type is kept for future point lookups
// by type alone.
package incidents

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/longregen/linnix/internal/observability"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketIncidents    = "incidents"
	bucketIdxTimestamp = "idx_timestamp"
	bucketIdxEventType = "idx_event_type"
	bucketMeta         = "meta"
)

// Incident is a persisted record of one enforcement trigger.
type Incident struct {
	ID         int64   `json:"id,omitempty"`
	Timestamp  int64   `json:"timestamp"` // unix epoch seconds
	EventType  string  `json:"event_type"`
	PSICPU     float32 `json:"psi_cpu"`
	PSIMemory  float32 `json:"psi_memory"`
	CPUPercent float32 `json:"cpu_percent"`
	LoadAvg    string  `json:"load_avg"` // "1.50,2.30,3.10"
	Action     string  `json:"action"`   // "kill", "alert", "throttle"

	TargetPID  *int32  `json:"target_pid,omitempty"`
	TargetName *string `json:"target_name,omitempty"`

	SystemSnapshot string `json:"system_snapshot,omitempty"` // opaque JSON blob

	LLMAnalysis   *string `json:"llm_analysis,omitempty"`
	LLMAnalyzedAt *int64  `json:"llm_analyzed_at,omitempty"`

	RecoveryTimeMs *int64   `json:"recovery_time_ms,omitempty"`
	PSIAfter       *float32 `json:"psi_after,omitempty"`
}

// Stats summarizes the incident table for operator inspection.
type Stats struct {
	Total                  uint64
	CircuitBreakerTriggers uint64
	AvgRecoveryTimeMs      *uint64
}

// Store is a bbolt-backed incident store.
type Store struct {
	db      *bolt.DB
	metrics *observability.Metrics
}

// Open opens (or creates) the incident database at path and initialises its
// buckets and schema version.
func Open(path string, metrics *observability.Metrics) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("incidents: bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb, metrics: metrics}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketIncidents, bucketIdxTimestamp, bucketIdxEventType, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("incidents: schema initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("incidents: schema version mismatch: database has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func timestampIndexKey(ts int64, id int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(ts))
	binary.BigEndian.PutUint64(key[8:], uint64(id))
	return key
}

func eventTypeIndexKey(eventType string, id int64) []byte {
	key := make([]byte, len(eventType)+1+8)
	copy(key, eventType)
	key[len(eventType)] = 0
	binary.BigEndian.PutUint64(key[len(eventType)+1:], uint64(id))
	return key
}

// Insert writes a new incident and returns its assigned id.
func (s *Store) Insert(incident Incident) (int64, error) {
	start := time.Now()

	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIncidents))

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("NextSequence: %w", err)
		}
		id = int64(seq)
		incident.ID = id

		data, err := json.Marshal(incident)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		if err := b.Put(idKey(id), data); err != nil {
			return fmt.Errorf("put incident: %w", err)
		}

		if err := tx.Bucket([]byte(bucketIdxTimestamp)).Put(timestampIndexKey(incident.Timestamp, id), idKey(id)); err != nil {
			return fmt.Errorf("put timestamp index: %w", err)
		}
		if err := tx.Bucket([]byte(bucketIdxEventType)).Put(eventTypeIndexKey(incident.EventType, id), idKey(id)); err != nil {
			return fmt.Errorf("put event_type index: %w", err)
		}
		return nil
	})

	if s.metrics != nil {
		s.metrics.IncidentStoreWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, fmt.Errorf("incidents: Insert: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncidentsRecordedTotal.Inc()
	}
	return id, nil
}

// AddLLMAnalysis attaches a post-hoc LLM analysis to an existing incident.
func (s *Store) AddLLMAnalysis(id int64, text string, analyzedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIncidents))
		data := b.Get(idKey(id))
		if data == nil {
			return fmt.Errorf("incidents: AddLLMAnalysis: incident %d not found", id)
		}
		var incident Incident
		if err := json.Unmarshal(data, &incident); err != nil {
			return fmt.Errorf("unmarshal incident %d: %w", id, err)
		}
		at := analyzedAt.UTC().Unix()
		incident.LLMAnalysis = &text
		incident.LLMAnalyzedAt = &at

		encoded, err := json.Marshal(incident)
		if err != nil {
			return fmt.Errorf("marshal incident %d: %w", id, err)
		}
		return b.Put(idKey(id), encoded)
	})
}

// Get retrieves an incident by id. Returns (nil, nil) if not found.
func (s *Store) Get(id int64) (*Incident, error) {
	var incident Incident
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketIncidents)).Get(idKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &incident)
	})
	if err != nil {
		return nil, fmt.Errorf("incidents: Get(%d): %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &incident, nil
}

// Recent returns up to limit incidents, most recent first.
func (s *Store) Recent(limit int) ([]Incident, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketIdxTimestamp)).Cursor()
		for k, v := c.Last(); k != nil && len(ids) < limit; k, v = c.Prev() {
			ids = append(ids, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("incidents: Recent: %w", err)
	}

	return s.fetchAll(ids)
}

// Since returns incidents at or after startTimestamp, most recent first.
// eventType, if non-empty, filters to that event type only.
func (s *Store) Since(startTimestamp int64, eventType string) ([]Incident, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketIdxTimestamp)).Cursor()
		cutoff := timestampIndexKey(startTimestamp, 0)
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if string(k) < string(cutoff) {
				break
			}
			ids = append(ids, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("incidents: Since: %w", err)
	}

	all, err := s.fetchAll(ids)
	if err != nil {
		return nil, err
	}
	if eventType == "" {
		return all, nil
	}

	filtered := make([]Incident, 0, len(all))
	for _, inc := range all {
		if inc.EventType == eventType {
			filtered = append(filtered, inc)
		}
	}
	return filtered, nil
}

func (s *Store) fetchAll(ids []int64) ([]Incident, error) {
	result := make([]Incident, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIncidents))
		for _, id := range ids {
			data := b.Get(idKey(id))
			if data == nil {
				continue
			}
			var incident Incident
			if err := json.Unmarshal(data, &incident); err != nil {
				return fmt.Errorf("unmarshal incident %d: %w", id, err)
			}
			result = append(result, incident)
		}
		return nil
	})
	return result, err
}

const circuitBreakerPrefix = "circuit_breaker"

// StatsOp computes aggregate statistics across all stored incidents.
func (s *Store) StatsOp() (Stats, error) {
	var stats Stats
	var recoverySum uint64
	var recoveryCount uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIncidents)).ForEach(func(_, v []byte) error {
			var incident Incident
			if err := json.Unmarshal(v, &incident); err != nil {
				return err
			}
			stats.Total++
			if len(incident.EventType) >= len(circuitBreakerPrefix) && incident.EventType[:len(circuitBreakerPrefix)] == circuitBreakerPrefix {
				stats.CircuitBreakerTriggers++
			}
			if incident.RecoveryTimeMs != nil {
				recoverySum += uint64(*incident.RecoveryTimeMs)
				recoveryCount++
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("incidents: StatsOp: %w", err)
	}

	if recoveryCount > 0 {
		avg := recoverySum / recoveryCount
		stats.AvgRecoveryTimeMs = &avg
	}
	return stats, nil
}
