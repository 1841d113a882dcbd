package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"scriptd/internal/events"
)

var (
	bucketScripts     = []byte("scripts")
	bucketAutomations = []byte("automations")
	bucketLogs        = []byte("logs")
)

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithEvents publishes a change notification on bus after every
// committed write.
func WithEvents(bus *events.Bus) Option {
	return func(s *BoltStore) { s.bus = bus }
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	bus *events.Bus
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketScripts, bucketAutomations, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *BoltStore) SaveScript(sc *Script) error {
	now := s.now()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketScripts, sc.ID, sc)
	})
	if err != nil {
		return fmt.Errorf("save script %s: %w", sc.ID, err)
	}
	s.bus.Emit(events.ScriptSaved, sc)
	return nil
}

func (s *BoltStore) GetScript(id string) (*Script, error) {
	var sc Script
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketScripts, id, &sc)
	})
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", id, err)
	}
	return &sc, nil
}

func (s *BoltStore) DeleteScript(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	s.bus.Emit(events.ScriptDeleted, map[string]any{"id": id})
	return nil
}

func (s *BoltStore) ListScripts() ([]*Script, error) {
	var scripts []*Script
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScripts)
		scripts = make([]*Script, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var sc Script
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			scripts = append(scripts, &sc)
			return nil
		})
	})
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, err
}

func (s *BoltStore) SaveAutomation(a *Automation) error {
	now := s.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAutomations, a.ID, a)
	})
	if err != nil {
		return fmt.Errorf("save automation %s: %w", a.ID, err)
	}
	s.bus.Emit(events.AutomationSaved, a)
	return nil
}

func (s *BoltStore) GetAutomation(id string) (*Automation, error) {
	var a Automation
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAutomations, id, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("automation %s: %w", id, err)
	}
	return &a, nil
}

// DeleteAutomation removes the automation together with its run log.
func (s *BoltStore) DeleteAutomation(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAutomations)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		logs := tx.Bucket(bucketLogs)
		for _, k := range logKeys(logs, id) {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete automation %s: %w", id, err)
	}
	s.bus.Emit(events.AutomationDeleted, map[string]any{"id": id})
	return nil
}

func (s *BoltStore) ListAutomations() ([]*Automation, error) {
	return s.listAutomations(func(*Automation) bool { return true })
}

func (s *BoltStore) ListEnabledAutomations() ([]*Automation, error) {
	return s.listAutomations(func(a *Automation) bool { return a.Enabled })
}

func (s *BoltStore) ListAutomationsForScript(scriptID string) ([]*Automation, error) {
	return s.listAutomations(func(a *Automation) bool { return a.ScriptID == scriptID })
}

func (s *BoltStore) listAutomations(keep func(*Automation) bool) ([]*Automation, error) {
	var list []*Automation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(_, v []byte) error {
			var a Automation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if keep(&a) {
				list = append(list, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Label < list[j].Label })
	return list, nil
}

func (s *BoltStore) UpdateAutomation(id string, fn func(a *Automation) error) error {
	var updated Automation
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketAutomations, id, &updated); err != nil {
			return err
		}
		if err := fn(&updated); err != nil {
			return err
		}
		updated.ID = id
		updated.UpdatedAt = s.now()
		return putJSON(tx, bucketAutomations, id, &updated)
	})
	if err != nil {
		return fmt.Errorf("update automation %s: %w", id, err)
	}
	s.bus.Emit(events.AutomationSaved, &updated)
	return nil
}

func (s *BoltStore) AppendLog(l *AutomationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = s.now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLogs).Put(logKey(l), data)
	})
	if err != nil {
		return fmt.Errorf("append log for %s: %w", l.AutomationID, err)
	}
	s.bus.Emit(events.LogAppended, l)
	return nil
}

func (s *BoltStore) ListLogs(automationID string, limit int) ([]*AutomationLog, error) {
	var logs []*AutomationLog
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		prefix := logPrefix(automationID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var l AutomationLog
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			logs = append(logs, &l)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", automationID, err)
	}
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs, nil
}

func (s *BoltStore) PruneLogs(automationID string, cutoff time.Time, keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		keys := logKeys(b, automationID)

		var drop [][]byte
		var kept [][]byte
		for _, k := range keys {
			if !cutoff.IsZero() && logKeyTime(k, automationID).Before(cutoff) {
				drop = append(drop, k)
			} else {
				kept = append(kept, k)
			}
		}
		if keep > 0 && len(kept) > keep {
			drop = append(drop, kept[:len(kept)-keep]...)
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(drop)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune logs for %s: %w", automationID, err)
	}
	return removed, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Log keys are <automation id> 0x00 <unix nanos, big endian> <log id>, so a
// prefix scan yields one automation's entries in chronological order.
func logPrefix(automationID string) []byte {
	return append([]byte(automationID), 0)
}

func logKey(l *AutomationLog) []byte {
	k := logPrefix(l.AutomationID)
	k = binary.BigEndian.AppendUint64(k, uint64(l.Timestamp.UnixNano()))
	return append(k, l.ID...)
}

func logKeyTime(k []byte, automationID string) time.Time {
	off := len(automationID) + 1
	if len(k) < off+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[off:off+8])))
}

// logKeys copies the keys because bolt key slices are only valid for the
// life of the transaction and deletes invalidate the cursor.
func logKeys(b *bolt.Bucket, automationID string) [][]byte {
	var keys [][]byte
	prefix := logPrefix(automationID)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	return keys
}
