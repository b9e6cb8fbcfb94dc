package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gbianchi/bookshop/internal/util"
)

const (
	sessionBucket   = "sessions"
	sessionAADPref  = "session:"
	cleanupInterval = 5 * time.Minute
)

// BoltStore keeps sessions in a bbolt database, encrypted at rest with
// AES-256-GCM under the keyring. Each record's AAD binds the session
// identifier, so records cannot be swapped between identifiers on disk.
// Sessions survive server restarts as long as the same key is loaded.
type BoltStore struct {
	db        *bbolt.DB
	keyring   *Keyring
	retention time.Duration
	mu        sync.Mutex // serializes Mutate read-modify-write cycles
	stopOnce  sync.Once
	stopCh    chan struct{}
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens a persistent session store on db. retention bounds
// how long an untouched session is kept before the background sweep
// removes it; 0 disables sweeping.
func NewBoltStore(db *bbolt.DB, keyring *Keyring, retention time.Duration) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating session bucket: %w", err)
	}
	s := &BoltStore{
		db:        db,
		keyring:   keyring,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
	if retention > 0 {
		go s.cleanupLoop()
	}
	return s, nil
}

// Close stops the background sweep. The database itself belongs to the
// caller and is not closed here.
func (s *BoltStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *BoltStore) Get(id string) (Session, bool) {
	var sess Session
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(sessionBucket)).Get([]byte(id))
		if raw == nil {
			return nil
		}
		data, err := s.keyring.openBytes(raw, []byte(sessionAADPref+id))
		if err != nil {
			return nil
		}
		defer util.WipeBytes(data)
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return Session{}, false
	}
	return sess, true
}

func (s *BoltStore) Put(id string, sess Session) {
	_ = s.put(id, sess)
}

// put seals and writes one session record. Mutate depends on the error:
// a mutation that never reached disk must not be reported as applied.
func (s *BoltStore) put(id string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	defer util.WipeBytes(data)
	env, err := s.keyring.sealBytes(data, []byte(sessionAADPref+id))
	if err != nil {
		return fmt.Errorf("sealing session %s: %w", id, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(id), env)
	})
	if err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return nil
}

func (s *BoltStore) Delete(id string) {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(id))
	})
}

func (s *BoltStore) Mutate(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.Get(id)
	if !ok {
		sess = New()
	}
	if err := fn(&sess); err != nil {
		return err
	}
	return s.put(id, sess)
}

func (s *BoltStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

// sweepStale removes sessions whose last interaction is older than the
// retention window, plus any record that no longer decrypts (key change
// or corruption).
func (s *BoltStore) sweepStale() {
	cutoff := time.Now().Add(-s.retention)
	var stale [][]byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).ForEach(func(k, v []byte) error {
			data, err := s.keyring.openBytes(v, append([]byte(sessionAADPref), k...))
			if err != nil {
				stale = append(stale, util.CopyBytes(k))
				return nil
			}
			var sess Session
			if err := json.Unmarshal(data, &sess); err != nil || sess.LastInteraction.Before(cutoff) {
				stale = append(stale, util.CopyBytes(k))
			}
			util.WipeBytes(data)
			return nil
		})
	})
	if len(stale) == 0 {
		return
	}
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionBucket))
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
