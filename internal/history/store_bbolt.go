package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/sentinel"
)

const (
	eventsBucket = "events"
	chainsBucket = "chains"
	headsBucket  = "heads"
	ownersBucket = "owners"
	kindsBucket  = "kinds"
)

// BoltStore is an embedded, durable Store backed by BoltDB. BoltDB allows a
// single writer at a time, which serialises appends for every asset.
type BoltStore struct {
	db *bbolt.DB
}

type boltHead struct {
	EventID   id.EventID `json:"event_id"`
	Timestamp time.Time  `json:"timestamp"`
	Seq       uint64     `json:"seq"`
}

// OpenBolt opens a BoltDB-backed store at the provided path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	store := &BoltStore{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{eventsBucket, chainsBucket, headsBucket, ownersBucket, kindsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Append(ctx context.Context, evt OwnershipEvent, opts ...AppendOption) (OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return OwnershipEvent{}, err
	}
	var stored OwnershipEvent
	err := s.db.Update(func(tx *bbolt.Tx) error {
		head, err := readHead(tx, evt.AssetID)
		if err != nil {
			return err
		}
		stored, err = seal(evt, head.EventID, head.Timestamp, resolveOptions(opts))
		if err != nil {
			return err
		}

		events := tx.Bucket([]byte(eventsBucket))
		if events.Get([]byte(stored.EventID)) != nil {
			return sentinel.ErrConflict
		}
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := events.Put([]byte(stored.EventID), payload); err != nil {
			return fmt.Errorf("put event: %w", err)
		}

		chain, err := tx.Bucket([]byte(chainsBucket)).CreateBucketIfNotExists([]byte(stored.AssetID))
		if err != nil {
			return fmt.Errorf("create chain bucket: %w", err)
		}
		seq := head.Seq + 1
		if err := chain.Put(seqKey(seq), []byte(stored.EventID)); err != nil {
			return fmt.Errorf("put chain link: %w", err)
		}

		headPayload, err := json.Marshal(boltHead{EventID: stored.EventID, Timestamp: stored.Timestamp, Seq: seq})
		if err != nil {
			return fmt.Errorf("marshal head: %w", err)
		}
		if err := tx.Bucket([]byte(headsBucket)).Put([]byte(stored.AssetID), headPayload); err != nil {
			return fmt.Errorf("put head: %w", err)
		}

		kinds, err := tx.Bucket([]byte(kindsBucket)).CreateBucketIfNotExists([]byte(stored.Kind))
		if err != nil {
			return fmt.Errorf("create kind bucket: %w", err)
		}
		if err := kinds.Put([]byte(stored.AssetID), []byte{}); err != nil {
			return fmt.Errorf("put kind index: %w", err)
		}

		if stored.Kind == KindTransfer {
			if err := indexOwner(tx, stored.Actor, stored.AssetID, stored.Timestamp); err != nil {
				return err
			}
		}
		// a caller that gave up must not see a half-finished append
		return ctx.Err()
	})
	if err != nil {
		return OwnershipEvent{}, err
	}
	return stored.Clone(), nil
}

func readHead(tx *bbolt.Tx, assetID id.AssetID) (boltHead, error) {
	var head boltHead
	payload := tx.Bucket([]byte(headsBucket)).Get([]byte(assetID))
	if payload == nil {
		return head, nil
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return head, fmt.Errorf("unmarshal head: %w", err)
	}
	return head, nil
}

func indexOwner(tx *bbolt.Tx, owner string, assetID id.AssetID, at time.Time) error {
	bucket, err := tx.Bucket([]byte(ownersBucket)).CreateBucketIfNotExists([]byte(id.NormalizeOwner(owner)))
	if err != nil {
		return fmt.Errorf("create owner bucket: %w", err)
	}
	if existing := bucket.Get([]byte(assetID)); existing != nil {
		first, err := time.Parse(time.RFC3339Nano, string(existing))
		if err == nil && !at.Before(first) {
			return nil
		}
	}
	return bucket.Put([]byte(assetID), []byte(at.Format(time.RFC3339Nano)))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) Head(ctx context.Context, assetID id.AssetID) (id.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var head boltHead
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		head, err = readHead(tx, assetID)
		return err
	})
	return head.EventID, err
}

func (s *BoltStore) Get(ctx context.Context, eventID id.EventID) (OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return OwnershipEvent{}, err
	}
	var evt OwnershipEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		evt, err = readEvent(tx, eventID)
		return err
	})
	if err != nil {
		return OwnershipEvent{}, err
	}
	return evt, nil
}

// readEvent decodes into fresh memory; bbolt values are only valid for the
// life of the transaction.
func readEvent(tx *bbolt.Tx, eventID id.EventID) (OwnershipEvent, error) {
	payload := tx.Bucket([]byte(eventsBucket)).Get([]byte(eventID))
	if payload == nil {
		return OwnershipEvent{}, sentinel.ErrNotFound
	}
	var evt OwnershipEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return OwnershipEvent{}, fmt.Errorf("unmarshal event %s: %w", eventID, err)
	}
	return evt, nil
}

func (s *BoltStore) EventsFor(ctx context.Context, assetID id.AssetID, upto id.AsOf) ([]OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []OwnershipEvent
	errStop := errors.New("stop")
	err := s.db.View(func(tx *bbolt.Tx) error {
		chain := tx.Bucket([]byte(chainsBucket)).Bucket([]byte(assetID))
		if chain == nil {
			return nil
		}
		return chain.ForEach(func(_, v []byte) error {
			evt, err := readEvent(tx, id.EventID(v))
			if err != nil {
				return err
			}
			if !upto.Includes(evt.Timestamp) {
				return errStop
			}
			out = append(out, evt)
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) OwnerAssets(ctx context.Context, owner string, upto id.AsOf) ([]id.AssetID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []id.AssetID
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ownersBucket)).Bucket([]byte(id.NormalizeOwner(owner)))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			first, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return fmt.Errorf("parse owner index: %w", err)
			}
			if upto.Includes(first) {
				out = append(out, id.AssetID(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AssetsWithKind(ctx context.Context, kinds ...Kind) ([]id.AssetID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seen := make(map[id.AssetID]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, kind := range kinds {
			bucket := tx.Bucket([]byte(kindsBucket)).Bucket([]byte(kind))
			if bucket == nil {
				continue
			}
			if err := bucket.ForEach(func(k, _ []byte) error {
				seen[id.AssetID(k)] = struct{}{}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]id.AssetID, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.Sort(out)
	return out, nil
}
