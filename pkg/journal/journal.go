package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scard/pkg/scard"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bucket = "journal"

// Entry is one recorded reader event.
type Entry struct {
	Seq    uint64    `json:"Seq"`
	Time   time.Time `json:"Time"`
	Kind   string    `json:"Kind"`
	Slot   int       `json:"Slot"`
	Status string    `json:"Status,omitempty"`
	ATR    string    `json:"ATR,omitempty"`
	Data   string    `json:"Data,omitempty"`
	Error  string    `json:"Error,omitempty"`
}

// FromEvent converts a reader list event into a journal entry.
func FromEvent(ev scard.Event) Entry {
	e := Entry{
		Time: ev.Time,
		Kind: ev.Kind.String(),
		Slot: ev.Slot(),
	}
	if ev.Kind == scard.EventSlotStatus {
		e.Status = ev.Status.String()
	}
	if ev.Channel != nil {
		e.ATR = ev.Channel.ATRHex()
	}
	if len(ev.Data) > 0 {
		e.Data = strings.ToUpper(hex.EncodeToString(ev.Data))
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	return e
}

// Journal stores reader events in a bolt database, oldest first.
type Journal struct {
	db         *bolt.DB
	maxEntries int
}

// New creates the journal bucket if needed. A positive maxEntries bounds the
// number of kept entries, older ones are pruned on append.
func New(db *bolt.DB, maxEntries int) (*Journal, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal bucket: %v", err)
	}
	return &Journal{db: db, maxEntries: maxEntries}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Append stores an entry and returns it with its sequence number set.
func (j *Journal) Append(e Entry) (Entry, error) {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq

		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), value); err != nil {
			return err
		}
		return j.prune(b, seq)
	})
	return e, err
}

// prune drops the oldest entries beyond maxEntries. Keys are consecutive
// sequence numbers, last being the newest one.
func (j *Journal) prune(b *bolt.Bucket, last uint64) error {
	if j.maxEntries <= 0 {
		return nil
	}
	c := b.Cursor()
	first, _ := c.First()
	if first == nil {
		return nil
	}
	extra := int(last-binary.BigEndian.Uint64(first)+1) - j.maxEntries
	if extra <= 0 {
		return nil
	}

	var keys [][]byte
	for k, _ := c.First(); k != nil && len(keys) < extra; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	entries := []Entry{}
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Record logs and stores every event until the channel is closed or ctx is
// done.
func (j *Journal) Record(ctx context.Context, events <-chan scard.Event, logger log.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			entry := FromEvent(ev)
			fields := log.Fields{"kind": entry.Kind, "slot": entry.Slot}
			if ev.Err != nil {
				logger.WithFields(fields).Warnf("Request failed: %v", ev.Err)
			} else {
				logger.WithFields(fields).Debugf("Event %+v", entry)
			}
			if _, err := j.Append(entry); err != nil {
				logger.Errorf("Failed to store journal entry: %v", err)
			}
		}
	}
}
