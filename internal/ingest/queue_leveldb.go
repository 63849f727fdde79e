package ingest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBQueue is a durable FIFO Queue backed by an on-disk LevelDB store.
// Jobs survive process restarts; delivery remains at-least-once since a
// crash between commit and pop acknowledgment replays the job.
type LevelDBQueue struct {
	db     *leveldb.DB
	mu     sync.Mutex
	head   uint64 // next sequence to pop
	tail   uint64 // next sequence to write
	notify chan struct{}
}

// OpenLevelDBQueue opens (or creates) a durable queue at path and recovers
// the head and tail positions from the stored key range.
func OpenLevelDBQueue(path string) (*LevelDBQueue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", path, err)
	}

	q := &LevelDBQueue{db: db, notify: make(chan struct{}, 1)}

	iter := db.NewIterator(nil, nil)
	if iter.First() {
		q.head = binary.BigEndian.Uint64(iter.Key())
		iter.Last()
		q.tail = binary.BigEndian.Uint64(iter.Key()) + 1
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover queue positions: %w", err)
	}
	return q, nil
}

// Close releases the underlying store.
func (q *LevelDBQueue) Close() error {
	return q.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (q *LevelDBQueue) Push(job IngestionJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	seq := q.tail
	if err := q.db.Put(seqKey(seq), body, nil); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.tail++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *LevelDBQueue) PopBlocking(timeout time.Duration) (IngestionJob, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if job, ok := q.tryPop(); ok {
			return job, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return IngestionJob{}, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return IngestionJob{}, false
		}
	}
}

func (q *LevelDBQueue) tryPop() (IngestionJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head < q.tail {
		key := seqKey(q.head)
		body, err := q.db.Get(key, nil)
		if err != nil {
			// Hole in the sequence (already consumed or corrupt); skip.
			q.head++
			continue
		}
		if err := q.db.Delete(key, nil); err != nil {
			return IngestionJob{}, false
		}
		q.head++

		var job IngestionJob
		if err := json.Unmarshal(body, &job); err != nil {
			// Undecodable entry; drop it rather than wedge the queue.
			continue
		}
		return job, true
	}
	return IngestionJob{}, false
}

func (q *LevelDBQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}
