// Package chunks reassembles multi-part direct uploads. Senders deliver an
// arbitrary number of body fragments, each tagged with an opaque upload id,
// its index, and the declared total; the payload is handed back once every
// fragment has arrived. Buffers that never complete are dropped silently
// after a fixed time-to-live.
package chunks

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const DefaultTTL = 3 * time.Minute

// Chunk is one fragment of an upload.
type Chunk struct {
	RequestURL string
	UploadID   string
	Index      int
	Total      int
	Received   time.Time
	Data       []byte
}

type buffer struct {
	mu     sync.Mutex
	total  int
	chunks []Chunk
	done   bool
}

// Reassembler buffers chunks keyed by upload id. Access to one upload's
// buffer is serialized on its own lock; different uploads proceed
// independently. The map lock is always taken before a buffer lock.
type Reassembler struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
}

func New(ttl time.Duration, logger *slog.Logger) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reassembler{
		ttl:     ttl,
		logger:  logger.WithGroup("chunk_reassembler"),
		buffers: make(map[string]*buffer),
	}
}

// Submit adds a chunk to its upload's buffer. When the buffer holds the
// declared total it returns the chunks concatenated in index order and true;
// otherwise it returns nil and false. A maintenance sweep runs first, so an
// upload whose earlier chunks expired starts over with a fresh buffer.
func (r *Reassembler) Submit(c Chunk) ([]byte, bool) {
	if c.Received.IsZero() {
		c.Received = time.Now()
	}
	r.sweep(c.Received)

	var b *buffer
	for {
		r.mu.Lock()
		b = r.buffers[c.UploadID]
		if b == nil {
			b = &buffer{total: c.Total}
			r.buffers[c.UploadID] = b
		}
		b.mu.Lock()
		r.mu.Unlock()
		if !b.done {
			break
		}
		// The buffer completed between the map lookup and taking its lock;
		// this chunk belongs to a fresh upload under the same id.
		b.mu.Unlock()
	}

	if b.total != c.Total {
		// Conflicting declared totals; the older fragments cannot belong to
		// the same upload anymore.
		r.logger.Warn("chunk total changed mid-upload, resetting buffer",
			"upload_id", c.UploadID, "old_total", b.total, "new_total", c.Total)
		b.total = c.Total
		b.chunks = b.chunks[:0]
	}
	b.chunks = append(b.chunks, c)

	if len(b.chunks) < b.total {
		b.mu.Unlock()
		return nil, false
	}

	sort.Slice(b.chunks, func(i, j int) bool { return b.chunks[i].Index < b.chunks[j].Index })
	size := 0
	for _, chunk := range b.chunks {
		size += len(chunk.Data)
	}
	payload := make([]byte, 0, size)
	for _, chunk := range b.chunks {
		payload = append(payload, chunk.Data...)
	}
	b.chunks = nil
	b.done = true
	b.mu.Unlock()

	r.mu.Lock()
	if r.buffers[c.UploadID] == b {
		delete(r.buffers, c.UploadID)
	}
	r.mu.Unlock()

	return payload, true
}

// Pending reports how many uploads are currently buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// sweep drops chunks older than the time-to-live and removes buffers left
// empty. Expired uploads are discarded without surfacing an error; the
// senders already got their per-chunk acknowledgements.
func (r *Reassembler) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.buffers {
		b.mu.Lock()
		kept := b.chunks[:0]
		for _, c := range b.chunks {
			if now.Sub(c.Received) < r.ttl {
				kept = append(kept, c)
			}
		}
		dropped := len(b.chunks) - len(kept)
		b.chunks = kept
		empty := len(b.chunks) == 0
		b.mu.Unlock()

		if dropped > 0 {
			r.logger.Info("dropped expired chunks", "upload_id", id, "count", dropped)
		}
		if empty {
			delete(r.buffers, id)
		}
	}
}
