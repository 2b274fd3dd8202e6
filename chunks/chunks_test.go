package chunks

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReassembler(ttl time.Duration) *Reassembler {
	return New(ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmit_CompletesInAnyOrder(t *testing.T) {
	testCases := []struct {
		name  string
		order []int
	}{
		{name: "in order", order: []int{0, 1, 2}},
		{name: "reversed", order: []int{2, 1, 0}},
		{name: "interleaved", order: []int{2, 0, 1}},
	}

	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	want := bytes.Join(parts, nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := testReassembler(DefaultTTL)
			now := time.Now()

			for i, idx := range tc.order {
				payload, complete := r.Submit(Chunk{
					UploadID: "upload-1",
					Index:    idx,
					Total:    3,
					Received: now,
					Data:     parts[idx],
				})
				if i < len(tc.order)-1 {
					assert.False(t, complete)
					assert.Nil(t, payload)
				} else {
					require.True(t, complete)
					assert.Equal(t, want, payload)
				}
			}
			assert.Zero(t, r.Pending())
		})
	}
}

func TestSubmit_IndependentUploads(t *testing.T) {
	r := testReassembler(DefaultTTL)
	now := time.Now()

	_, complete := r.Submit(Chunk{UploadID: "a", Index: 0, Total: 2, Received: now, Data: []byte("a0")})
	assert.False(t, complete)
	_, complete = r.Submit(Chunk{UploadID: "b", Index: 0, Total: 2, Received: now, Data: []byte("b0")})
	assert.False(t, complete)
	assert.Equal(t, 2, r.Pending())

	payload, complete := r.Submit(Chunk{UploadID: "a", Index: 1, Total: 2, Received: now, Data: []byte("a1")})
	require.True(t, complete)
	assert.Equal(t, []byte("a0a1"), payload)
	assert.Equal(t, 1, r.Pending())
}

func TestSubmit_ExpiredBufferStartsFresh(t *testing.T) {
	r := testReassembler(time.Minute)
	start := time.Now()

	_, complete := r.Submit(Chunk{UploadID: "old", Index: 0, Total: 3, Received: start, Data: []byte("x")})
	assert.False(t, complete)
	_, complete = r.Submit(Chunk{UploadID: "old", Index: 1, Total: 3, Received: start, Data: []byte("y")})
	assert.False(t, complete)

	// Any submission after the TTL sweeps the stale buffer away.
	r.Submit(Chunk{UploadID: "other", Index: 0, Total: 2, Received: start.Add(2 * time.Minute), Data: []byte("z")})
	assert.Equal(t, 1, r.Pending())

	// The final chunk of the expired upload opens a fresh, still incomplete
	// buffer instead of completing the old one.
	payload, complete := r.Submit(Chunk{
		UploadID: "old", Index: 2, Total: 3,
		Received: start.Add(2*time.Minute + time.Second), Data: []byte("late"),
	})
	assert.False(t, complete)
	assert.Nil(t, payload)
	assert.Equal(t, 2, r.Pending())
}

func TestSubmit_TotalMismatchResetsBuffer(t *testing.T) {
	r := testReassembler(DefaultTTL)
	now := time.Now()

	_, complete := r.Submit(Chunk{UploadID: "u", Index: 0, Total: 3, Received: now, Data: []byte("0")})
	assert.False(t, complete)

	// Redeclared total drops the earlier fragment.
	_, complete = r.Submit(Chunk{UploadID: "u", Index: 0, Total: 2, Received: now, Data: []byte("0")})
	assert.False(t, complete)
	payload, complete := r.Submit(Chunk{UploadID: "u", Index: 1, Total: 2, Received: now, Data: []byte("1")})
	require.True(t, complete)
	assert.Equal(t, []byte("01"), payload)
}

func TestSubmit_ConcurrentUploads(t *testing.T) {
	r := testReassembler(DefaultTTL)
	const uploads = 16
	const total = 8

	var wg sync.WaitGroup
	results := make([][]byte, uploads)
	for u := 0; u < uploads; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			id := fmt.Sprintf("upload-%d", u)
			order := rand.Perm(total)
			for _, idx := range order {
				payload, complete := r.Submit(Chunk{
					UploadID: id,
					Index:    idx,
					Total:    total,
					Received: time.Now(),
					Data:     []byte{byte(u), byte(idx)},
				})
				if complete {
					results[u] = payload
				}
			}
		}(u)
	}
	wg.Wait()

	assert.Zero(t, r.Pending())
	for u := 0; u < uploads; u++ {
		require.Len(t, results[u], total*2, "upload %d never completed", u)
		for idx := 0; idx < total; idx++ {
			assert.Equal(t, byte(u), results[u][idx*2])
			assert.Equal(t, byte(idx), results[u][idx*2+1])
		}
	}
}
