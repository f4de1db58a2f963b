package recorder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/taskrelay/taskrelay/internal/domain"
	"github.com/taskrelay/taskrelay/internal/store"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	seqs   []int64
}

func (p *capturePublisher) Publish(topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.seqs = append(p.seqs, payload.(domain.LedgerRecord).Seq)
	return nil
}

func newTestRecorder(t *testing.T, pub Publisher) *Recorder {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, pub)
}

func TestRecorder_AppendSequence(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := r.Append(ctx, TaskKey("t1"), domain.StreamOutput, map[string]string{"text": "chunk"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Seq)
	}
	// Keys are independent.
	rec, err := r.Append(ctx, SessionKey("s1"), domain.StreamMessage, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestRecorder_ReadFromIsRestartable(t *testing.T) {
	r := newTestRecorder(t, nil)
	r.pageSize = 2
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, "k", domain.StreamOutput, i)
		require.NoError(t, err)
	}

	seq := r.ReadFrom(ctx, "k", 2)
	for pass := 0; pass < 2; pass++ {
		var got []int64
		for rec, err := range seq {
			require.NoError(t, err)
			got = append(got, rec.Seq)
		}
		assert.Equal(t, []int64{3, 4, 5}, got, "pass %d", pass)
	}

	// Early break stops paging.
	n := 0
	for range r.ReadFrom(ctx, "k", 0) {
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, 1, n)
}

func TestRecorder_RecordPublishesInOrder(t *testing.T) {
	pub := &capturePublisher{}
	r := newTestRecorder(t, pub)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(ctx, TaskKey("t1"), "task.t1.stream", domain.StreamOutput, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, pub.seqs, 20)
	for i, seq := range pub.seqs {
		assert.Equal(t, int64(i+1), seq)
		assert.Equal(t, "task.t1.stream", pub.topics[i])
	}
}

func TestRecorder_Purge(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx := context.Background()
	_, err := r.Append(ctx, "k", domain.StreamStatus, nil)
	require.NoError(t, err)

	require.NoError(t, r.Purge(ctx, "k"))
	got, err := r.Collect(ctx, "k", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExport_DigestAndCompression(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx := context.Background()
	_, err := r.Append(ctx, "k", domain.StreamOutput, map[string]string{"text": "a"})
	require.NoError(t, err)
	_, err = r.Append(ctx, "k", domain.StreamComplete, map[string]string{"result": "ok"})
	require.NoError(t, err)

	exp, err := r.Export(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, exp.Records)

	lines := bytes.Split(bytes.TrimSpace(exp.Body), []byte("\n"))
	require.Len(t, lines, 2)
	var first domain.LedgerRecord
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, int64(1), first.Seq)

	sum := blake3.Sum256(exp.Body)
	assert.Equal(t, hex.EncodeToString(sum[:]), exp.Digest)

	var compressed bytes.Buffer
	require.NoError(t, exp.WriteBody(&compressed, true))
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, exp.Body, plain)
}

func TestRecorder_Tail(t *testing.T) {
	r := newTestRecorder(t, nil)
	ctx := context.Background()

	_, ok, err := r.Tail(ctx, TaskKey("t1"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Append(ctx, TaskKey("t1"), domain.StreamOutput, nil)
	require.NoError(t, err)
	_, err = r.Append(ctx, TaskKey("t1"), domain.StreamComplete, map[string]string{"result": "ok"})
	require.NoError(t, err)

	tail, ok, err := r.Tail(ctx, TaskKey("t1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), tail.Seq)
	assert.Equal(t, domain.StreamComplete, tail.Type)
	assert.JSONEq(t, `{"result":"ok"}`, string(tail.Payload))
}
