package recorder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Export is a point-in-time NDJSON rendering of one ledger key.
type Export struct {
	Key     string
	Records int
	Body    []byte
	// Digest is the hex BLAKE3-256 of the uncompressed Body.
	Digest string
}

// Export renders every record for key as one JSON object per line.
func (r *Recorder) Export(ctx context.Context, key string) (*Export, error) {
	var (
		buf   bytes.Buffer
		count int
	)
	enc := json.NewEncoder(&buf)
	for rec, err := range r.ReadFrom(ctx, key, 0) {
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode export record: %w", err)
		}
		count++
	}

	sum := blake3.Sum256(buf.Bytes())
	return &Export{
		Key:     key,
		Records: count,
		Body:    buf.Bytes(),
		Digest:  hex.EncodeToString(sum[:]),
	}, nil
}

// WriteBody writes the body to w, zstd-compressed when compress is set.
func (e *Export) WriteBody(w io.Writer, compress bool) error {
	if !compress {
		_, err := w.Write(e.Body)
		return err
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(e.Body); err != nil {
		zw.Close()
		return fmt.Errorf("compress export: %w", err)
	}
	return zw.Close()
}
