package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

const smallValueThreshold = 2048

// CompactValue streams a JSON value from r to w, stripping insignificant
// whitespace, without materializing large documents. maxBytes limits the
// number of bytes read from r (<=0 disables the limit). Small payloads take a
// buffered fast path; anything larger is handed to the incremental tokenizer.
func CompactValue(w io.Writer, r io.Reader, maxBytes int64) error {
	threshold := smallValueThreshold
	if maxBytes > 0 && maxBytes < int64(threshold) {
		threshold = int(maxBytes)
	}
	if threshold <= 0 {
		return jpact.CompactWriter(w, r, maxBytes)
	}
	buf := make([]byte, 0, threshold+1)
	chunk := make([]byte, 512)
	for len(buf) <= threshold {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if maxBytes > 0 && int64(len(buf)) > maxBytes {
			return fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
		}
		if err == io.EOF {
			if !json.Valid(buf) {
				return fmt.Errorf("json: invalid input")
			}
			return compactSmall(w, buf)
		}
		if err != nil {
			return err
		}
	}
	return jpact.CompactWriter(w, io.MultiReader(bytes.NewReader(buf), r), maxBytes)
}

func compactSmall(w io.Writer, payload []byte) error {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	_, err := w.Write(compacted.Bytes())
	return err
}
