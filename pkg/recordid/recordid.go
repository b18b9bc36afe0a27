// Package recordid formats and parses the per-chunk record identity used in
// batch inference manifests. A record ID carries the document ID plus the
// chunk's ordinal and character span, so vectors coming back from the
// provider can be matched to the exact slice of content they embed.
package recordid

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// RecordID identifies one chunk of one document inside a batch job.
type RecordID struct {
	DocumentID string
	ChunkIndex int
	// Start/End are character offsets into the document content, half-open.
	Start int
	End   int
}

// Format renders the wire form "{document_id}:{chunk_index}:{start}:{end}".
// The document ID may itself contain colons; Parse reserves the last three
// colons for the chunk fields.
func Format(documentID string, chunkIndex, start, end int) string {
	return fmt.Sprintf("%s:%d:%d:%d", documentID, chunkIndex, start, end)
}

// String renders the record ID in wire form.
func (r RecordID) String() string {
	return Format(r.DocumentID, r.ChunkIndex, r.Start, r.End)
}

// Parse recovers the four fields by splitting on ":" from the right three
// times. The leftmost residue is the document ID.
func Parse(s string) (RecordID, error) {
	var fields [3]string
	rest := s
	for i := 2; i >= 0; i-- {
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return RecordID{}, fmt.Errorf("malformed record ID %q: expected 4 colon-separated fields", s)
		}
		fields[i] = rest[idx+1:]
		rest = rest[:idx]
	}
	if rest == "" {
		return RecordID{}, fmt.Errorf("malformed record ID %q: empty document ID", s)
	}

	chunkIndex, err := strconv.Atoi(fields[0])
	if err != nil {
		return RecordID{}, fmt.Errorf("malformed record ID %q: bad chunk index: %w", s, err)
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil {
		return RecordID{}, fmt.Errorf("malformed record ID %q: bad start offset: %w", s, err)
	}
	end, err := strconv.Atoi(fields[2])
	if err != nil {
		return RecordID{}, fmt.Errorf("malformed record ID %q: bad end offset: %w", s, err)
	}
	if chunkIndex < 0 || start < 0 || end <= start {
		return RecordID{}, fmt.Errorf("malformed record ID %q: invalid chunk fields", s)
	}

	return RecordID{
		DocumentID: rest,
		ChunkIndex: chunkIndex,
		Start:      start,
		End:        end,
	}, nil
}

// ValidateDocumentID rejects document IDs that would not survive the record
// ID round trip. Colons are fine under right-split parsing; whitespace and
// control characters are not, and are rejected at emission time rather than
// guarded at parse time.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID is empty")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("document ID %q contains whitespace or control characters", id)
		}
	}
	return nil
}
