package recordid

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	cases := []RecordID{
		{DocumentID: "a1b2c3", ChunkIndex: 0, Start: 0, End: 100},
		{DocumentID: "hubspot:contact:42", ChunkIndex: 3, Start: 1500, End: 2000},
		{DocumentID: "notion:page:abc-def", ChunkIndex: 17, Start: 0, End: 1},
		{DocumentID: "a:b:c:d:e:f", ChunkIndex: 99, Start: 12345, End: 67890},
	}

	for _, want := range cases {
		t.Run(want.DocumentID, func(t *testing.T) {
			got, err := Parse(want.String())
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseReservesLastThreeColons(t *testing.T) {
	// The document ID keeps all its own colons.
	got, err := Parse("ms:one_drive:file:deep/path:1:20:40")
	require.NoError(t, err)
	assert.Equal(t, "ms:one_drive:file:deep/path", got.DocumentID)
	assert.Equal(t, 1, got.ChunkIndex)
	assert.Equal(t, 20, got.Start)
	assert.Equal(t, 40, got.End)
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"no-colons-at-all",
		"only:two:colons",
		":0:0:10",        // empty document ID
		"doc:x:0:10",     // non-numeric chunk index
		"doc:0:x:10",     // non-numeric start
		"doc:0:0:x",      // non-numeric end
		"doc:-1:0:10",    // negative chunk index
		"doc:0:10:10",    // empty span
		"doc:0:20:10",    // inverted span
	}
	for _, s := range cases {
		t.Run(fmt.Sprintf("%q", s), func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestValidateDocumentID(t *testing.T) {
	assert.NoError(t, ValidateDocumentID("hubspot:contact:42"))
	assert.NoError(t, ValidateDocumentID("a-b_c.d/e"))

	assert.Error(t, ValidateDocumentID(""))
	assert.Error(t, ValidateDocumentID("has space"))
	assert.Error(t, ValidateDocumentID("has\ttab"))
	assert.Error(t, ValidateDocumentID("has\nnewline"))
	assert.Error(t, ValidateDocumentID("has\x00nul"))
}
