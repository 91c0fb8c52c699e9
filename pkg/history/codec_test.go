package history

import (
	"bytes"
	"compress/gzip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	h := &History{Entries: []Entry{
		{
			Revision: "1.2",
			Author:   "alice",
			Date:     time.Date(2008, 1, 2, 10, 0, 0, 0, time.UTC),
			Message:  "second change\nwith detail",
			Files:    []string{"src/a.c", "src/b.c"},
			Active:   true,
		},
		{
			Revision: "1.1",
			Author:   "bob",
			Message:  "dead revision",
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, h))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &History{}))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
}

func gzipped(t *testing.T, data []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		_, err := Decode(gzipped(t, []byte("NOPE\x01")))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("future version", func(t *testing.T) {
		_, err := Decode(gzipped(t, []byte(codecMagic+"\x07")))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("truncated record", func(t *testing.T) {
		// field 1, bytes, length 10, only two bytes follow
		_, err := Decode(gzipped(t, []byte(codecMagic+"\x01\x0a\x0a\x01\x02")))
		assert.ErrorIs(t, err, ErrParse)
	})
	t.Run("not gzip", func(t *testing.T) {
		_, err := Decode(bytes.NewReader([]byte("plain text")))
		assert.Error(t, err)
	})
}

func TestEntryAddFile(t *testing.T) {
	var e Entry
	for _, f := range []string{"b", "a", "c", "a", "b"} {
		e.AddFile(f)
	}
	assert.Equal(t, []string{"a", "b", "c"}, e.Files)
}

func TestMessages(t *testing.T) {
	h := &History{Entries: []Entry{{Message: "one"}, {Message: "two"}}}
	assert.Equal(t, "one\ntwo\n", h.Messages())

	var nilHistory *History
	assert.Empty(t, nilHistory.Messages())
}
