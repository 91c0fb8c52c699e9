package history

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Cache files start with codecMagic followed by a varint format version and
// then one length-delimited record (field 1) per entry. Entry records use
// protobuf wire encoding so readers in any language can decode them and
// unknown fields are skipped.
const (
	codecMagic   = "GRKH"
	codecVersion = 1
)

const (
	fieldEntry    protowire.Number = 1
	fieldRevision protowire.Number = 1
	fieldAuthor   protowire.Number = 2
	fieldDate     protowire.Number = 3 // zigzag unix nanoseconds
	fieldMessage  protowire.Number = 4
	fieldFile     protowire.Number = 5
	fieldActive   protowire.Number = 6
)

// Encode writes h to w as a gzip-compressed record stream.
func Encode(w io.Writer, h *History) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, codecMagic...)
	buf = protowire.AppendVarint(buf, codecVersion)
	for i := range h.Entries {
		buf = protowire.AppendTag(buf, fieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendEntry(nil, &h.Entries[i]))
	}

	gz := gzip.NewWriter(w)
	if _, err := gz.Write(buf); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func appendEntry(b []byte, e *Entry) []byte {
	if e.Revision != "" {
		b = protowire.AppendTag(b, fieldRevision, protowire.BytesType)
		b = protowire.AppendString(b, e.Revision)
	}
	if e.Author != "" {
		b = protowire.AppendTag(b, fieldAuthor, protowire.BytesType)
		b = protowire.AppendString(b, e.Author)
	}
	if !e.Date.IsZero() {
		b = protowire.AppendTag(b, fieldDate, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Date.UnixNano()))
	}
	if e.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	for _, f := range e.Files {
		b = protowire.AppendTag(b, fieldFile, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	if e.Active {
		b = protowire.AppendTag(b, fieldActive, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Decode reads a record stream written by Encode.
func Decode(r io.Reader) (*History, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(data, []byte(codecMagic)) {
		return nil, fmt.Errorf("%w: bad magic", ErrParse)
	}
	data = data[len(codecMagic):]
	version, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrParse, version)
	}
	data = data[n:]

	h := &History{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
		}
		data = data[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		rec, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
		}
		data = data[n:]
		e, err := decodeEntry(rec)
		if err != nil {
			return nil, err
		}
		h.Entries = append(h.Entries, e)
	}
	return h, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldRevision || num == fieldAuthor ||
			num == fieldMessage || num == fieldFile):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRevision:
				e.Revision = s
			case fieldAuthor:
				e.Author = s
			case fieldMessage:
				e.Message = s
			case fieldFile:
				e.Files = append(e.Files, s)
			}
		case typ == protowire.VarintType && (num == fieldDate || num == fieldActive):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldDate {
				e.Date = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			} else {
				e.Active = protowire.DecodeBool(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
