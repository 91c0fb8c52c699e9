package index

import (
	"fmt"
	"strings"
	"time"
)

// uidDateLen is the width of the yyyyMMddHHmmssSSS timestamp suffix.
const uidDateLen = 17

// EncodeUID builds the sortable document id for a source path and its
// modification time. Slashes become NUL so that uid order and path order
// agree: every entry of a directory sorts before any sibling whose name
// extends the directory name.
func EncodeUID(path string, mtime time.Time) string {
	t := mtime.UTC()
	return strings.ReplaceAll(path, "/", "\x00") + "\x00" +
		fmt.Sprintf("%s%03d", t.Format("20060102150405"), t.Nanosecond()/int(time.Millisecond))
}

// DecodeUID returns the path and modification time encoded in uid.
func DecodeUID(uid string) (string, time.Time, error) {
	i := len(uid) - uidDateLen - 1
	if i < 0 || uid[i] != 0 {
		return "", time.Time{}, fmt.Errorf("malformed uid %q", uid)
	}
	stamp := uid[i+1:]
	t, err := time.Parse("20060102150405", stamp[:14])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed uid date %q: %w", stamp, err)
	}
	var ms int
	if _, err := fmt.Sscanf(stamp[14:], "%03d", &ms); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed uid date %q: %w", stamp, err)
	}
	return strings.ReplaceAll(uid[:i], "\x00", "/"), t.Add(time.Duration(ms) * time.Millisecond), nil
}

// UIDPrefix is the prefix shared by the uids of every file under dir.
func UIDPrefix(dir string) string {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		return "\x00"
	}
	return strings.ReplaceAll(dir, "/", "\x00") + "\x00"
}
