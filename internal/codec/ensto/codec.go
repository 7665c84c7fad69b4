// Package ensto implements the proprietary Ensto key/value codec
// (spec.md §4.2): a single URL-encoded query string per frame, with the
// numeric `id` field standing in for both message type and correlation
// id. Grounded on device/ensto/device_ensto.py's __socket_message /
// __loop_internal in the Python original.
package ensto

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Field is one key/value pair in wire order. A nil Value means the key
// appeared without "=" (the Ensto "flag present" convention).
type Field struct {
	Key   string
	Value *string
}

func Str(key, value string) Field { return Field{Key: key, Value: &value} }
func Int(key string, value int) Field {
	v := strconv.Itoa(value)
	return Field{Key: key, Value: &v}
}
func Null(key string) Field { return Field{Key: key} }

// Frame is a decoded key/value line, keyed by field name. A nil value
// means the key was present without "=".
type Frame map[string]*string

// Get returns the value and whether the key was present at all (with or
// without a value).
func (f Frame) Get(key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", ok
	}
	return *v, true
}

// Has reports whether key is present in the frame, with or without value.
func (f Frame) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// Encode renders `imei=<deviceId>&<k>=<v>&...` (no trailing newline — the
// TCP transport owns framing, spec.md §4.1).
func Encode(deviceID string, fields ...Field) []byte {
	var b strings.Builder
	b.WriteString("imei=")
	b.WriteString(url.QueryEscape(deviceID))
	for _, f := range fields {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(f.Key))
		if f.Value != nil {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(*f.Value))
		}
	}
	return []byte(b.String())
}

// Decode parses one Ensto frame into a Frame. Unlike url.ParseQuery, it
// preserves bare keys (no "=") as present-with-nil-value rather than
// folding them into empty strings.
func Decode(line []byte) Frame {
	frame := make(Frame)
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return frame
	}
	for _, term := range strings.Split(text, "&") {
		if term == "" {
			continue
		}
		parts := strings.SplitN(term, "=", 2)
		key, _ := url.QueryUnescape(parts[0])
		if len(parts) == 1 {
			frame[key] = nil
			continue
		}
		value, _ := url.QueryUnescape(parts[1])
		frame[key] = &value
	}
	return frame
}

// SortedKeys is a small test helper for deterministic assertions over a
// Frame's contents.
func SortedKeys(f Frame) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
