// Package mixedformat implements the wire layout for the "mixed" cell dtype
// described in spec §6:
//
//	8-byte magic "SEAMLESS", uint64 LE len_jsons, uint64 LE len_buffer,
//	len_jsons bytes of UTF-8 JSON (an array whose first element is a list of
//	byte-offsets into the buffer and whose remaining elements are inline JSON
//	values), then len_buffer bytes of raw binary payloads.
package mixedformat

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Magic is the fixed 8-byte header identifying a mixed-binary stream.
const Magic = "SEAMLESS"

// Value is the in-memory representation of a mixed cell's content: a set of
// JSON values, some of which reference byte ranges in Buffer by offset.
type Value struct {
	// Offsets holds one byte offset into Buffer per referenced binary chunk.
	Offsets []int64
	// Inline holds the remaining JSON-representable values, in order.
	Inline []any
	// Buffer is the raw binary payload area; offsets index into it.
	Buffer []byte
}

// Marshal encodes v into the mixed wire format.
func Marshal(v Value) ([]byte, error) {
	arr := make([]any, 0, len(v.Inline)+1)
	arr = append(arr, v.Offsets)
	arr = append(arr, v.Inline...)

	jsons, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("mixedformat: encode jsons: %w", err)
	}

	out := make([]byte, 0, 8+8+8+len(jsons)+len(v.Buffer))
	out = append(out, []byte(Magic)...)
	out = appendUint64(out, uint64(len(jsons)))
	out = appendUint64(out, uint64(len(v.Buffer)))
	out = append(out, jsons...)
	out = append(out, v.Buffer...)
	return out, nil
}

// Unmarshal decodes a mixed wire stream produced by Marshal.
func Unmarshal(data []byte) (Value, error) {
	if len(data) < 8+8+8 || !bytes.Equal(data[:8], []byte(Magic)) {
		return Value{}, fmt.Errorf("mixedformat: bad magic or truncated header")
	}
	lenJSONs := binary.LittleEndian.Uint64(data[8:16])
	lenBuffer := binary.LittleEndian.Uint64(data[16:24])

	rest := data[24:]
	if uint64(len(rest)) < lenJSONs+lenBuffer {
		return Value{}, fmt.Errorf("mixedformat: truncated body: want %d got %d", lenJSONs+lenBuffer, len(rest))
	}

	jsonsBytes := rest[:lenJSONs]
	buffer := rest[lenJSONs : lenJSONs+lenBuffer]

	var arr []json.RawMessage
	if err := json.Unmarshal(jsonsBytes, &arr); err != nil {
		return Value{}, fmt.Errorf("mixedformat: decode jsons: %w", err)
	}
	if len(arr) == 0 {
		return Value{}, fmt.Errorf("mixedformat: jsons array missing offsets element")
	}

	var offsets []int64
	if err := json.Unmarshal(arr[0], &offsets); err != nil {
		return Value{}, fmt.Errorf("mixedformat: decode offsets: %w", err)
	}

	inline := make([]any, 0, len(arr)-1)
	for _, raw := range arr[1:] {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Value{}, fmt.Errorf("mixedformat: decode inline value: %w", err)
		}
		inline = append(inline, v)
	}

	bufCopy := make([]byte, len(buffer))
	copy(bufCopy, buffer)

	return Value{Offsets: offsets, Inline: inline, Buffer: bufCopy}, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
