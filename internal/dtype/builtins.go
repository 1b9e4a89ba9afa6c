package dtype

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smilemakc/seamless/internal/checksum"
	"github.com/smilemakc/seamless/internal/mixedformat"
)

// --- text -------------------------------------------------------------

type textHandler struct{}

func (textHandler) Parse(text []byte) (any, error)       { return string(text), nil }
func (textHandler) Construct(value any) (any, error)     { return asString(value) }
func (textHandler) Serialize(value any) ([]byte, error)  { s, err := asString(value); return []byte(s), err }
func (textHandler) Validate(value any) error             { _, err := asString(value); return err }
func (textHandler) HasTextChecksum() bool                { return false }
func (h textHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	return checksumOf(h, value, buffer)
}
func (h textHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	return h.Checksum(value, buffer)
}

// --- python-source / python-transformer-source -------------------------
//
// The body is an external collaborator (spec §1 Out of scope); the cell
// itself only stores and checksums source text. Per spec §4.2, Python's text
// form is distinct from its canonical form, so HasTextChecksum is true: the
// canonical checksum is taken over whitespace-normalized source, while the
// text checksum covers the literal bytes as typed.

type sourceHandler struct{}

func (sourceHandler) Parse(text []byte) (any, error)      { return string(text), nil }
func (sourceHandler) Construct(value any) (any, error)    { return asString(value) }
func (sourceHandler) Serialize(value any) ([]byte, error) { s, err := asString(value); return []byte(s), err }
func (sourceHandler) Validate(value any) error            { _, err := asString(value); return err }
func (sourceHandler) HasTextChecksum() bool                { return true }

func (h sourceHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("source: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of([]byte(normalizeSource(string(b)))), nil
	}
	s, err := asString(value)
	if err != nil {
		return checksum.Sum{}, err
	}
	return checksum.Of([]byte(normalizeSource(s))), nil
}

func (h sourceHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("source: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	s, err := asString(value)
	if err != nil {
		return checksum.Sum{}, err
	}
	return checksum.Of([]byte(s)), nil
}

func normalizeSource(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// --- json ---------------------------------------------------------------

type jsonHandler struct{}

func (jsonHandler) Parse(text []byte) (any, error) {
	var v any
	if err := json.Unmarshal(text, &v); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return v, nil
}

func (jsonHandler) Construct(value any) (any, error) {
	// Round-trip through JSON to normalize the in-memory shape (map keys
	// become strings, numbers become float64, ...).
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json: value not json-serializable: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return v, nil
}

func (jsonHandler) Serialize(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return b, nil
}

func (jsonHandler) Validate(value any) error {
	_, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}

func (jsonHandler) HasTextChecksum() bool { return false }

func (h jsonHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	return checksumOf(h, value, buffer)
}

func (h jsonHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	return h.Checksum(value, buffer)
}

// --- cson -----------------------------------------------------------------
//
// CSON (CoffeeScript Object Notation) is JSON plus `#` line comments and
// trailing commas. This is a deliberately small stdlib-only preprocessor
// (documented as a standard-library justification in DESIGN.md) that cuts
// each line at its first `#` (inside strings too) and drops a comma written
// directly before `]` or `}`, then defers to encoding/json; a trailing comma
// followed by whitespace or a newline is left in place. Per spec
// §4.2, CSON's text form (with comments) is distinct from its canonical
// form, so HasTextChecksum is true.

type csonHandler struct{}

func stripCSONComments(text []byte) []byte {
	lines := strings.Split(string(text), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if idx := strings.IndexByte(l, '#'); idx >= 0 {
			l = l[:idx]
		}
		out = append(out, l)
	}
	joined := strings.Join(out, "\n")
	// Drop a comma directly before a closing bracket/brace, which JSON forbids.
	joined = strings.NewReplacer(",]", "]", ",}", "}").Replace(joined)
	return []byte(joined)
}

func (csonHandler) Parse(text []byte) (any, error) {
	var v any
	if err := json.Unmarshal(stripCSONComments(text), &v); err != nil {
		return nil, fmt.Errorf("cson: %w", err)
	}
	return v, nil
}

func (csonHandler) Construct(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cson: value not serializable: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("cson: %w", err)
	}
	return v, nil
}

func (csonHandler) Serialize(value any) ([]byte, error) {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cson: %w", err)
	}
	return b, nil
}

func (csonHandler) Validate(value any) error {
	_, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cson: %w", err)
	}
	return nil
}

func (csonHandler) HasTextChecksum() bool { return true }

// Checksum digests the canonical (compact JSON) form; TextChecksum digests
// the rendered text form, which for cson differs from canonical (spec §4.2).
func (h csonHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("cson: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return checksum.Sum{}, fmt.Errorf("cson: %w", err)
	}
	return checksum.Of(b), nil
}

func (h csonHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("cson: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	b, err := h.Serialize(value)
	if err != nil {
		return checksum.Sum{}, err
	}
	return checksum.Of(b), nil
}

// --- array (binary-array / numpy-like) -------------------------------------

// ArrayValue is the minimal binary-array representation: raw little-endian bytes
// plus a shape and an element-type tag, standing in for a numpy ndarray.
type ArrayValue struct {
	Shape []int
	DType string // e.g. "float64", "int32"
	Data  []byte
}

type arrayHandler struct{}

func (arrayHandler) Parse(text []byte) (any, error) {
	return nil, fmt.Errorf("array: cannot be parsed from text, use buffer form")
}

func (arrayHandler) Construct(value any) (any, error) {
	arr, ok := value.(ArrayValue)
	if !ok {
		return nil, fmt.Errorf("array: expected dtype.ArrayValue, got %T", value)
	}
	return arr, nil
}

func (arrayHandler) Serialize(value any) ([]byte, error) {
	arr, ok := value.(ArrayValue)
	if !ok {
		return nil, fmt.Errorf("array: expected dtype.ArrayValue, got %T", value)
	}
	return arr.Data, nil
}

func (arrayHandler) Validate(value any) error {
	arr, ok := value.(ArrayValue)
	if !ok {
		return fmt.Errorf("array: expected dtype.ArrayValue, got %T", value)
	}
	n := 1
	for _, d := range arr.Shape {
		n *= d
	}
	if n > 0 && len(arr.Data)%n != 0 {
		return fmt.Errorf("array: data length %d not divisible by shape product %d", len(arr.Data), n)
	}
	return nil
}

func (arrayHandler) HasTextChecksum() bool { return false }

func (arrayHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("array: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	arr, ok := value.(ArrayValue)
	if !ok {
		return checksum.Sum{}, fmt.Errorf("array: expected dtype.ArrayValue, got %T", value)
	}
	return checksum.Of(arr.Data), nil
}

func (h arrayHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	return h.Checksum(value, buffer)
}

// --- mixed (mixed-binary) ---------------------------------------------------

type mixedHandler struct{}

func (mixedHandler) Parse(text []byte) (any, error) {
	return mixedformat.Unmarshal(text)
}

func (mixedHandler) Construct(value any) (any, error) {
	v, ok := value.(mixedformat.Value)
	if !ok {
		return nil, fmt.Errorf("mixed: expected mixedformat.Value, got %T", value)
	}
	return v, nil
}

func (mixedHandler) Serialize(value any) ([]byte, error) {
	v, ok := value.(mixedformat.Value)
	if !ok {
		return nil, fmt.Errorf("mixed: expected mixedformat.Value, got %T", value)
	}
	return mixedformat.Marshal(v)
}

func (mixedHandler) Validate(value any) error {
	_, ok := value.(mixedformat.Value)
	if !ok {
		return fmt.Errorf("mixed: expected mixedformat.Value, got %T", value)
	}
	return nil
}

func (mixedHandler) HasTextChecksum() bool { return false }

func (h mixedHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("mixed: buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	b, err := h.Serialize(value)
	if err != nil {
		return checksum.Sum{}, err
	}
	return checksum.Of(b), nil
}

func (h mixedHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	return h.Checksum(value, buffer)
}

// --- signal ----------------------------------------------------------------
//
// A signal cell carries no value (spec invariant C5); Set() is only ever
// called with nil and every call is a transition to fire.

type signalHandler struct{}

func (signalHandler) Parse(text []byte) (any, error)      { return nil, nil }
func (signalHandler) Construct(value any) (any, error)    { return nil, nil }
func (signalHandler) Serialize(value any) ([]byte, error) { return nil, nil }
func (signalHandler) Validate(value any) error {
	if value != nil {
		return fmt.Errorf("signal: carries no value, got %T", value)
	}
	return nil
}
func (signalHandler) HasTextChecksum() bool { return false }
func (signalHandler) Checksum(value any, buffer bool) (checksum.Sum, error) {
	return checksum.Sum{}, nil
}
func (signalHandler) TextChecksum(value any, buffer bool) (checksum.Sum, error) {
	return checksum.Sum{}, nil
}

// --- shared helpers ----------------------------------------------------

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func checksumOf(h Handler, value any, buffer bool) (checksum.Sum, error) {
	if buffer {
		b, ok := value.([]byte)
		if !ok {
			return checksum.Sum{}, fmt.Errorf("buffer checksum expects []byte, got %T", value)
		}
		return checksum.Of(b), nil
	}
	b, err := h.Serialize(value)
	if err != nil {
		return checksum.Sum{}, err
	}
	return checksum.Of(b), nil
}
