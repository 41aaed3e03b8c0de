package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Decoder reads newline-terminated JSON frames from a byte stream, enforcing
// the per-frame length cap. Not safe for concurrent use; each connection has
// exactly one reader.
type Decoder struct {
	r   *bufio.Reader
	max int
	buf []byte
}

// NewDecoder wraps r with a frame decoder. maxBytes <= 0 selects
// DefaultMaxBytes.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10), max: maxBytes}
}

// Read returns the next frame. It returns ErrUnknownKind (with a usable
// *Frame) for well-formed frames of an unrecognized kind so callers can log
// and ignore them; every other non-nil error is fatal for the connection.
func (d *Decoder) Read() (*Frame, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	// Cheap kind probe before the full decode: a frame without a string
	// "kind" is malformed no matter what else it carries.
	kind := gjson.GetBytes(line, "kind")
	if !kind.Exists() || kind.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return &f, err
	}
	return &f, nil
}

// readLine accumulates bytes up to the next 0x0A, failing once the frame
// exceeds the cap rather than buffering an unbounded line.
func (d *Decoder) readLine() ([]byte, error) {
	d.buf = d.buf[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.buf = append(d.buf, chunk...)
		if len(d.buf) > d.max {
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(d.buf), d.max)
		}
		switch err {
		case nil:
			return bytes.TrimSuffix(d.buf, []byte{'\n'}), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, err
		}
	}
}

// Encoder writes frames as single JSON lines. Not safe for concurrent use;
// each connection has exactly one writer goroutine that owns it.
type Encoder struct {
	w   *bufio.Writer
	max int
}

// NewEncoder wraps w with a frame encoder. maxBytes <= 0 selects
// DefaultMaxBytes.
func NewEncoder(w io.Writer, maxBytes int) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Encoder{w: bufio.NewWriterSize(w, 64<<10), max: maxBytes}
}

// Write validates, marshals and flushes one frame.
func (e *Encoder) Write(f *Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// json.Marshal never emits raw newlines, so the line framing holds.
	if len(data)+1 > e.max {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data)+1, e.max)
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}
