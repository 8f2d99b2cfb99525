package ops

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxRecord bounds a single wire line.
const DefaultMaxRecord = 1 << 20

// Append appends the wire record of o to dst. An operation with a Patch is
// written in block form: the header line, one indented line per nested
// entry, then a blank line.
func Append(dst []byte, o Op) ([]byte, error) {
	if o.Spec.IsZero() {
		return dst, fmt.Errorf("%w: empty specifier", ErrFramingError)
	}
	if err := checkValue(o.Value); err != nil {
		return dst, err
	}
	head := o.Spec.String()
	if len(o.Patch) == 0 {
		dst = append(dst, head...)
		dst = append(dst, '\t')
		dst = append(dst, o.Value...)
		return append(dst, '\n'), nil
	}
	if o.Value != "" || o.Spec.Op == "" {
		return dst, fmt.Errorf("%w: block header %s needs an op and no payload", ErrFramingError, head)
	}
	dst = append(dst, head...)
	dst = append(dst, '\n')
	for _, entry := range o.Patch {
		if len(entry.Patch) > 0 {
			return dst, fmt.Errorf("%w: nested block in %s", ErrFramingError, head)
		}
		line := entry.Spec.Filter("!.")
		if line.IsZero() {
			return dst, fmt.Errorf("%w: patch entry without version or op in %s", ErrFramingError, head)
		}
		var err error
		if dst, err = appendLine(dst, line, entry.Value); err != nil {
			return dst, err
		}
	}
	return append(dst, '\n'), nil
}

// AppendBundle appends a block of independent operations sharing the
// header's tags. Each line carries only the tags that differ from header.
func AppendBundle(dst []byte, header Spec, list []Op) ([]byte, error) {
	if header.IsZero() || header.Op != "" {
		return dst, fmt.Errorf("%w: bundle header %q", ErrFramingError, header.String())
	}
	dst = append(dst, header.String()...)
	dst = append(dst, '\n')
	for _, o := range list {
		var line Spec
		for q := 0; q < len(quants); q++ {
			if v := o.Spec.get(q); v != header.get(q) {
				*line.field(q) = v
			}
		}
		if line.IsZero() {
			return dst, fmt.Errorf("%w: bundle line repeats header %s", ErrFramingError, header.String())
		}
		if line.Compose(header) != o.Spec {
			return dst, fmt.Errorf("%w: %s does not share header %s", ErrFramingError, o.Spec.String(), header.String())
		}
		var err error
		if dst, err = appendLine(dst, line, o.Value); err != nil {
			return dst, err
		}
	}
	return append(dst, '\n'), nil
}

func appendLine(dst []byte, spec Spec, value string) ([]byte, error) {
	if err := checkValue(value); err != nil {
		return dst, err
	}
	dst = append(dst, '\t')
	dst = append(dst, spec.String()...)
	dst = append(dst, '\t')
	dst = append(dst, value...)
	return append(dst, '\n'), nil
}

func checkValue(value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: payload spans lines", ErrFramingError)
	}
	if value != "" && isSpace(value[0]) {
		return fmt.Errorf("%w: payload starts with whitespace", ErrFramingError)
	}
	return nil
}

// Encode returns the wire form of a single operation.
func Encode(o Op) (string, error) {
	buf, err := Append(nil, o)
	return string(buf), err
}

// Decoder reads wire records from a stream. Blank lines are heartbeats and
// are skipped.
type Decoder struct {
	r       *bufio.Reader
	max     int
	pending string
	hasLine bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   bufio.NewReader(r),
		max: DefaultMaxRecord,
	}
}

// SetMaxRecord bounds the length of a single line.
func (d *Decoder) SetMaxRecord(n int) {
	d.max = n
}

// Decode returns the operations of the next record: one operation for the
// single-line form or a block with an op header, several for a bundle.
// Any malformed input yields ErrFramingError; the stream cannot be resumed
// after that.
func (d *Decoder) Decode() ([]Op, error) {
	for {
		line, err := d.next()
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isSpace(line[0]) {
			return nil, fmt.Errorf("%w: continuation line without header", ErrFramingError)
		}
		head, value, single := cut(line)
		spec, err := ParseSpec(head)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFramingError, err)
		}
		if spec.IsZero() {
			return nil, fmt.Errorf("%w: empty specifier", ErrFramingError)
		}
		if single {
			return []Op{{Spec: spec, Value: value}}, nil
		}

		lines, err := d.block()
		if err != nil {
			return nil, err
		}
		if spec.Op != "" {
			base := spec.TypeID()
			for i := range lines {
				lines[i].Spec = lines[i].Spec.Compose(base)
			}
			return []Op{{Spec: spec, Patch: lines}}, nil
		}
		for i := range lines {
			lines[i].Spec = lines[i].Spec.Compose(spec)
		}
		if len(lines) > 0 {
			return lines, nil
		}
	}
}

func (d *Decoder) block() ([]Op, error) {
	var lines []Op
	for {
		line, err := d.next()
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			return lines, nil
		}
		if !isSpace(line[0]) {
			d.pending, d.hasLine = line, true
			return lines, nil
		}
		head, value, _ := cut(strings.TrimLeft(line, " \t"))
		spec, err := ParseSpec(head)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFramingError, err)
		}
		if spec.IsZero() {
			return nil, fmt.Errorf("%w: empty continuation specifier", ErrFramingError)
		}
		lines = append(lines, Op{Spec: spec, Value: value})
	}
}

func (d *Decoder) next() (string, error) {
	if d.hasLine {
		d.hasLine = false
		return d.pending, nil
	}
	// Read in buffer-sized pieces so an endless line fails once it passes
	// max instead of being held in memory whole.
	var buf []byte
	var err error
	for {
		var chunk []byte
		chunk, err = d.r.ReadSlice('\n')
		if len(buf)+len(chunk) > d.max {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrFramingError, d.max)
		}
		buf = append(buf, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			break
		}
	}
	line := string(buf)
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", fmt.Errorf("%w: truncated record %q", ErrFramingError, line)
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// ParseRecords decodes every record in s.
func ParseRecords(s string) ([]Op, error) {
	dec := NewDecoder(strings.NewReader(s))
	var out []Op
	for {
		list, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, list...)
	}
}

func cut(line string) (head, rest string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, "", false
	}
	return line[:i], strings.TrimLeft(line[i:], " \t"), true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
