package core

// serializer.go implements the machine-independent big-endian binary codec
// shared by every durable record in the ledger core: FileStore payloads,
// FileDirStore/DirDirStore index entries and ChainNode records. The format
// is intentionally simple (no schema evolution, no varints) so that the
// byte layout in §3 of the on-disk format is exact and reproducible across
// hosts and architectures.
//
// Two dual roles are exposed: OutputArchive writes to a byte sink,
// InputArchive reads from a byte source. A single visitor-style pair of
// methods (Archive.U64 / Archive.Bytes / ...) dispatches on the field's Go
// type; aggregate types implement Serializable and call back into the
// archive for each field, mirroring the `ar & field` idiom of the original
// C++ core.

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Serializable is implemented by any aggregate that can encode/decode itself
// through an archive. Both OutputArchive and InputArchive satisfy Archive,
// so a single Serialize method handles both directions.
type Serializable interface {
	Serialize(ar Archive) error
}

// Archive is the minimal surface both archive directions share. Callers
// write `x.Serialize(ar)`; inside Serialize, fields are visited in a fixed
// order via the typed accessors below.
type Archive interface {
	Bool(v *bool) error
	U16(v *uint16) error
	U32(v *uint32) error
	U64(v *uint64) error
	I64(v *int64) error
	F64(v *float64) error
	Bytes(v *[]byte) error
	String(v *string) error
	// IsOutput reports whether the archive writes (true) or reads (false).
	IsOutput() bool
}

// ---------------------------------------------------------------------
// OutputArchive
// ---------------------------------------------------------------------

// OutputArchive serializes values into an in-memory byte sink.
type OutputArchive struct {
	buf []byte
}

// NewOutputArchive returns an archive ready to accept writes.
func NewOutputArchive() *OutputArchive { return &OutputArchive{} }

// Bytes returns the accumulated encoded byte stream.
func (o *OutputArchive) Bytes() []byte { return o.buf }

func (o *OutputArchive) IsOutput() bool { return true }

func (o *OutputArchive) Bool(v *bool) error {
	if *v {
		o.buf = append(o.buf, 1)
	} else {
		o.buf = append(o.buf, 0)
	}
	return nil
}

func (o *OutputArchive) U16(v *uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], *v)
	o.buf = append(o.buf, b[:]...)
	return nil
}

func (o *OutputArchive) U32(v *uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], *v)
	o.buf = append(o.buf, b[:]...)
	return nil
}

func (o *OutputArchive) U64(v *uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], *v)
	o.buf = append(o.buf, b[:]...)
	return nil
}

func (o *OutputArchive) I64(v *int64) error {
	u := uint64(*v)
	return o.U64(&u)
}

func (o *OutputArchive) F64(v *float64) error {
	bits := math.Float64bits(*v)
	return o.U64(&bits)
}

func (o *OutputArchive) Bytes(v *[]byte) error {
	n := uint64(len(*v))
	if err := o.U64(&n); err != nil {
		return err
	}
	o.buf = append(o.buf, *v...)
	return nil
}

func (o *OutputArchive) String(v *string) error {
	b := []byte(*v)
	return o.Bytes(&b)
}

// ---------------------------------------------------------------------
// InputArchive
// ---------------------------------------------------------------------

// InputArchive deserializes values from an in-memory byte source. Once a
// read fails, the sticky failed flag short-circuits subsequent reads so
// that a struct's Serialize method can run to completion leaving untouched
// fields at their zero value, matching the source archive's behaviour.
type InputArchive struct {
	data   []byte
	off    int
	failed error
}

// NewInputArchive wraps data for sequential reads.
func NewInputArchive(data []byte) *InputArchive {
	return &InputArchive{data: data}
}

func (i *InputArchive) IsOutput() bool { return false }

// Failed reports the first error encountered, or nil if every read so far
// has succeeded.
func (i *InputArchive) Failed() error { return i.failed }

// Remaining returns the number of unread bytes.
func (i *InputArchive) Remaining() int { return len(i.data) - i.off }

func (i *InputArchive) take(n int) ([]byte, bool) {
	if i.failed != nil {
		return nil, false
	}
	if i.off+n > len(i.data) {
		i.failed = fmt.Errorf("serializer: short read, need %d have %d", n, len(i.data)-i.off)
		return nil, false
	}
	b := i.data[i.off : i.off+n]
	i.off += n
	return b, true
}

func (i *InputArchive) Bool(v *bool) error {
	b, ok := i.take(1)
	if !ok {
		return i.failed
	}
	*v = b[0] != 0
	return nil
}

func (i *InputArchive) U16(v *uint16) error {
	b, ok := i.take(2)
	if !ok {
		return i.failed
	}
	*v = binary.BigEndian.Uint16(b)
	return nil
}

func (i *InputArchive) U32(v *uint32) error {
	b, ok := i.take(4)
	if !ok {
		return i.failed
	}
	*v = binary.BigEndian.Uint32(b)
	return nil
}

func (i *InputArchive) U64(v *uint64) error {
	b, ok := i.take(8)
	if !ok {
		return i.failed
	}
	*v = binary.BigEndian.Uint64(b)
	return nil
}

func (i *InputArchive) I64(v *int64) error {
	var u uint64
	if err := i.U64(&u); err != nil {
		return err
	}
	*v = int64(u)
	return nil
}

func (i *InputArchive) F64(v *float64) error {
	var bits uint64
	if err := i.U64(&bits); err != nil {
		return err
	}
	*v = math.Float64frombits(bits)
	return nil
}

func (i *InputArchive) Bytes(v *[]byte) error {
	var n uint64
	if err := i.U64(&n); err != nil {
		return err
	}
	if i.failed != nil {
		return i.failed
	}
	// Guard against a corrupt length blowing up allocation.
	if n > uint64(i.Remaining()) {
		i.failed = fmt.Errorf("serializer: length %d exceeds remaining %d", n, i.Remaining())
		return i.failed
	}
	b, ok := i.take(int(n))
	if !ok {
		return i.failed
	}
	out := make([]byte, len(b))
	copy(out, b)
	*v = out
	return nil
}

func (i *InputArchive) String(v *string) error {
	var b []byte
	if err := i.Bytes(&b); err != nil {
		return err
	}
	*v = string(b)
	return nil
}

// Encode serializes v into a standalone byte slice.
func Encode(v Serializable) ([]byte, error) {
	ar := NewOutputArchive()
	if err := v.Serialize(ar); err != nil {
		return nil, err
	}
	return ar.Bytes(), nil
}

// Decode deserializes data into v, returning the archive's sticky error (if
// any) after the visitor has run to completion.
func Decode(data []byte, v Serializable) error {
	ar := NewInputArchive(data)
	if err := v.Serialize(ar); err != nil {
		return err
	}
	return ar.Failed()
}

// writeRecord is a helper used by the store layers to write a length-prefixed
// record to an io.Writer without going through the Archive abstraction,
// since record framing is a storage-layer concern, not a codec concern.
func writeRecord(w io.Writer, payload []byte) error {
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(len(payload)))
	if _, err := w.Write(sz[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
