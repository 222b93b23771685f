package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
)

// Argument tags of the binary encoding. Every value is a little-endian
// uint16 tag followed by its payload.
const (
	TagNull    uint16 = 1
	TagBuffer  uint16 = 2
	TagArray   uint16 = 3
	TagString  uint16 = 4
	TagObject  uint16 = 5
	TagBean    uint16 = 6
	TagBoolean uint16 = 7
	TagFloat   uint16 = 8
	TagNumber  uint16 = 9
	TagDouble  uint16 = 10
	TagLong    uint16 = 11
)

// Bean is a value with its own binary layout, registered by id with
// RegisterBean so the reading side can rebuild it.
type Bean interface {
	BeanID() string
	WriteBean(w *Writer) error
	ReadBean(r *Reader) error
}

var beans = struct {
	lk        sync.RWMutex
	factories map[string]func() Bean
}{factories: make(map[string]func() Bean)}

// RegisterBean makes beans with the given id decodable.
func RegisterBean(id string, factory func() Bean) {
	beans.lk.Lock()
	defer beans.lk.Unlock()
	beans.factories[id] = factory
}

func newBean(id string) (Bean, bool) {
	beans.lk.RLock()
	defer beans.lk.RUnlock()
	factory, ok := beans.factories[id]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Writer appends binary encoded values.
type Writer struct {
	buf []byte
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) WriteUint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) WriteInt32(v int32)   { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteInt64(v int64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v))
}
func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }
func (w *Writer) WriteFloat64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteBytes(v []byte) {
	w.WriteUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) WriteString(v string) {
	w.WriteUint32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// WriteValue writes a tagged value. Integers fitting in 32 bits use the
// number tag, except int64 which always uses long. Maps, structs and other
// JSON-marshalable values use the object tag.
func (w *Writer) WriteValue(v any) error {
	switch val := v.(type) {
	case nil:
		w.WriteUint16(TagNull)
	case []byte:
		w.WriteUint16(TagBuffer)
		w.WriteBytes(val)
	case string:
		w.WriteUint16(TagString)
		w.WriteString(val)
	case bool:
		w.WriteUint16(TagBoolean)
		w.WriteBool(val)
	case float32:
		w.WriteUint16(TagFloat)
		w.WriteFloat32(val)
	case float64:
		w.WriteUint16(TagDouble)
		w.WriteFloat64(val)
	case int:
		w.writeInt(int64(val))
	case int8:
		w.writeInt(int64(val))
	case int16:
		w.writeInt(int64(val))
	case int32:
		w.writeInt(int64(val))
	case uint8:
		w.writeInt(int64(val))
	case uint16:
		w.writeInt(int64(val))
	case uint32:
		w.writeInt(int64(val))
	case int64:
		w.WriteUint16(TagLong)
		w.WriteInt64(val)
	case uint64:
		if val > math.MaxInt64 {
			return fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, val)
		}
		w.WriteUint16(TagLong)
		w.WriteInt64(int64(val))
	case []any:
		w.WriteUint16(TagArray)
		w.WriteUint32(uint32(len(val)))
		for _, item := range val {
			if err := w.WriteValue(item); err != nil {
				return err
			}
		}
	case Bean:
		w.WriteUint16(TagBean)
		w.WriteString(val.BeanID())
		return val.WriteBean(w)
	case error:
		return w.WriteValue(CloneError(val))
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
		}
		w.WriteUint16(TagObject)
		w.WriteBytes(raw)
	}
	return nil
}

func (w *Writer) writeInt(v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		w.WriteUint16(TagNumber)
		w.WriteInt32(int32(v))
		return
	}
	w.WriteUint16(TagLong)
	w.WriteInt64(v)
}

// Reader consumes binary encoded values.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len is the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) - r.off }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedPayload, n, r.Len())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.next(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := r.next(int(n))
	return string(b), err
}

// ReadValue reads one tagged value written by WriteValue. Numbers come back
// as int, longs as int64, objects as map[string]any or []any.
func (r *Reader) ReadValue() (any, error) {
	tag, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagNull:
		return nil, nil
	case TagBuffer:
		return r.ReadBytes()
	case TagString:
		return r.ReadString()
	case TagBoolean:
		return r.ReadBool()
	case TagFloat:
		return r.ReadFloat32()
	case TagDouble:
		return r.ReadFloat64()
	case TagNumber:
		v, err := r.ReadInt32()
		return int(v), err
	case TagLong:
		return r.ReadInt64()
	case TagArray:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		if int(n) > r.Len() {
			return nil, fmt.Errorf("%w: array of %d items in %d bytes", ErrMalformedPayload, n, r.Len())
		}
		items := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			item, err := r.ReadValue()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case TagObject:
		raw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		var obj any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return obj, nil
	case TagBean:
		id, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		bean, ok := newBean(id)
		if !ok {
			return nil, fmt.Errorf("%w: unregistered bean %q", ErrMalformedPayload, id)
		}
		if err := bean.ReadBean(r); err != nil {
			return nil, err
		}
		return bean, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedPayload, tag)
	}
}
