package corvid

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestBytesBuilder_Basics(t *testing.T) {
	var bb bytesBuilder

	off := bb.Grow(3)
	copy(bb.Buf[off:], []byte{1, 2, 3})

	_, _ = bb.Write([]byte{9, 8})
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2, 3, 9, 8}) {
		t.Fatalf("after Write: bb.Buf = %x, wanted 010203 09 08", bb.Buf)
	}

	_ = bb.WriteByte(7)
	if !reflect.DeepEqual(bb.Buf, []byte{1, 2, 3, 9, 8, 7}) {
		t.Fatalf("after WriteByte: bb.Buf = %x, wanted 010203090807", bb.Buf)
	}
}

func TestByteUtil_AppendRaw(t *testing.T) {
	src := []byte{0xAA, 0xBB, 0xCC}
	buf := appendRaw(nil, src)
	if !reflect.DeepEqual(buf, src) {
		t.Fatalf("appendRaw = %x, wanted %x", buf, src)
	}

	buf = appendUvarint(nil, 0x42)
	d := makeByteDecoder(buf)
	v, err := d.Uvarint()
	if err != nil || v != 0x42 {
		t.Fatalf("Uvarint = (%d, %v), wanted (0x42, nil)", v, err)
	}
}

func TestByteDecoder_Errors(t *testing.T) {
	t.Run("invalid uvarint", func(t *testing.T) {
		d := makeByteDecoder([]byte{0x80}) // continuation bit with no terminator
		_, err := d.Uvarint()
		var de *Error
		if !errors.As(err, &de) {
			t.Fatalf("Uvarint err = %T %v, wanted *Error", err, err)
		}
		if de.Offset != 0 {
			t.Fatalf("Error.Offset = %d, wanted 0", de.Offset)
		}
	})

	t.Run("uvarint overflows int", func(t *testing.T) {
		var b [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(b[:], uint64(math.MaxInt)+1)
		d := makeByteDecoder(b[:n])
		_, err := d.Uvarinti()
		if err == nil {
			t.Fatalf("Uvarinti err = nil, wanted error")
		}
	})

	t.Run("Raw not enough data", func(t *testing.T) {
		d := makeByteDecoder([]byte{1, 2})
		_, err := d.Raw(3)
		if err == nil {
			t.Fatalf("Raw err = nil, wanted error")
		}
	})
}
