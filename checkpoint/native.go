package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Native snapshot format: a flat little-endian container for state
// dicts written from Go, cheaper to reread than a pickle and able to
// store weights at half precision.
//
//	magic   uint32  'C','V','Q','1'
//	count   uint32
//	per tensor:
//	  nameLen uint16, name bytes
//	  dtype   uint8 (0 = f32, 1 = f16, 2 = bf16)
//	  rank    uint8, dims []int32
//	  data    rank-major element bytes

const nativeMagic = 0x31515643 // "CVQ1"

type NativeDType uint8

const (
	NativeF32 NativeDType = iota
	NativeF16
	NativeBF16
)

// Save writes a state dict snapshot with all tensors stored as dtype.
func Save(path string, sd *StateDict, dtype NativeDType) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	le := binary.LittleEndian

	if err := binary.Write(w, le, uint32(nativeMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, le, uint32(sd.Len())); err != nil {
		return err
	}

	for _, name := range sd.Names() {
		t, _ := sd.Get(name)

		if err := binary.Write(w, le, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.WriteString(name); err != nil {
			return err
		}
		if err := binary.Write(w, le, uint8(dtype)); err != nil {
			return err
		}
		if err := binary.Write(w, le, uint8(len(t.Shape))); err != nil {
			return err
		}
		for _, d := range t.Shape {
			if err := binary.Write(w, le, int32(d)); err != nil {
				return err
			}
		}

		switch dtype {
		case NativeF32:
			err = binary.Write(w, le, t.Data)
		case NativeF16:
			u16s := make([]uint16, len(t.Data))
			for i, v := range t.Data {
				u16s[i] = float16.Fromfloat32(v).Bits()
			}
			err = binary.Write(w, le, u16s)
		case NativeBF16:
			_, err = w.Write(bfloat16.EncodeFloat32(t.Data))
		default:
			err = fmt.Errorf("checkpoint: unknown native dtype %d", dtype)
		}
		if err != nil {
			return err
		}
	}

	return w.Flush()
}

// LoadNative reads a snapshot written by Save.
func LoadNative(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	le := binary.LittleEndian

	var magic, count uint32
	if err := binary.Read(r, le, &magic); err != nil {
		return nil, err
	}
	if magic != nativeMagic {
		return nil, fmt.Errorf("checkpoint: %s is not a native snapshot", path)
	}
	if err := binary.Read(r, le, &count); err != nil {
		return nil, err
	}

	sd := NewStateDict()
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, le, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}

		var dtype, rank uint8
		if err := binary.Read(r, le, &dtype); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &rank); err != nil {
			return nil, err
		}

		shape := make([]int, rank)
		n := 1
		for d := range shape {
			var dim int32
			if err := binary.Read(r, le, &dim); err != nil {
				return nil, err
			}
			shape[d] = int(dim)
			n *= int(dim)
		}

		t := &Tensor{Name: string(name), Shape: shape}
		switch NativeDType(dtype) {
		case NativeF32:
			t.Data = make([]float32, n)
			err = binary.Read(r, le, t.Data)
		case NativeF16:
			u16s := make([]uint16, n)
			if err = binary.Read(r, le, u16s); err == nil {
				t.Data = make([]float32, n)
				for j, v := range u16s {
					t.Data[j] = float16.Frombits(v).Float32()
				}
			}
		case NativeBF16:
			u8s := make([]uint8, n*2)
			if _, err = io.ReadFull(r, u8s); err == nil {
				t.Data = bfloat16.DecodeFloat32(u8s)
			}
		default:
			err = fmt.Errorf("checkpoint: tensor %s has unknown dtype %d", name, dtype)
		}
		if err != nil {
			return nil, err
		}

		sd.Set(t)
	}

	return sd, nil
}
