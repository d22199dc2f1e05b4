// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary translates between fixed-layout Go structs and the packed
// little-endian representation used by shared-memory message slots.
//
// Structs are encoded field by field with no implicit alignment: any padding
// the peer's ABI requires is spelled out with blank fields (`_ [n]uint8`).
// Blank fields are written as zeroes and skipped on decode.
package binary

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// LittleEndian is the same as encoding/binary.LittleEndian.
//
// It is included here as a convenience.
var LittleEndian = binary.LittleEndian

// BigEndian is the same as encoding/binary.BigEndian.
//
// It is included here as a convenience.
var BigEndian = binary.BigEndian

// ShortBufferError is returned when a buffer cannot hold the value being
// encoded or decoded.
type ShortBufferError struct {
	Need int
	Have int
}

// Error implements error.Error.
func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("buffer too short: need %d bytes, have %d", e.Need, e.Have)
}

// Encode writes the packed representation of data to the start of buf and
// returns the number of bytes written.
//
// data must only contain fixed-length signed and unsigned ints, bools,
// arrays, structs and compositions of said types. data may be a pointer, but
// cannot contain pointers.
func Encode(buf []byte, order binary.ByteOrder, data any) (int, error) {
	v := reflect.Indirect(reflect.ValueOf(data))
	n := sizeof(v)
	if len(buf) < n {
		return 0, &ShortBufferError{Need: n, Have: len(buf)}
	}
	c := codec{buf: buf[:n], order: order}
	c.put(v, false)
	return n, nil
}

// Decode unpacks the start of buf into data, which must be a pointer, and
// returns the number of bytes consumed. Trailing bytes are ignored.
func Decode(buf []byte, order binary.ByteOrder, data any) (int, error) {
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Ptr {
		panic("invalid type: " + v.Type().String())
	}
	v = v.Elem()
	n := sizeof(v)
	if len(buf) < n {
		return 0, &ShortBufferError{Need: n, Have: len(buf)}
	}
	c := codec{buf: buf[:n], order: order}
	c.get(v)
	return n, nil
}

// Marshal appends a binary representation of data to buf.
func Marshal(buf []byte, order binary.ByteOrder, data any) []byte {
	n := Size(data)
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	if _, err := Encode(buf[start:], order, data); err != nil {
		panic(err)
	}
	return buf
}

// Size calculates the buffer size needed by Encode or Decode.
//
// Size only supports the types supported by Encode.
func Size(v any) int {
	return sizeof(reflect.Indirect(reflect.ValueOf(v)))
}

type codec struct {
	buf   []byte
	order binary.ByteOrder
	off   int
}

// put encodes data at the current offset. Blank fields are zeroed.
func (c *codec) put(data reflect.Value, blank bool) {
	if blank {
		n := sizeof(data)
		clear(c.buf[c.off : c.off+n])
		c.off += n
		return
	}
	switch data.Kind() {
	case reflect.Bool:
		if data.Bool() {
			c.buf[c.off] = 1
		} else {
			c.buf[c.off] = 0
		}
		c.off++
	case reflect.Int8:
		c.buf[c.off] = byte(int8(data.Int()))
		c.off++
	case reflect.Int16:
		c.order.PutUint16(c.buf[c.off:], uint16(int16(data.Int())))
		c.off += 2
	case reflect.Int32:
		c.order.PutUint32(c.buf[c.off:], uint32(int32(data.Int())))
		c.off += 4
	case reflect.Int64:
		c.order.PutUint64(c.buf[c.off:], uint64(data.Int()))
		c.off += 8

	case reflect.Uint8:
		c.buf[c.off] = byte(data.Uint())
		c.off++
	case reflect.Uint16:
		c.order.PutUint16(c.buf[c.off:], uint16(data.Uint()))
		c.off += 2
	case reflect.Uint32:
		c.order.PutUint32(c.buf[c.off:], uint32(data.Uint()))
		c.off += 4
	case reflect.Uint64:
		c.order.PutUint64(c.buf[c.off:], data.Uint())
		c.off += 8

	case reflect.Array:
		for i, l := 0, data.Len(); i < l; i++ {
			c.put(data.Index(i), false)
		}

	case reflect.Struct:
		t := data.Type()
		for i, l := 0, data.NumField(); i < l; i++ {
			c.put(data.Field(i), t.Field(i).Name == "_")
		}

	default:
		panic("invalid type: " + data.Type().String())
	}
}

func (c *codec) get(data reflect.Value) {
	switch data.Kind() {
	case reflect.Bool:
		data.SetBool(c.buf[c.off] != 0)
		c.off++
	case reflect.Int8:
		data.SetInt(int64(int8(c.buf[c.off])))
		c.off++
	case reflect.Int16:
		data.SetInt(int64(int16(c.order.Uint16(c.buf[c.off:]))))
		c.off += 2
	case reflect.Int32:
		data.SetInt(int64(int32(c.order.Uint32(c.buf[c.off:]))))
		c.off += 4
	case reflect.Int64:
		data.SetInt(int64(c.order.Uint64(c.buf[c.off:])))
		c.off += 8

	case reflect.Uint8:
		data.SetUint(uint64(c.buf[c.off]))
		c.off++
	case reflect.Uint16:
		data.SetUint(uint64(c.order.Uint16(c.buf[c.off:])))
		c.off += 2
	case reflect.Uint32:
		data.SetUint(uint64(c.order.Uint32(c.buf[c.off:])))
		c.off += 4
	case reflect.Uint64:
		data.SetUint(c.order.Uint64(c.buf[c.off:]))
		c.off += 8

	case reflect.Array:
		if data.Type().Elem().Kind() == reflect.Uint8 {
			c.off += reflect.Copy(data, reflect.ValueOf(c.buf[c.off:c.off+data.Len()]))
			return
		}
		for i, l := 0, data.Len(); i < l; i++ {
			c.get(data.Index(i))
		}

	case reflect.Struct:
		for i, l := 0, data.NumField(); i < l; i++ {
			if field := data.Field(i); field.CanSet() {
				c.get(field)
			} else {
				c.off += sizeof(field)
			}
		}

	default:
		panic("invalid type: " + data.Type().String())
	}
}

func sizeof(data reflect.Value) int {
	switch data.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32:
		return 4
	case reflect.Int64, reflect.Uint64:
		return 8

	case reflect.Array:
		if data.Len() == 0 {
			return 0
		}
		return data.Len() * sizeof(data.Index(0))

	case reflect.Struct:
		var size int
		for i, l := 0, data.NumField(); i < l; i++ {
			size += sizeof(data.Field(i))
		}
		return size

	default:
		panic("invalid type: " + data.Type().String())
	}
}
