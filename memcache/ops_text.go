/*
Copyright 2011 The gomemcache AUTHORS

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memcache

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"unsafe"

	"github.com/valyala/bytebufferpool"
)

// maxLineLength bounds a single response line. Anything longer is not a
// memcached reply.
const maxLineLength = 8 << 10

var (
	crlf            = []byte("\r\n")
	resultOK        = []byte("OK")
	resultStored    = []byte("STORED")
	resultNotStored = []byte("NOT_STORED")
	resultExists    = []byte("EXISTS")
	resultNotFound  = []byte("NOT_FOUND")
	resultDeleted   = []byte("DELETED")
	resultEnd       = []byte("END")
	resultError     = []byte("ERROR")

	resultClientErrorPrefix = []byte("CLIENT_ERROR")
	resultServerErrorPrefix = []byte("SERVER_ERROR")
	valuePrefix             = []byte("VALUE ")
	versionPrefix           = []byte("VERSION ")
	statPrefix              = []byte("STAT ")
)

// lineBuffer assembles one CRLF terminated line across reads.
type lineBuffer struct {
	buf []byte
}

// next consumes b up to and including the first '\n'. ok is false when
// the line is not complete yet, in which case all of b was consumed. The
// returned line excludes the CRLF and is only valid until the next call.
func (l *lineBuffer) next(b []byte) (line []byte, n int, ok bool, err error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if len(l.buf)+len(b) > maxLineLength {
			return nil, len(b), false, framingError("response line exceeds %d bytes", maxLineLength)
		}
		l.buf = append(l.buf, b...)
		return nil, len(b), false, nil
	}
	n = i + 1
	full := b[:n]
	if len(l.buf) > 0 {
		l.buf = append(l.buf, full...)
		full = l.buf
	}
	l.buf = l.buf[:0]
	if len(full) < 2 || full[len(full)-2] != '\r' {
		return nil, n, false, framingError("line not terminated by CRLF: %q", full)
	}
	return full[:len(full)-2], n, true, nil
}

func (l *lineBuffer) reset() { l.buf = l.buf[:0] }

// parseErrorLine recognises the generic error replies every command may
// return instead of its normal response.
func parseErrorLine(line []byte) *ProtocolError {
	switch {
	case bytes.Equal(line, resultError):
		return &ProtocolError{Kind: GeneralError}
	case bytes.HasPrefix(line, resultClientErrorPrefix):
		return &ProtocolError{Kind: ClientError, Msg: string(bytes.TrimSpace(line[len(resultClientErrorPrefix):]))}
	case bytes.HasPrefix(line, resultServerErrorPrefix):
		return &ProtocolError{Kind: ServerError, Msg: string(bytes.TrimSpace(line[len(resultServerErrorPrefix):]))}
	}
	return nil
}

// textFactory builds operations for the ASCII protocol.
type textFactory struct {
	maxValue int
}

func (f textFactory) Get(keys []string, cb GetCallback) *GetOperation {
	op := &GetOperation{keys: keys, cb: cb}
	op.init(op, &textGetCodec{op: op, limit: valueLimit(f.maxValue)}, cb)
	return op
}

func (f textFactory) Merge(gets []*GetOperation) *GetOperation {
	op, _ := mergeGets(gets)
	op.init(op, &textGetCodec{op: op, limit: valueLimit(f.maxValue)}, op.cb)
	return op
}

func (textFactory) Store(verb StoreType, item *Item, cb Callback) *StoreOperation {
	op := &StoreOperation{verb: verb, item: *item}
	op.init(op, &textLineCodec{
		enc:    op.encodeText,
		interp: func(line []byte) (*OperationStatus, error) {
			switch {
			case bytes.Equal(line, resultStored):
				return &OperationStatus{Success: true, Message: string(line)}, nil
			case bytes.Equal(line, resultNotStored):
				return &OperationStatus{Message: string(line), Err: ErrNotStored}, nil
			case bytes.Equal(line, resultExists):
				return &OperationStatus{Message: string(line), Err: ErrCASConflict}, nil
			case bytes.Equal(line, resultNotFound):
				return &OperationStatus{Message: string(line), Err: ErrCacheMiss}, nil
			}
			return nil, framingError("unexpected response line from %s: %q", verb, line)
		},
	}, cb)
	return op
}

func (o *StoreOperation) encodeText(buf *bytebufferpool.ByteBuffer) {
	buf.B = append(buf.B, o.verb.String()...)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, o.item.Key...)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendUint(buf.B, uint64(o.item.Flags), 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(o.item.Expiration), 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(len(o.item.Value)), 10)
	if o.verb == StoreCAS {
		buf.B = append(buf.B, ' ')
		buf.B = strconv.AppendUint(buf.B, o.item.CasID, 10)
	}
	buf.B = append(buf.B, crlf...)
	buf.B = append(buf.B, o.item.Value...)
	buf.B = append(buf.B, crlf...)
}

func (textFactory) Delete(key string, cb Callback) *DeleteOperation {
	op := &DeleteOperation{key: key}
	op.init(op, &textLineCodec{
		enc: func(buf *bytebufferpool.ByteBuffer) {
			buf.B = append(buf.B, "delete "...)
			buf.B = append(buf.B, key...)
			buf.B = append(buf.B, crlf...)
		},
		interp: func(line []byte) (*OperationStatus, error) {
			switch {
			case bytes.Equal(line, resultDeleted):
				return &OperationStatus{Success: true, Message: string(line)}, nil
			case bytes.Equal(line, resultNotFound):
				return &OperationStatus{Message: string(line), Err: ErrCacheMiss}, nil
			}
			return nil, framingError("unexpected response line from delete: %q", line)
		},
	}, cb)
	return op
}

func (textFactory) Mutate(verb MutatorType, key string, delta uint64, cb Callback) *MutateOperation {
	op := &MutateOperation{verb: verb, key: key, delta: delta}
	op.init(op, &textLineCodec{
		enc: func(buf *bytebufferpool.ByteBuffer) {
			buf.B = append(buf.B, verb.String()...)
			buf.B = append(buf.B, ' ')
			buf.B = append(buf.B, key...)
			buf.B = append(buf.B, ' ')
			buf.B = strconv.AppendUint(buf.B, delta, 10)
			buf.B = append(buf.B, crlf...)
		},
		interp: func(line []byte) (*OperationStatus, error) {
			if bytes.Equal(line, resultNotFound) {
				return &OperationStatus{Message: string(line), Err: ErrCacheMiss}, nil
			}
			// some servers pad the new value with spaces
			v := bytes.TrimSpace(line)
			if _, err := strconv.ParseUint(b2s(v), 10, 64); err != nil {
				return nil, framingError("unexpected response line from %s: %q", verb, line)
			}
			return &OperationStatus{Success: true, Message: string(v)}, nil
		},
	}, cb)
	return op
}

func (textFactory) Stats(arg string, cb StatsCallback) *StatsOperation {
	op := &StatsOperation{arg: arg, cb: cb}
	op.init(op, &textStatsCodec{op: op}, cb)
	return op
}

func (textFactory) Version(cb Callback) *VersionOperation {
	op := &VersionOperation{}
	op.init(op, versionLineCodec(), cb)
	return op
}

// Noop is a version round trip: the ASCII protocol has no no-op command.
func (textFactory) Noop(cb Callback) *NoopOperation {
	op := &NoopOperation{}
	op.init(op, versionLineCodec(), cb)
	return op
}

func versionLineCodec() *textLineCodec {
	return &textLineCodec{
		enc: func(buf *bytebufferpool.ByteBuffer) {
			buf.B = append(buf.B, "version\r\n"...)
		},
		interp: func(line []byte) (*OperationStatus, error) {
			if !bytes.HasPrefix(line, versionPrefix) {
				return nil, framingError("unexpected response line from version: %q", line)
			}
			return &OperationStatus{Success: true, Message: string(line[len(versionPrefix):])}, nil
		},
	}
}

func (textFactory) Flush(delay int32, cb Callback) *FlushOperation {
	op := &FlushOperation{delay: delay}
	op.init(op, &textLineCodec{
		enc: func(buf *bytebufferpool.ByteBuffer) {
			buf.B = append(buf.B, "flush_all"...)
			if delay > 0 {
				buf.B = append(buf.B, ' ')
				buf.B = strconv.AppendInt(buf.B, int64(delay), 10)
			}
			buf.B = append(buf.B, crlf...)
		},
		interp: func(line []byte) (*OperationStatus, error) {
			if !bytes.Equal(line, resultOK) {
				return nil, framingError("unexpected response line from flush_all: %q", line)
			}
			return &OperationStatus{Success: true, Message: string(line)}, nil
		},
	}, cb)
	return op
}

// textLineCodec handles commands whose reply is a single line.
type textLineCodec struct {
	enc    func(buf *bytebufferpool.ByteBuffer)
	interp func(line []byte) (*OperationStatus, error)
	line   lineBuffer
}

func (c *textLineCodec) encode(buf *bytebufferpool.ByteBuffer) { c.enc(buf) }

func (c *textLineCodec) reset() { c.line.reset() }

func (c *textLineCodec) parse(b []byte) (int, *OperationStatus, error) {
	line, n, ok, err := c.line.next(b)
	if err != nil || !ok {
		return n, nil, err
	}
	if pe := parseErrorLine(line); pe != nil {
		return n, statusFromError(pe), nil
	}
	st, err := c.interp(line)
	return n, st, err
}

// textGetCodec parses VALUE blocks up to the closing END.
type textGetCodec struct {
	op    *GetOperation
	line  lineBuffer
	limit int

	inValue bool
	it      Item
	data    []byte
	need    int
}

func (c *textGetCodec) encode(buf *bytebufferpool.ByteBuffer) {
	buf.B = append(buf.B, "gets"...)
	for _, key := range c.op.keys {
		buf.B = append(buf.B, ' ')
		buf.B = append(buf.B, key...)
	}
	buf.B = append(buf.B, crlf...)
}

func (c *textGetCodec) reset() {
	c.line.reset()
	c.inValue = false
	c.data = nil
	c.need = 0
}

func (c *textGetCodec) parse(b []byte) (int, *OperationStatus, error) {
	consumed := 0
	for consumed < len(b) {
		if c.inValue {
			take := min(c.need-len(c.data), len(b)-consumed)
			c.data = append(c.data, b[consumed:consumed+take]...)
			consumed += take
			if len(c.data) < c.need {
				return consumed, nil, nil
			}
			if !bytes.HasSuffix(c.data, crlf) {
				return consumed, nil, &ProtocolError{
					Kind: FramingError,
					Msg:  "value for " + c.it.Key + " is longer than its declared length",
					Err:  ErrCorruptGetResult,
				}
			}
			c.op.gotData(c.it.Key, c.it.Flags, c.it.CasID, c.data[:len(c.data)-2])
			c.inValue = false
			c.data = nil
			continue
		}
		line, n, ok, err := c.line.next(b[consumed:])
		consumed += n
		if err != nil || !ok {
			return consumed, nil, err
		}
		if bytes.Equal(line, resultEnd) {
			return consumed, &OperationStatus{Success: true, Message: string(line)}, nil
		}
		if bytes.HasPrefix(line, valuePrefix) {
			size, err := scanGetResponseLine(line, &c.it)
			if err != nil {
				return consumed, nil, err
			}
			if size > c.limit {
				return consumed, nil, &ProtocolError{
					Kind: FramingError,
					Msg:  fmt.Sprintf("value for %s declares %d bytes, limit is %d", c.it.Key, size, c.limit),
					Err:  ErrCorruptGetResult,
				}
			}
			c.inValue = true
			c.need = size + 2
			c.data = make([]byte, 0, min(c.need, initialValueCap))
			continue
		}
		if pe := parseErrorLine(line); pe != nil {
			return consumed, statusFromError(pe), nil
		}
		return consumed, nil, framingError("unexpected line in get response: %q", line)
	}
	return consumed, nil, nil
}

// scanGetResponseLine populates it and returns the declared size of the item.
// It does not read the bytes of the item.
func scanGetResponseLine(line []byte, it *Item) (size int, err error) {
	errf := func(line []byte) (int, error) {
		return -1, framingError("unexpected line in get response: %q", line)
	}
	if !bytes.HasPrefix(line, valuePrefix) {
		return errf(line)
	}
	s := line[len(valuePrefix):]
	keySlice, rest, found := cut(s, ' ')
	if !found || len(keySlice) == 0 {
		return errf(line)
	}
	it.Key = string(keySlice)
	val, rest, found := cut(rest, ' ')
	if !found {
		return errf(line)
	}
	flags64, err := strconv.ParseUint(b2s(val), 10, 32)
	if err != nil {
		return errf(line)
	}
	it.Flags = uint32(flags64)
	val, rest, found = cut(rest, ' ')
	size64, err := strconv.ParseUint(b2s(val), 10, 32)
	if err != nil {
		return errf(line)
	}
	if size64 > math.MaxInt { // Can happen if int is 32-bit
		return errf(line)
	}
	it.CasID = 0
	if !found { // final CAS ID is optional.
		return int(size64), nil
	}
	it.CasID, err = strconv.ParseUint(b2s(rest), 10, 64)
	if err != nil {
		return errf(line)
	}
	return int(size64), nil
}

// textStatsCodec collects STAT lines up to the closing END.
type textStatsCodec struct {
	op   *StatsOperation
	line lineBuffer
}

func (c *textStatsCodec) encode(buf *bytebufferpool.ByteBuffer) {
	buf.B = append(buf.B, "stats"...)
	if c.op.arg != "" {
		buf.B = append(buf.B, ' ')
		buf.B = append(buf.B, c.op.arg...)
	}
	buf.B = append(buf.B, crlf...)
}

func (c *textStatsCodec) reset() { c.line.reset() }

func (c *textStatsCodec) parse(b []byte) (int, *OperationStatus, error) {
	consumed := 0
	for consumed < len(b) {
		line, n, ok, err := c.line.next(b[consumed:])
		consumed += n
		if err != nil || !ok {
			return consumed, nil, err
		}
		switch {
		case bytes.Equal(line, resultEnd):
			return consumed, &OperationStatus{Success: true, Message: string(line)}, nil
		case bytes.HasPrefix(line, statPrefix):
			name, value, _ := cut(line[len(statPrefix):], ' ')
			c.op.gotStat(string(name), string(value))
		default:
			if pe := parseErrorLine(line); pe != nil {
				return consumed, statusFromError(pe), nil
			}
			return consumed, nil, framingError("unexpected line in stats response: %q", line)
		}
	}
	return consumed, nil, nil
}

// Similar to strings.Cut in Go 1.18, but sep can only be 1 byte.
func cut(s []byte, sep byte) (before, after []byte, found bool) {
	if i := bytes.IndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, nil, false
}

func b2s(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	return unsafe.String(&input[0], len(input))
}
