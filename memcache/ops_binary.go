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
	"encoding/binary"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

type opCode uint8

const (
	opGet     opCode = 0x00
	opSet     opCode = 0x01
	opAdd     opCode = 0x02
	opReplace opCode = 0x03
	opDelete  opCode = 0x04
	opIncr    opCode = 0x05
	opDecr    opCode = 0x06
	opFlush   opCode = 0x08
	opNoop    opCode = 0x0a
	opVersion opCode = 0x0b
	opGetKQ   opCode = 0x0d
	opAppend  opCode = 0x0e
	opPrepend opCode = 0x0f
	opStat    opCode = 0x10
)

const (
	magicSend byte = 0x80
	magicRecv byte = 0x81

	binHeaderLen = 24
	// binBodySlack is what a body may carry beside its value: a key of at
	// most 250 bytes and the extras.
	binBodySlack = 512
)

type binStatus uint16

const (
	binStatusOK             binStatus = 0x00
	binStatusNotFound       binStatus = 0x01
	binStatusKeyExists      binStatus = 0x02
	binStatusValueTooLarge  binStatus = 0x03
	binStatusInvalidArgs    binStatus = 0x04
	binStatusNotStored      binStatus = 0x05
	binStatusNonNumeric     binStatus = 0x06
	binStatusUnknownCommand binStatus = 0x81
	binStatusOutOfMemory    binStatus = 0x82
	binStatusBusy           binStatus = 0x85
)

// binHeader is a decoded response header.
type binHeader struct {
	magic     byte
	op        opCode
	keyLen    uint16
	extrasLen uint8
	status    binStatus
	bodyLen   uint32
	opaque    uint32
	cas       uint64
}

func (h *binHeader) decode(b []byte) {
	h.magic = b[0]
	h.op = opCode(b[1])
	h.keyLen = binary.BigEndian.Uint16(b[2:])
	h.extrasLen = b[4]
	h.status = binStatus(binary.BigEndian.Uint16(b[6:]))
	h.bodyLen = binary.BigEndian.Uint32(b[8:])
	h.opaque = binary.BigEndian.Uint32(b[12:])
	h.cas = binary.BigEndian.Uint64(b[16:])
}

// binFrame is a complete response packet.
type binFrame struct {
	hdr    binHeader
	extras []byte
	key    []byte
	value  []byte
}

// appendBinRequest appends a request packet.
func appendBinRequest(buf *bytebufferpool.ByteBuffer, op opCode, opaque uint32, cas uint64, extras []byte, key string, value []byte) {
	var h [binHeaderLen]byte
	h[0] = magicSend
	h[1] = byte(op)
	binary.BigEndian.PutUint16(h[2:], uint16(len(key)))
	h[4] = byte(len(extras))
	binary.BigEndian.PutUint32(h[8:], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(h[12:], opaque)
	binary.BigEndian.PutUint64(h[16:], cas)
	buf.B = append(buf.B, h[:]...)
	buf.B = append(buf.B, extras...)
	buf.B = append(buf.B, key...)
	buf.B = append(buf.B, value...)
}

// statusError maps a non-OK binary status to an error.
func statusError(s binStatus, body []byte) error {
	msg := string(body)
	switch s {
	case binStatusNotFound:
		return ErrCacheMiss
	case binStatusKeyExists:
		return ErrCASConflict
	case binStatusNotStored:
		return ErrNotStored
	case binStatusUnknownCommand:
		return &ProtocolError{Kind: GeneralError, Msg: msg}
	case binStatusValueTooLarge, binStatusInvalidArgs, binStatusNonNumeric:
		return &ProtocolError{Kind: ClientError, Msg: msg}
	case binStatusOutOfMemory, binStatusBusy:
		return &ProtocolError{Kind: ServerError, Msg: msg}
	}
	return &ProtocolError{Kind: ServerError, Msg: "status 0x" + strconv.FormatUint(uint64(s), 16) + " " + msg}
}

// binaryCodec reassembles response packets and hands each complete one
// to handle until handle reports a final status.
type binaryCodec struct {
	owner  *baseOp
	enc    func(buf *bytebufferpool.ByteBuffer, opaque uint32)
	handle func(f *binFrame) (*OperationStatus, error)
	// maxValue caps the value a reply may carry; zero means the default.
	maxValue int

	hbuf   [binHeaderLen]byte
	hn     int
	inBody bool
	frame  binFrame
	body   []byte
}

func (c *binaryCodec) encode(buf *bytebufferpool.ByteBuffer) { c.enc(buf, c.owner.opaque) }

func (c *binaryCodec) maxBody() int { return valueLimit(c.maxValue) + binBodySlack }

func (c *binaryCodec) reset() {
	c.hn = 0
	c.inBody = false
	c.body = nil
}

func (c *binaryCodec) parse(b []byte) (int, *OperationStatus, error) {
	consumed := 0
	for {
		if !c.inBody {
			if consumed == len(b) {
				return consumed, nil, nil
			}
			n := copy(c.hbuf[c.hn:], b[consumed:])
			c.hn += n
			consumed += n
			if c.hn < binHeaderLen {
				return consumed, nil, nil
			}
			h := &c.frame.hdr
			h.decode(c.hbuf[:])
			switch {
			case h.magic != magicRecv:
				return consumed, nil, framingError("bad response magic 0x%x", h.magic)
			case uint32(h.keyLen)+uint32(h.extrasLen) > h.bodyLen:
				return consumed, nil, framingError("key and extras exceed body length %d", h.bodyLen)
			case int64(h.bodyLen) > int64(c.maxBody()):
				return consumed, nil, framingError("body length %d exceeds limit %d", h.bodyLen, c.maxBody())
			case h.opaque != c.owner.opaque:
				return consumed, nil, framingError("response opaque %d does not match request %d", h.opaque, c.owner.opaque)
			}
			c.inBody = true
			c.body = make([]byte, 0, min(int(h.bodyLen), initialValueCap))
		}
		total := int(c.frame.hdr.bodyLen)
		take := min(total-len(c.body), len(b)-consumed)
		c.body = append(c.body, b[consumed:consumed+take]...)
		consumed += take
		if len(c.body) < total {
			return consumed, nil, nil
		}
		h := &c.frame.hdr
		ext := int(h.extrasLen)
		key := ext + int(h.keyLen)
		c.frame.extras = c.body[:ext]
		c.frame.key = c.body[ext:key]
		c.frame.value = c.body[key:]
		c.inBody = false
		c.hn = 0
		st, err := c.handle(&c.frame)
		c.body = nil
		if err != nil || st != nil {
			return consumed, st, err
		}
	}
}

func newBinaryCodec(o *baseOp, enc func(*bytebufferpool.ByteBuffer, uint32), handle func(*binFrame) (*OperationStatus, error)) *binaryCodec {
	return &binaryCodec{owner: o, enc: enc, handle: handle}
}

// simpleResult finishes an operation whose reply is a single packet of
// the expected opcode.
func simpleResult(f *binFrame, want opCode, remap func(error) error) (*OperationStatus, error) {
	if f.hdr.op != want {
		return nil, framingError("unexpected opcode 0x%x, want 0x%x", f.hdr.op, want)
	}
	if f.hdr.status != binStatusOK {
		err := statusError(f.hdr.status, f.value)
		if remap != nil {
			err = remap(err)
		}
		return &OperationStatus{Message: err.Error(), Err: err}, nil
	}
	return &OperationStatus{Success: true, Message: string(f.value), CAS: f.hdr.cas}, nil
}

// binaryFactory builds operations for the binary protocol.
type binaryFactory struct {
	maxValue int
}

func (f binaryFactory) Get(keys []string, cb GetCallback) *GetOperation {
	op := &GetOperation{keys: keys, cb: cb}
	op.init(op, binaryGetCodec(op, f.maxValue), cb)
	return op
}

func (f binaryFactory) Merge(gets []*GetOperation) *GetOperation {
	op, _ := mergeGets(gets)
	op.init(op, binaryGetCodec(op, f.maxValue), op.cb)
	return op
}

// binaryGetCodec sends one GETKQ per key followed by a NOOP. Misses are
// silent, so the NOOP reply ends the response.
func binaryGetCodec(op *GetOperation, maxValue int) *binaryCodec {
	var firstErr error
	c := newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			firstErr = nil
			for _, k := range op.keys {
				appendBinRequest(buf, opGetKQ, opaque, 0, nil, k, nil)
			}
			appendBinRequest(buf, opNoop, opaque, 0, nil, "", nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			switch f.hdr.op {
			case opGetKQ:
				if f.hdr.status != binStatusOK {
					if f.hdr.status != binStatusNotFound && firstErr == nil {
						firstErr = statusError(f.hdr.status, f.value)
					}
					return nil, nil
				}
				if len(f.extras) < 4 {
					return nil, framingError("get response without flags")
				}
				op.gotData(string(f.key), binary.BigEndian.Uint32(f.extras), f.hdr.cas, f.value)
				return nil, nil
			case opNoop:
				if firstErr != nil {
					return &OperationStatus{Message: firstErr.Error(), Err: firstErr}, nil
				}
				return &OperationStatus{Success: true, Message: "END"}, nil
			}
			return nil, framingError("unexpected opcode 0x%x in get response", f.hdr.op)
		})
	c.maxValue = maxValue
	return c
}

func (binaryFactory) Store(verb StoreType, item *Item, cb Callback) *StoreOperation {
	op := &StoreOperation{verb: verb, item: *item}
	code := opSet
	switch verb {
	case StoreAdd:
		code = opAdd
	case StoreReplace:
		code = opReplace
	case StoreAppend:
		code = opAppend
	case StorePrepend:
		code = opPrepend
	}
	remap := func(err error) error {
		switch {
		case verb == StoreAdd && err == ErrCASConflict:
			return ErrNotStored
		case verb != StoreCAS && err == ErrCacheMiss:
			return ErrNotStored
		}
		return err
	}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			var extras []byte
			if code != opAppend && code != opPrepend {
				extras = make([]byte, 8)
				binary.BigEndian.PutUint32(extras, op.item.Flags)
				binary.BigEndian.PutUint32(extras[4:], uint32(op.item.Expiration))
			}
			var cas uint64
			if verb == StoreCAS {
				cas = op.item.CasID
			}
			appendBinRequest(buf, code, opaque, cas, extras, op.item.Key, op.item.Value)
		},
		func(f *binFrame) (*OperationStatus, error) {
			return simpleResult(f, code, remap)
		}), cb)
	return op
}

func (binaryFactory) Delete(key string, cb Callback) *DeleteOperation {
	op := &DeleteOperation{key: key}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			appendBinRequest(buf, opDelete, opaque, 0, nil, key, nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			return simpleResult(f, opDelete, nil)
		}), cb)
	return op
}

func (binaryFactory) Mutate(verb MutatorType, key string, delta uint64, cb Callback) *MutateOperation {
	op := &MutateOperation{verb: verb, key: key, delta: delta}
	code := opIncr
	if verb == MutateDecr {
		code = opDecr
	}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			extras := make([]byte, 20)
			binary.BigEndian.PutUint64(extras, delta)
			// an expiration of all ones makes a missing key a miss
			// instead of creating it
			binary.BigEndian.PutUint32(extras[16:], 0xffffffff)
			appendBinRequest(buf, code, opaque, 0, extras, key, nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			st, err := simpleResult(f, code, nil)
			if err != nil || !st.Success {
				return st, err
			}
			if len(f.value) != 8 {
				return nil, framingError("%s response has %d byte value", verb, len(f.value))
			}
			st.Message = strconv.FormatUint(binary.BigEndian.Uint64(f.value), 10)
			return st, nil
		}), cb)
	return op
}

func (binaryFactory) Stats(arg string, cb StatsCallback) *StatsOperation {
	op := &StatsOperation{arg: arg, cb: cb}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			appendBinRequest(buf, opStat, opaque, 0, nil, arg, nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			if f.hdr.op != opStat {
				return nil, framingError("unexpected opcode 0x%x in stats response", f.hdr.op)
			}
			if f.hdr.status != binStatusOK {
				err := statusError(f.hdr.status, f.value)
				return &OperationStatus{Message: err.Error(), Err: err}, nil
			}
			if len(f.key) == 0 {
				return &OperationStatus{Success: true, Message: "END"}, nil
			}
			op.gotStat(string(f.key), string(f.value))
			return nil, nil
		}), cb)
	return op
}

func (binaryFactory) Version(cb Callback) *VersionOperation {
	op := &VersionOperation{}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			appendBinRequest(buf, opVersion, opaque, 0, nil, "", nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			return simpleResult(f, opVersion, nil)
		}), cb)
	return op
}

func (binaryFactory) Flush(delay int32, cb Callback) *FlushOperation {
	op := &FlushOperation{delay: delay}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			var extras []byte
			if delay > 0 {
				extras = make([]byte, 4)
				binary.BigEndian.PutUint32(extras, uint32(delay))
			}
			appendBinRequest(buf, opFlush, opaque, 0, extras, "", nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			return simpleResult(f, opFlush, nil)
		}), cb)
	return op
}

func (binaryFactory) Noop(cb Callback) *NoopOperation {
	op := &NoopOperation{}
	op.init(op, newBinaryCodec(&op.baseOp,
		func(buf *bytebufferpool.ByteBuffer, opaque uint32) {
			appendBinRequest(buf, opNoop, opaque, 0, nil, "", nil)
		},
		func(f *binFrame) (*OperationStatus, error) {
			return simpleResult(f, opNoop, nil)
		}), cb)
	return op
}
