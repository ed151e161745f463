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
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"unicode/utf16"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashAlgorithm maps a key to an unsigned hash value. Every variant is
// deterministic and defined for any string, including the empty one.
//
// The classic variants are frozen byte for byte so that rings built by
// other clients place keys on the same servers.
type HashAlgorithm int

const (
	// NativeHash is the Java String.hashCode of the key, absolute value.
	NativeHash HashAlgorithm = iota
	// CRCHash is (crc32(key) >> 16) & 0x7fff.
	CRCHash
	// FNV1_64Hash is the 64 bit FNV-1 hash, absolute value.
	FNV1_64Hash
	// FNV1A_64Hash is the 64 bit FNV-1a hash, absolute value.
	FNV1A_64Hash
	// FNV1_32Hash is the 32 bit FNV-1 hash.
	FNV1_32Hash
	// FNV1A_32Hash is the 32 bit FNV-1a hash.
	FNV1A_32Hash
	// KetamaHash is the first four bytes of md5(key), little endian.
	KetamaHash
	// XXHash64 is xxhash64 of the key truncated to 63 bits.
	XXHash64
	// Murmur3Hash is the 32 bit murmur3 hash of the key.
	Murmur3Hash
)

const (
	fnv64Init  = uint64(0xcbf29ce484222325)
	fnv64Prime = uint64(0x100000001b3)
	fnv32Init  = uint32(0x811c9dc5)
	fnv32Prime = uint32(0x01000193)
)

var hashNames = map[HashAlgorithm]string{
	NativeHash:   "native",
	CRCHash:      "crc",
	FNV1_64Hash:  "fnv1-64",
	FNV1A_64Hash: "fnv1a-64",
	FNV1_32Hash:  "fnv1-32",
	FNV1A_32Hash: "fnv1a-32",
	KetamaHash:   "ketama",
	XXHash64:     "xxhash64",
	Murmur3Hash:  "murmur3",
}

func (h HashAlgorithm) String() string {
	if s, ok := hashNames[h]; ok {
		return s
	}
	return fmt.Sprintf("HashAlgorithm(%d)", int(h))
}

// ParseHashAlgorithm returns the algorithm with the given name.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for h, s := range hashNames {
		if s == name {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown hash algorithm %q", ErrInvalidConfig, name)
}

// UnmarshalText lets the algorithm be configured by name.
func (h *HashAlgorithm) UnmarshalText(text []byte) error {
	v, err := ParseHashAlgorithm(string(text))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Hash computes the hash of key.
func (h HashAlgorithm) Hash(key string) uint64 {
	switch h {
	case NativeHash:
		var rv int32
		for _, c := range charCodes(key) {
			rv = 31*rv + int32(c)
		}
		return abs64(int64(rv))
	case CRCHash:
		return uint64((crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff)
	case FNV1_64Hash:
		rv := fnv64Init
		for _, c := range charCodes(key) {
			rv *= fnv64Prime
			rv ^= uint64(c)
		}
		return abs64(int64(rv))
	case FNV1A_64Hash:
		rv := fnv64Init
		for _, c := range charCodes(key) {
			rv ^= uint64(c)
			rv *= fnv64Prime
		}
		return abs64(int64(rv))
	case FNV1_32Hash:
		rv := fnv32Init
		for _, c := range charCodes(key) {
			rv *= fnv32Prime
			rv ^= uint32(c)
		}
		return uint64(rv)
	case FNV1A_32Hash:
		rv := fnv32Init
		for _, c := range charCodes(key) {
			rv ^= uint32(c)
			rv *= fnv32Prime
		}
		return uint64(rv)
	case KetamaHash:
		sum := md5.Sum([]byte(key))
		return uint64(binary.LittleEndian.Uint32(sum[:4]))
	case XXHash64:
		return xxhash.Sum64String(key) & 0x7fffffffffffffff
	case Murmur3Hash:
		return uint64(murmur3.Sum32([]byte(key)))
	}
	panic(fmt.Sprintf("memcache: unhandled hash algorithm %d", int(h)))
}

// charCodes returns the UTF-16 code units of s, which is what the
// char-oriented hashes iterate over.
func charCodes(s string) []uint16 {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		out := make([]uint16, len(s))
		for i := 0; i < len(s); i++ {
			out[i] = uint16(s[i])
		}
		return out
	}
	return utf16.Encode([]rune(s))
}

// abs64 is the absolute value of v. math.MinInt64 maps to 1<<63, which
// is still non-negative as an unsigned value.
func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
