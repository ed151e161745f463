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
	"testing"
)

func TestHashGolden(t *testing.T) {
	tests := []struct {
		key  string
		want map[HashAlgorithm]uint64
	}{
		{"", map[HashAlgorithm]uint64{
			NativeHash: 0, CRCHash: 0,
			FNV1_64Hash: 3750763034362895579, FNV1A_64Hash: 3750763034362895579,
			FNV1_32Hash: 2166136261, FNV1A_32Hash: 2166136261,
			KetamaHash: 3649838548,
		}},
		{"dustin", map[HashAlgorithm]uint64{
			NativeHash: 1320459433, CRCHash: 10194,
			FNV1_64Hash: 7572537324250736328, FNV1A_64Hash: 5251929370725178750,
			FNV1_32Hash: 637852712, FNV1A_32Hash: 515046014,
			KetamaHash: 1781780484,
		}},
		{"x", map[HashAlgorithm]uint64{
			NativeHash: 120, CRCHash: 3292,
			FNV1_64Hash: 5808590958014384217, FNV1A_64Hash: 5808529385363204345,
			FNV1_32Hash: 84696423, FNV1A_32Hash: 4245442695,
			KetamaHash: 1642386589,
		}},
		{"hello", map[HashAlgorithm]uint64{
			NativeHash: 99162322, CRCHash: 13840,
			FNV1_64Hash: 8883723591023973575, FNV1A_64Hash: 6615550055289275125,
			FNV1_32Hash: 3069866343, FNV1A_32Hash: 1335831723,
			KetamaHash: 708854109,
		}},
		{"Test-Key:123", map[HashAlgorithm]uint64{
			NativeHash: 1515531172, CRCHash: 13569,
			FNV1_64Hash: 3898146842079780883, FNV1A_64Hash: 2928378155234713383,
			FNV1_32Hash: 158529389, FNV1A_32Hash: 1293783833,
			KetamaHash: 1202793648,
		}},
		// non-ASCII keys hash their UTF-16 code units
		{"héllo", map[HashAlgorithm]uint64{
			NativeHash: 103094734, CRCHash: 7739,
			FNV1_64Hash: 8125725698254985821, FNV1A_64Hash: 803281756967761087,
			FNV1_32Hash: 590637763, FNV1A_32Hash: 4058363231,
			KetamaHash: 1206407358,
		}},
	}
	for _, tt := range tests {
		for h, want := range tt.want {
			if got := h.Hash(tt.key); got != want {
				t.Errorf("%s.Hash(%q) = %d, want %d", h, tt.key, got, want)
			}
		}
	}
}

func TestHashDeterministicAndBounded(t *testing.T) {
	keys := []string{"", "a", "dustin", "héllo", "some/long:key-with-symbols_0123456789"}
	for h := range hashNames {
		for _, key := range keys {
			a, b := h.Hash(key), h.Hash(key)
			if a != b {
				t.Errorf("%s.Hash(%q) not deterministic: %d vs %d", h, key, a, b)
			}
			if a>>63 != 0 {
				t.Errorf("%s.Hash(%q) = %d has the sign bit set", h, key, a)
			}
		}
	}
}

func TestParseHashAlgorithm(t *testing.T) {
	for h, name := range hashNames {
		got, err := ParseHashAlgorithm(name)
		if err != nil {
			t.Fatalf("ParseHashAlgorithm(%q): %v", name, err)
		}
		if got != h {
			t.Errorf("ParseHashAlgorithm(%q) = %v, want %v", name, got, h)
		}
		if got.String() != name {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), name)
		}
	}
	if got, err := ParseHashAlgorithm(" KETAMA "); err != nil || got != KetamaHash {
		t.Errorf("ParseHashAlgorithm is not case and space insensitive: %v, %v", got, err)
	}
	if _, err := ParseHashAlgorithm("sha1"); err == nil {
		t.Error("ParseHashAlgorithm accepted an unknown name")
	}

	var h HashAlgorithm
	if err := h.UnmarshalText([]byte("fnv1a-32")); err != nil || h != FNV1A_32Hash {
		t.Errorf("UnmarshalText(fnv1a-32) = %v, %v", h, err)
	}
}

func BenchmarkHash(b *testing.B) {
	for h, name := range hashNames {
		b.Run(name, func(b *testing.B) {
			for b.Loop() {
				h.Hash("benchmark-key:12345")
			}
		})
	}
}
