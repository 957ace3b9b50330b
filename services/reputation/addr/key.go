// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package addr

import "fmt"

// KeySize is the fixed width of an encoded address key: one family
// namespace byte followed by the 16-byte big-endian address.
const KeySize = 17

// EncodeKey encodes the address as a fixed-width, order-preserving key.
//
// Description:
//
//	Byte-lexicographic order over keys equals numeric order over the
//	addresses they encode, which is what lets a sorted store answer
//	predecessor searches with a reverse seek. The leading family byte
//	(0x04 or 0x06) keeps the two families in disjoint key namespaces:
//	no IPv4 key ever interleaves with an IPv6 key.
//
// Outputs:
//
//	[]byte - KeySize bytes. Panics on an invalid Addr; keys are only
//	         built from parsed or decoded addresses.
func EncodeKey(a Addr) []byte {
	if !a.IsValid() {
		panic("addr: EncodeKey on invalid address")
	}
	key := make([]byte, KeySize)
	key[0] = byte(a.fam)
	copy(key[1:], a.bits[:])
	return key
}

// AppendKey appends the encoded key to dst and returns the extended
// slice. Used on hot paths to avoid a per-lookup allocation.
func AppendKey(dst []byte, a Addr) []byte {
	if !a.IsValid() {
		panic("addr: AppendKey on invalid address")
	}
	dst = append(dst, byte(a.fam))
	return append(dst, a.bits[:]...)
}

// DecodeKey is the exact inverse of EncodeKey.
//
// Outputs:
//
//	Addr - The decoded address; EncodeKey(DecodeKey(k)) == k for every
//	       key this package produced.
//	error - Non-nil for a wrong-length key, an unknown family byte, or
//	        an IPv4 key with nonzero high bytes.
func DecodeKey(key []byte) (Addr, error) {
	if len(key) != KeySize {
		return Addr{}, fmt.Errorf("address key: want %d bytes, got %d", KeySize, len(key))
	}
	fam := Family(key[0])
	if fam != FamilyV4 && fam != FamilyV6 {
		return Addr{}, fmt.Errorf("address key: unknown family byte 0x%02x", key[0])
	}
	var a Addr
	a.fam = fam
	copy(a.bits[:], key[1:])
	if fam == FamilyV4 {
		for _, b := range a.bits[:12] {
			if b != 0 {
				return Addr{}, fmt.Errorf("address key: v4 key with high bits set")
			}
		}
	}
	return a, nil
}
