// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package addr normalizes textual IP addresses and CIDR blocks into a
// canonical fixed-width representation whose byte encoding sorts the same
// way the addresses do numerically.
//
// Every address is carried as a 128-bit value plus a family tag. IPv4
// addresses occupy the low 32 bits. The two families are deliberately
// incomparable: an IPv4 address never equals, precedes, or follows an
// IPv6 address, and their encoded keys live in disjoint namespaces (see
// EncodeKey).
//
// # Thread Safety
//
// Addr and Prefix are immutable value types; all functions in this
// package are safe for concurrent use.
package addr

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidAddress is returned for any text that does not parse as an
// IPv4 dotted-quad, an IPv6 literal, or a CIDR block of either family.
// Callers surface it per input item; it is never fatal to sibling items.
var ErrInvalidAddress = errors.New("invalid address")

// Family tags the IP family of an Addr. The zero value is invalid.
type Family uint8

const (
	// FamilyV4 is IPv4. Encoded keys use 0x04 as the namespace prefix.
	FamilyV4 Family = 4

	// FamilyV6 is IPv6. Encoded keys use 0x06 as the namespace prefix.
	FamilyV6 Family = 6
)

// String returns "v4", "v6", or "invalid".
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "invalid"
	}
}

// Bits returns the address width of the family in bits (32 or 128).
func (f Family) Bits() int {
	if f == FamilyV4 {
		return 32
	}
	return 128
}

// Addr is a normalized IP address: a 128-bit big-endian value plus a
// family tag. IPv4 addresses occupy bits[12:16]; bits[0:12] are zero.
//
// The zero Addr is invalid. Addr is comparable with == only within the
// same family; use Compare for ordering.
type Addr struct {
	fam  Family
	bits [16]byte
}

// ParseAddr parses an IPv4 dotted-quad or IPv6 literal.
//
// Description:
//
//	Normalizes the input into an Addr. IPv4-mapped IPv6 addresses
//	("::ffff:1.2.3.4") are unmapped and treated as IPv4, matching how
//	the feed publishes them. Zoned addresses ("fe80::1%eth0") are
//	rejected: a zone has no meaning in a shared reputation dataset.
//
// Inputs:
//
//	s - Address text.
//
// Outputs:
//
//	Addr - The normalized address.
//	error - ErrInvalidAddress (wrapped with the offending text) on
//	        malformed input.
func ParseAddr(s string) (Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil || ip.Zone() != "" {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return fromNetip(ip.Unmap()), nil
}

func fromNetip(ip netip.Addr) Addr {
	var a Addr
	if ip.Is4() {
		a.fam = FamilyV4
		b := ip.As4()
		copy(a.bits[12:], b[:])
		return a
	}
	a.fam = FamilyV6
	a.bits = ip.As16()
	return a
}

// Family returns the family tag of the address.
func (a Addr) Family() Family { return a.fam }

// IsValid reports whether the address was produced by a successful parse
// or decode. The zero Addr is invalid.
func (a Addr) IsValid() bool { return a.fam == FamilyV4 || a.fam == FamilyV6 }

// Compare orders two addresses of the same family: -1, 0, or +1.
// Comparing across families panics; callers must partition first.
func (a Addr) Compare(b Addr) int {
	if a.fam != b.fam {
		panic("addr: cross-family comparison")
	}
	for i := 0; i < 16; i++ {
		switch {
		case a.bits[i] < b.bits[i]:
			return -1
		case a.bits[i] > b.bits[i]:
			return 1
		}
	}
	return 0
}

// Less reports a < b under the family's total order.
func (a Addr) Less(b Addr) bool { return a.Compare(b) < 0 }

// Next returns the successor address. ok is false when a is the highest
// address of its family (255.255.255.255 or ff…ff).
func (a Addr) Next() (next Addr, ok bool) {
	next = a
	lo := 0
	if a.fam == FamilyV4 {
		lo = 12
	}
	for i := 15; i >= lo; i-- {
		next.bits[i]++
		if next.bits[i] != 0 {
			return next, true
		}
	}
	return a, false
}

// Prev returns the predecessor address. ok is false when a is the lowest
// address of its family (all zeros).
func (a Addr) Prev() (prev Addr, ok bool) {
	prev = a
	lo := 0
	if a.fam == FamilyV4 {
		lo = 12
	}
	for i := 15; i >= lo; i-- {
		prev.bits[i]--
		if prev.bits[i] != 0xff {
			return prev, true
		}
	}
	return a, false
}

// String formats the address in its family's conventional notation.
// Invalid addresses format as "invalid".
func (a Addr) String() string {
	switch a.fam {
	case FamilyV4:
		var b [4]byte
		copy(b[:], a.bits[12:])
		return netip.AddrFrom4(b).String()
	case FamilyV6:
		return netip.AddrFrom16(a.bits).String()
	default:
		return "invalid"
	}
}

// Prefix is a parsed CIDR block: a base address plus a prefix length
// valid for the address family.
type Prefix struct {
	Addr Addr
	Bits int
}

// ParsePrefix parses CIDR text ("10.0.0.0/8", "2001:db8::/32").
//
// Description:
//
//	The prefix length must be within the family's range; an IPv4 base
//	with a /33..128 length or any mixed-family notation fails. The base
//	address is not required to be the canonical network address; callers
//	use Range to obtain masked bounds.
//
// Outputs:
//
//	Prefix - The parsed block.
//	error - ErrInvalidAddress (wrapped) on malformed input.
func ParsePrefix(s string) (Prefix, error) {
	base, lenStr, found := strings.Cut(s, "/")
	if !found {
		return Prefix{}, fmt.Errorf("%w: %q: missing prefix length", ErrInvalidAddress, s)
	}
	a, err := ParseAddr(base)
	if err != nil {
		return Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	bits := 0
	if lenStr == "" || len(lenStr) > 3 {
		return Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	// "/08" is not valid CIDR text; netip rejects it too.
	if lenStr[0] == '0' && len(lenStr) > 1 {
		return Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for _, c := range lenStr {
		if c < '0' || c > '9' {
			return Prefix{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		bits = bits*10 + int(c-'0')
	}
	if bits > a.fam.Bits() {
		return Prefix{}, fmt.Errorf("%w: %q: prefix length out of range", ErrInvalidAddress, s)
	}
	return Prefix{Addr: a, Bits: bits}, nil
}

// Parse accepts either a bare address or CIDR text and returns the
// inclusive range it denotes. A bare address yields start == end.
func Parse(s string) (start, end Addr, err error) {
	if strings.Contains(s, "/") {
		p, err := ParsePrefix(s)
		if err != nil {
			return Addr{}, Addr{}, err
		}
		start, end = p.Range()
		return start, end, nil
	}
	a, err := ParseAddr(s)
	if err != nil {
		return Addr{}, Addr{}, err
	}
	return a, a, nil
}

// Range computes the inclusive bounds of the block: host bits masked to
// zero for the start and to one for the end.
func (p Prefix) Range() (start, end Addr) {
	start = p.Addr
	end = p.Addr
	total := p.Addr.fam.Bits()
	offset := 16 - total/8 // 12 for v4, 0 for v6

	for bit := p.Bits; bit < total; bit++ {
		byteIdx := offset + bit/8
		mask := byte(1) << (7 - bit%8)
		start.bits[byteIdx] &^= mask
		end.bits[byteIdx] |= mask
	}
	return start, end
}

// String formats the block in CIDR notation with the base unmasked.
func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Bits)
}
