// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/AleutianAI/proxyd/services/reputation/addr"
	"github.com/AleutianAI/proxyd/services/reputation/rep"
)

// Key namespaces. Records and metadata never share a prefix, so record
// scans cannot trip over metadata and vice versa.
const (
	recordNamespace = 'r'
	metaNamespace   = 'm'
)

var (
	activeKey  = []byte("m/active")
	lastGenKey = []byte("m/last")
)

// genPrefix is 'r' | generation(8, big-endian): all records of one
// generation, both families.
func genPrefix(gen uint64) []byte {
	p := make([]byte, 9)
	p[0] = recordNamespace
	binary.BigEndian.PutUint64(p[1:], gen)
	return p
}

// famPrefix narrows a generation prefix to one address family, keeping
// iterators inside the family namespace.
func famPrefix(gen uint64, fam addr.Family) []byte {
	return append(genPrefix(gen), byte(fam))
}

// recordKey is genPrefix | EncodeKey(start): 26 bytes, sorted by
// (generation, family, start address).
func recordKey(gen uint64, start addr.Addr) []byte {
	return addr.AppendKey(genPrefix(gen), start)
}

func infoKey(gen uint64) []byte {
	k := make([]byte, 0, 7+8)
	k = append(k, []byte("m/info/")...)
	return binary.BigEndian.AppendUint64(k, gen)
}

// -----------------------------------------------------------------------------
// Value codec
// -----------------------------------------------------------------------------

// Record values are a fixed binary layout:
//
//	end address key (17) | category (1) | last-seen unix seconds (8, big-endian)
//
// A zero timestamp means the feed row carried none. The end is stored as
// a full address key rather than raw bits so decoding reuses the codec's
// validity checks.
const valueSize = addr.KeySize + 1 + 8

func encodeValue(r rep.Record) []byte {
	v := make([]byte, 0, valueSize)
	v = addr.AppendKey(v, r.End)
	v = append(v, byte(r.Category))
	var ts uint64
	if !r.LastSeen.IsZero() {
		ts = uint64(r.LastSeen.Unix())
	}
	return binary.BigEndian.AppendUint64(v, ts)
}

// decodeRecord reassembles a Record from a store key and value. The key
// may carry the generation prefix or be a bare address key.
func decodeRecord(key, value []byte) (rep.Record, error) {
	addrKey := key
	if len(key) == 9+addr.KeySize {
		addrKey = key[9:]
	}
	start, err := addr.DecodeKey(addrKey)
	if err != nil {
		return rep.Record{}, fmt.Errorf("record key: %w", err)
	}
	if len(value) != valueSize {
		return rep.Record{}, fmt.Errorf("record value: want %d bytes, got %d", valueSize, len(value))
	}
	end, err := addr.DecodeKey(value[:addr.KeySize])
	if err != nil {
		return rep.Record{}, fmt.Errorf("record value end: %w", err)
	}
	rec := rep.Record{
		Start:    start,
		End:      end,
		Category: rep.Category(value[addr.KeySize]),
	}
	if ts := binary.BigEndian.Uint64(value[addr.KeySize+1:]); ts != 0 {
		rec.LastSeen = time.Unix(int64(ts), 0).UTC()
	}
	return rec, rec.Validate()
}

// -----------------------------------------------------------------------------
// Generation metadata
// -----------------------------------------------------------------------------

// GenerationInfo describes one immutable snapshot of the dataset.
type GenerationInfo struct {
	// ID is the monotonically increasing generation id.
	ID uint64

	// BuiltAt is when the generation was committed.
	BuiltAt time.Time

	// Records is the number of ranges in the generation.
	Records uint64

	// Skipped is the number of feed rows rejected while building it.
	Skipped uint64

	// FeedHash is the SHA-256 of the raw feed the generation was built
	// from, hex-encoded. Empty when the source was not a fetched feed.
	FeedHash string
}

func encodeInfo(info GenerationInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(info); err != nil {
		return nil, fmt.Errorf("encode generation info: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeInfo(data []byte) (GenerationInfo, error) {
	var info GenerationInfo
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&info); err != nil {
		return GenerationInfo{}, fmt.Errorf("decode generation info: %w", err)
	}
	return info, nil
}
