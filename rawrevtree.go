package corvid

import "encoding/binary"

// RawRevTree encodes/decodes the packed on-disk representation of a
// [RevTree]: a sequence of variable-length records terminated by a 4-byte
// big-endian zero. Each record:
//
//	size         uint32 BE  // total record size, including this header
//	parentIndex  uint16 BE  // index of parent record, or noParentRaw (0xFFFF)
//	flags        uint8
//	revIDLen     uint8
//	revID        [revIDLen]byte
//	sequence     uvarint
//	body         [remaining bytes of the record]
//
// This is the exact byte format external tools rely on (spec §4.3/§6).

const noParentRaw = 0xFFFF

const rawHeaderSize = 4 + 2 + 1 + 1 // size + parentIndex + flags + revIDLen

// rawHasData is a wire-only flag: set when a record carries a body. It is
// never present on an in-memory Rev.
const rawHasData RevFlags = 1 << 7

// persistentFlags is the subset of in-memory flags that survive encoding.
// RevFlagNew is transient (only meaningful for the current write) and is
// cleared before writing.
const persistentFlags = RevFlagLeaf | RevFlagDeleted | RevFlagHasAttachments | RevFlagKeepBody

// EncodeRevTree sorts t (see [RevTree.Sort]) and packs it into a blob.
func EncodeRevTree(t *RevTree) []byte {
	t.Sort()

	total := 4 // trailing terminator
	for i := range t.revs {
		total += rawRecordSize(&t.revs[i])
	}

	out := make([]byte, 0, total)
	for i := range t.revs {
		out = appendRawRev(out, &t.revs[i])
	}
	var term [4]byte
	out = append(out, term[:]...)
	return out
}

func rawRecordSize(r *Rev) int {
	seqBuf := appendUvarint(nil, r.Sequence)
	return rawHeaderSize + len(r.RevID) + len(seqBuf) + len(r.Body)
}

func appendRawRev(buf []byte, r *Rev) []byte {
	seqBuf := appendUvarint(nil, r.Sequence)
	size := rawHeaderSize + len(r.RevID) + len(seqBuf) + len(r.Body)

	off, buf := grow(buf, size)
	rec := buf[off:]

	binary.BigEndian.PutUint32(rec[0:4], uint32(size))

	parentRaw := uint16(noParentRaw)
	if r.parentIndex != noParent {
		parentRaw = uint16(r.parentIndex)
	}
	binary.BigEndian.PutUint16(rec[4:6], parentRaw)

	flags := byte(r.Flags) &^ byte(RevFlagNew)
	if len(r.Body) > 0 {
		flags |= byte(rawHasData)
	}
	rec[6] = flags
	rec[7] = byte(len(r.RevID))

	p := 8
	p += copy(rec[p:], r.RevID)
	n := binary.PutUvarint(rec[p:], r.Sequence)
	p += n
	copy(rec[p:], r.Body)

	return buf
}

// DecodeRevTree unpacks a blob produced by [EncodeRevTree] (or an
// on-disk-compatible one) into a fresh [RevTree] with extraCapacity spare
// slots. curSeq is used to fill in Sequence for any record that (per the
// wire format) omits it as 0 — kept for parity with the packed reader's
// convention that 0 means "same sequence as the enclosing document write".
func DecodeRevTree(blob []byte, extraCapacity int, curSeq uint64) (*RevTree, error) {
	if len(blob) < 4 {
		return nil, dataErrf(blob, 0, nil, "revision tree blob too short")
	}

	var revs []Rev
	off := 0
	for {
		if off+4 > len(blob) {
			return nil, dataErrf(blob, off, nil, "truncated revision record header")
		}
		size := int(binary.BigEndian.Uint32(blob[off : off+4]))
		if size == 0 {
			// terminator
			if off+4 != len(blob) {
				return nil, dataErrf(blob, off, nil, "trailing data after revision tree terminator")
			}
			break
		}
		if size < rawHeaderSize || off+size > len(blob) {
			return nil, dataErrf(blob, off, nil, "invalid revision record size %d", size)
		}
		rec := blob[off : off+size]

		if len(revs) >= maxRevs {
			return nil, dataErrf(blob, off, nil, "revision tree exceeds %d records", maxRevs)
		}

		parentRaw := binary.BigEndian.Uint16(rec[4:6])
		flags := RevFlags(rec[6])
		revIDLen := int(rec[7])

		if rawHeaderSize+revIDLen > size {
			return nil, dataErrf(blob, off, nil, "revID length %d exceeds record size", revIDLen)
		}
		revID := rec[rawHeaderSize : rawHeaderSize+revIDLen]

		dec := makeByteDecoder(rec[rawHeaderSize+revIDLen:])
		seq, err := dec.Uvarint()
		if err != nil {
			return nil, dataErrf(blob, off, err, "invalid sequence varint")
		}
		if seq == 0 {
			seq = curSeq
		}

		var body []byte
		if flags&rawHasData != 0 {
			body = append([]byte(nil), dec.Buf...)
		}

		parentIdx := noParent
		if parentRaw != noParentRaw {
			parentIdx = int(parentRaw)
		}

		revs = append(revs, Rev{
			RevID:       append(RevID(nil), revID...),
			Flags:       flags &^ rawHasData,
			parentIndex: parentIdx,
			Sequence:    seq,
			Body:        body,
		})

		off += size
	}

	for i := range revs {
		if revs[i].parentIndex != noParent && revs[i].parentIndex >= len(revs) {
			return nil, dataErrf(blob, 0, nil, "parent index %d out of range (%d revs)", revs[i].parentIndex, len(revs))
		}
	}

	t := &RevTree{revs: make([]Rev, len(revs), len(revs)+extraCapacity), sorted: true}
	copy(t.revs, revs)
	return t, nil
}
