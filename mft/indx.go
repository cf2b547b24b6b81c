package mft

import (
	"bytes"
	"fmt"

	"github.com/t9t/ntfscopy/binutil"
	"github.com/t9t/ntfscopy/ntfserr"
)

var indxSignature = []byte{0x49, 0x4e, 0x44, 0x58} // "INDX"

// IndexAllocationBlock represents one parsed INDX block referenced by an $INDEX_ALLOCATION attribute's data runs.
// Each block carries its own update-sequence fixup, independent of the MFT record that owns the attribute.
type IndexAllocationBlock struct {
	VCN     uint64
	Entries []IndexEntry
}

// ParseIndexAllocationBlock applies fixup to an INDX block and parses its IndexEntry stream. b must be exactly one
// index-buffer's worth of data (IndexBufferSizeInBytes from the boot sector, or a multiple thereof per cluster).
func ParseIndexAllocationBlock(b []byte) (IndexAllocationBlock, error) {
	if len(b) < 0x28 {
		return IndexAllocationBlock{}, ntfserr.CorruptRecord.WithMessage(
			fmt.Sprintf("INDX block data should be at least 40 bytes but is %d", len(b)))
	}

	sig := b[:4]
	if bytes.Compare(sig, indxSignature) != 0 {
		return IndexAllocationBlock{}, ntfserr.CorruptRecord.WithMessage(fmt.Sprintf("unknown INDX signature: %# x", sig))
	}

	r := binutil.NewLittleEndianReader(b)
	updateSequenceOffset := int(r.Uint16(0x04))
	updateSequenceSize := int(r.Uint16(0x06))
	fixedUp, err := applyFixUp(binutil.Duplicate(b), updateSequenceOffset, updateSequenceSize)
	if err != nil {
		return IndexAllocationBlock{}, ntfserr.CorruptRecord.WithMessage("unable to apply INDX fixup").WithCause(err)
	}

	fr := binutil.NewLittleEndianReader(fixedUp)
	vcn := fr.Uint64(0x10)

	const headerStart = 0x18
	firstEntryOffset := int(fr.Uint32(headerStart + 0x00))
	totalEntrySize := int(fr.Uint32(headerStart + 0x04))
	if totalEntrySize < firstEntryOffset || headerStart+totalEntrySize > len(fixedUp) {
		return IndexAllocationBlock{}, ntfserr.CorruptRecord.WithMessage(
			fmt.Sprintf("INDX entry region [%d,%d) out of bounds for %d byte block",
				headerStart+firstEntryOffset, headerStart+totalEntrySize, len(fixedUp)))
	}

	entries := []IndexEntry{}
	if totalEntrySize > firstEntryOffset {
		parsed, err := parseIndexEntries(fixedUp[headerStart+firstEntryOffset : headerStart+totalEntrySize])
		if err != nil {
			return IndexAllocationBlock{}, ntfserr.CorruptRecord.WithMessage("error parsing INDX entries").WithCause(err)
		}
		entries = parsed
	}

	return IndexAllocationBlock{VCN: vcn, Entries: entries}, nil
}
