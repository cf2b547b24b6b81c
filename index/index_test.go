package index_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t9t/ntfscopy/blockreader"
	"github.com/t9t/ntfscopy/index"
	"github.com/t9t/ntfscopy/mft"
)

func encodeFileRef(ref mft.FileReference) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, ref.RecordNumber)
	binary.LittleEndian.PutUint16(b[6:], ref.SequenceNumber)
	return b
}

func encodeUtf16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

// buildIndexEntry builds a single, non-subnode, non-last IndexEntry's raw bytes: an 8-byte FileReference, a 2-byte
// entryLength, a 2-byte contentLength, 4 bytes of flags, then a minimal $FILE_NAME content carrying only the
// parent reference and the name.
func buildIndexEntry(fileRef mft.FileReference, parentRef mft.FileReference, name string) []byte {
	nameBytes := encodeUtf16LE(name)
	content := make([]byte, 0x42+len(nameBytes))
	copy(content[0x00:0x08], encodeFileRef(parentRef))
	content[0x40] = byte(len(name))
	content[0x41] = 1 // Win32 namespace
	copy(content[0x42:], nameBytes)

	entryLength := 0x10 + len(content)
	entry := make([]byte, entryLength)
	copy(entry[0x00:0x08], encodeFileRef(fileRef))
	binary.LittleEndian.PutUint16(entry[0x08:], uint16(entryLength))
	binary.LittleEndian.PutUint16(entry[0x0A:], uint16(len(content)))
	binary.LittleEndian.PutUint32(entry[0x0C:], 0)
	copy(entry[0x10:], content)
	return entry
}

func buildIndexRoot(entries ...[]byte) []byte {
	entriesLen := 0
	for _, e := range entries {
		entriesLen += len(e)
	}

	b := make([]byte, 0x20+entriesLen)
	binary.LittleEndian.PutUint32(b[0x00:], uint32(mft.AttributeTypeFileName))
	binary.LittleEndian.PutUint32(b[0x04:], 1) // collation type
	binary.LittleEndian.PutUint32(b[0x08:], 4096)
	binary.LittleEndian.PutUint32(b[0x0C:], 1)
	binary.LittleEndian.PutUint32(b[0x10:], 16) // first entry offset, unused by the parser
	binary.LittleEndian.PutUint32(b[0x14:], uint32(entriesLen+16))
	binary.LittleEndian.PutUint32(b[0x18:], uint32(entriesLen+16))
	binary.LittleEndian.PutUint32(b[0x1C:], 0)

	pos := 0x20
	for _, e := range entries {
		copy(b[pos:], e)
		pos += len(e)
	}
	return b
}

func buildAttributeListEntry(attrType mft.AttributeType, baseRef mft.FileReference, attributeId uint16) []byte {
	const entryLength = 26
	b := make([]byte, entryLength)
	binary.LittleEndian.PutUint32(b[0x00:], uint32(attrType))
	binary.LittleEndian.PutUint16(b[0x04:], uint16(entryLength))
	b[0x06] = 0 // nameLength
	b[0x07] = 0 // nameOffset
	copy(b[0x10:0x18], encodeFileRef(baseRef))
	binary.LittleEndian.PutUint16(b[0x18:], attributeId)
	return b
}

// buildIndxBlock builds a full INDX block (header, fixup field, and entries) that ParseIndexAllocationBlock can
// parse. The update sequence array covers exactly one sector (the whole block), so the fixup step only has to
// restore the final two bytes of the block.
func buildIndxBlock(entries ...[]byte) []byte {
	entriesLen := 0
	for _, e := range entries {
		entriesLen += len(e)
	}

	const headerStart = 0x18
	const firstEntryOffset = 0x0C // entries start right after the 4-byte update sequence field at 0x20-0x23
	totalEntrySize := firstEntryOffset + entriesLen

	b := make([]byte, headerStart+totalEntrySize+2)
	copy(b[0:4], []byte{0x49, 0x4e, 0x44, 0x58}) // "INDX"
	binary.LittleEndian.PutUint16(b[0x04:], 0x20) // update sequence offset
	binary.LittleEndian.PutUint16(b[0x06:], 2)     // update sequence size (1 USN word + 1 sector entry)
	binary.LittleEndian.PutUint64(b[0x10:], 0)      // VCN
	binary.LittleEndian.PutUint32(b[headerStart+0x00:], firstEntryOffset)
	binary.LittleEndian.PutUint32(b[headerStart+0x04:], uint32(totalEntrySize))

	usn := []byte{0x01, 0x00}
	realTail := []byte{0x00, 0x00}
	copy(b[0x20:0x22], usn)
	copy(b[0x22:0x24], realTail)

	pos := headerStart + firstEntryOffset
	for _, e := range entries {
		copy(b[pos:], e)
		pos += len(e)
	}
	copy(b[len(b)-2:], usn) // sector tail marker; applyFixUp restores it to realTail

	return b
}

func recordWithAttributes(selfRef mft.FileReference, attrs ...mft.Attribute) mft.Record {
	return mft.Record{FileReference: selfRef, Attributes: attrs}
}

func TestEnumerate_IndexRootOnly(t *testing.T) {
	self := mft.FileReference{RecordNumber: 5}
	child := mft.FileReference{RecordNumber: 100, SequenceNumber: 1}
	root := buildIndexRoot(buildIndexEntry(child, self, "hello.txt"))

	record := recordWithAttributes(self, mft.Attribute{Type: mft.AttributeTypeIndexRoot, Resident: true, Data: root})

	cfg := index.Config{}
	got, err := index.Enumerate(cfg, record)
	require.Nilf(t, err, "unexpected error: %v", err)
	assert.Equal(t, map[uint64]string{100: "hello.txt"}, got)
}

func TestEnumerate_AttributeListRecursesAndGuardsCycle(t *testing.T) {
	self := mft.FileReference{RecordNumber: 5}
	other := mft.FileReference{RecordNumber: 6}
	child := mft.FileReference{RecordNumber: 200, SequenceNumber: 1}

	otherRoot := buildIndexRoot(buildIndexEntry(child, self, "continued.txt"))
	otherRecord := recordWithAttributes(other, mft.Attribute{Type: mft.AttributeTypeIndexRoot, Resident: true, Data: otherRoot})

	attrList := []byte{}
	attrList = append(attrList, buildAttributeListEntry(mft.AttributeTypeIndexRoot, self, 0)...)  // self-reference, must be skipped
	attrList = append(attrList, buildAttributeListEntry(mft.AttributeTypeIndexRoot, other, 0)...) // recurse into other

	fetchCalls := 0
	cfg := index.Config{
		Fetch: func(recordNumber uint64) (mft.Record, error) {
			fetchCalls++
			assert.Equal(t, other.RecordNumber, recordNumber)
			return otherRecord, nil
		},
	}

	record := recordWithAttributes(self, mft.Attribute{Type: mft.AttributeTypeAttributeList, Resident: true, Data: attrList})
	got, err := index.Enumerate(cfg, record)
	require.Nilf(t, err, "unexpected error: %v", err)
	assert.Equal(t, map[uint64]string{200: "continued.txt"}, got)
	assert.Equal(t, 1, fetchCalls)
}

func TestEnumerate_IndexAllocationWalksIndxBlocks(t *testing.T) {
	self := mft.FileReference{RecordNumber: 5}
	child := mft.FileReference{RecordNumber: 300, SequenceNumber: 1}

	block := buildIndxBlock(buildIndexEntry(child, self, "indexed.dat"))
	blockSize := len(block)

	// Place the INDX block in the second "cluster" of a two-cluster volume so the data run's non-zero offset is
	// actually exercised.
	volume := make([]byte, blockSize*2)
	copy(volume[blockSize:], block)
	source := blockreader.NewMemory(volume)

	dataRuns := []byte{0x11, 0x01, 0x01} // one run, length 1 cluster, offset 1 cluster
	record := recordWithAttributes(self, mft.Attribute{Type: mft.AttributeTypeIndexAllocation, Resident: false, Data: dataRuns})

	cfg := index.Config{
		Source:                 source,
		BytesPerCluster:        blockSize,
		IndexBufferSizeInBytes: blockSize,
	}

	got, err := index.Enumerate(cfg, record)
	require.Nilf(t, err, "unexpected error: %v", err)
	assert.Equal(t, map[uint64]string{300: "indexed.dat"}, got)
}

func TestEnumerate_PrefersNameWithoutTilde(t *testing.T) {
	self := mft.FileReference{RecordNumber: 5}
	child := mft.FileReference{RecordNumber: 100, SequenceNumber: 1}
	root := buildIndexRoot(
		buildIndexEntry(child, self, "LONGFI~1.TXT"),
		buildIndexEntry(child, self, "longfilename.txt"),
	)

	record := recordWithAttributes(self, mft.Attribute{Type: mft.AttributeTypeIndexRoot, Resident: true, Data: root})

	got, err := index.Enumerate(index.Config{}, record)
	require.Nilf(t, err, "unexpected error: %v", err)
	assert.Equal(t, map[uint64]string{100: "longfilename.txt"}, got)
}
