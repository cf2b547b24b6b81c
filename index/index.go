// Package index enumerates the children of an NTFS directory by walking its $INDEX_ROOT, $ATTRIBUTE_LIST, and
// $INDEX_ALLOCATION attributes, grounded on tscopy.py's __getChildIndex/__isSplitMFT, which perform the equivalent
// walk record by record.
package index

import (
	"fmt"
	"strings"

	"github.com/t9t/ntfscopy/blockreader"
	"github.com/t9t/ntfscopy/mft"
	"github.com/t9t/ntfscopy/ntfserr"
)

// RecordFetcher resolves an MFT record number to its parsed Record, typically backed by a locator.Locator and
// mft.ParseRecord.
type RecordFetcher func(recordNumber uint64) (mft.Record, error)

// Config bundles everything Enumerate needs to walk a directory's indexes beyond the record itself.
type Config struct {
	Fetch                  RecordFetcher
	Source                 blockreader.BlockReader
	BytesPerCluster        int
	IndexBufferSizeInBytes int
}

// Enumerate returns the mapping of child record number to child name for the given directory record: it merges
// $INDEX_ROOT entries, recurses into $ATTRIBUTE_LIST continuations (refusing to recurse into the record itself),
// and walks $INDEX_ALLOCATION's INDX blocks. Continuation records are followed at most maxAttributeListDepth levels
// deep. When a record number has more than one candidate name (DOS short name vs. Win32 long name), the name
// without "~" wins.
func Enumerate(cfg Config, record mft.Record) (map[uint64]string, error) {
	result := map[uint64]string{}
	selfRecordNumber := record.FileReference.RecordNumber
	if err := enumerateInto(cfg, record, selfRecordNumber, 0, result); err != nil {
		return nil, err
	}
	return result, nil
}

// maxAttributeListDepth bounds $ATTRIBUTE_LIST recursion, so cycles that do not pass through the directory record
// itself still terminate.
const maxAttributeListDepth = 32

func enumerateInto(cfg Config, record mft.Record, selfRecordNumber uint64, depth int, result map[uint64]string) error {
	for _, attr := range record.FindAttributes(mft.AttributeTypeIndexRoot) {
		root, err := mft.ParseIndexRoot(attr.Data)
		if err != nil {
			return err
		}
		mergeEntries(result, root.Entries)
	}

	for _, attr := range record.FindAttributes(mft.AttributeTypeAttributeList) {
		entries, err := mft.ParseAttributeList(attr.Data)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type != mft.AttributeTypeIndexRoot && entry.Type != mft.AttributeTypeIndexAllocation {
				continue
			}
			otherRecordNumber := entry.BaseRecordReference.RecordNumber
			if otherRecordNumber == selfRecordNumber {
				continue // cycle guard: refuse to recurse into the current record
			}
			if depth >= maxAttributeListDepth {
				continue // deeper cycles are cut off here
			}
			otherRecord, err := cfg.Fetch(otherRecordNumber)
			if err != nil {
				return err
			}
			if err := enumerateInto(cfg, otherRecord, selfRecordNumber, depth+1, result); err != nil {
				return err
			}
		}
	}

	for _, attr := range record.FindAttributes(mft.AttributeTypeIndexAllocation) {
		if err := enumerateIndexAllocation(cfg, attr, result); err != nil {
			return err
		}
	}

	return nil
}

func enumerateIndexAllocation(cfg Config, attr mft.Attribute, result map[uint64]string) error {
	runs, err := mft.ParseDataRuns(attr.Data)
	if err != nil {
		return err
	}
	fragments := mft.DataRunsToFragments(runs, cfg.BytesPerCluster)
	blockSize := cfg.IndexBufferSizeInBytes

	for _, frag := range fragments {
		if frag.Sparse {
			continue
		}
		for off := int64(0); off+int64(blockSize) <= frag.Length; off += int64(blockSize) {
			buf := make([]byte, blockSize)
			n, err := cfg.Source.ReadAt(buf, frag.Offset+off)
			if err != nil {
				return err
			}
			if n != blockSize {
				return ntfserr.ReadShort.WithMessage(
					fmt.Sprintf("expected %d bytes for INDX block but got %d", blockSize, n))
			}
			block, err := mft.ParseIndexAllocationBlock(buf)
			if err != nil {
				return err
			}
			mergeEntries(result, block.Entries)
		}
	}
	return nil
}

func mergeEntries(dst map[uint64]string, entries []mft.IndexEntry) {
	for _, entry := range entries {
		recordNumber := entry.FileReference.RecordNumber
		if recordNumber == 0 {
			continue
		}
		name := entry.FileName.Name
		if name == "" {
			continue
		}
		existing, ok := dst[recordNumber]
		if !ok || (strings.Contains(existing, "~") && !strings.Contains(name, "~")) {
			dst[recordNumber] = name
		}
	}
}
