// Package extract reconstructs a file's data from its MFT record and streams it to an io.Writer, honoring
// resident/non-resident, sparse-run, and initialized-size/data-size clipping semantics. Grounded on tscopy.py's
// __getFile, which walks the same record's $DATA runlist and clips at initialized_size/data_size; unlike
// index.Enumerate, this never chases $ATTRIBUTE_LIST continuations for $DATA, matching __getFile's own scope
// (it only ever inspects the record it was handed).
package extract

import (
	"fmt"
	"io"

	"github.com/t9t/ntfscopy/blockreader"
	"github.com/t9t/ntfscopy/mft"
	"github.com/t9t/ntfscopy/ntfserr"
)

const zeroChunkSize = 64 * 1024
const readChunkSize = 1024 * 1024

// Config bundles what Extract needs to read non-resident run data beyond the record itself.
type Config struct {
	Source          blockreader.BlockReader
	BytesPerCluster int
}

// Extract writes record's unnamed $DATA attribute to w. For a resident attribute, it writes the inline value as-is.
// For a non-resident attribute, it reads each run in order, stopping once InitializedSize bytes (capped at
// ActualSize) have been produced (the rest of ActualSize is a zero-filled tail never backed by disk).
func Extract(cfg Config, record mft.Record, w io.Writer) error {
	attr, err := findUnnamedData(record)
	if err != nil {
		return err
	}

	if attr.Resident {
		if _, err := w.Write(attr.Data); err != nil {
			return ntfserr.OutputIO.WithMessage("unable to write resident data").WithCause(err)
		}
		return nil
	}

	runs, err := mft.ParseDataRuns(attr.Data)
	if err != nil {
		return err
	}
	fragments := mft.DataRunsToFragments(runs, cfg.BytesPerCluster)

	initializedSize := int64(attr.InitializedSize)
	dataSize := int64(attr.ActualSize)
	if initializedSize > dataSize {
		initializedSize = dataSize
	}

	written := int64(0)
	for _, frag := range fragments {
		if written >= initializedSize {
			break
		}
		length := frag.Length
		if written+length > initializedSize {
			length = initializedSize - written
		}
		if length <= 0 {
			continue
		}

		if frag.Sparse {
			if err := writeZeroes(w, length); err != nil {
				return err
			}
		} else if err := writeFromDisk(cfg.Source, w, frag.Offset, length); err != nil {
			return err
		}
		written += length
	}

	if written < dataSize {
		if err := writeZeroes(w, dataSize-written); err != nil {
			return err
		}
	}
	return nil
}

func findUnnamedData(record mft.Record) (mft.Attribute, error) {
	for _, attr := range record.FindAttributes(mft.AttributeTypeData) {
		if attr.Name == "" {
			return attr, nil
		}
	}
	return mft.Attribute{}, ntfserr.NotFound.WithMessage(
		fmt.Sprintf("no unnamed $DATA attribute in record %d", record.FileReference.RecordNumber))
}

func writeZeroes(w io.Writer, length int64) error {
	buf := make([]byte, minInt64(length, zeroChunkSize))
	for length > 0 {
		n := minInt64(length, int64(len(buf)))
		if _, err := w.Write(buf[:n]); err != nil {
			return ntfserr.OutputIO.WithMessage("unable to write zero-filled tail").WithCause(err)
		}
		length -= n
	}
	return nil
}

func writeFromDisk(source blockreader.BlockReader, w io.Writer, offset int64, length int64) error {
	buf := make([]byte, minInt64(length, readChunkSize))
	for length > 0 {
		n := minInt64(length, int64(len(buf)))
		chunk := buf[:n]
		if _, err := source.ReadAt(chunk, offset); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return ntfserr.OutputIO.WithMessage("unable to write extracted data").WithCause(err)
		}
		offset += n
		length -= n
	}
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
