/*
	Package bootsect provides functions to parse the boot sector (also sometimes called Volume Boot Record, VBR, or
	$Boot file) of an NTFS volume.
*/
package bootsect

import (
	"fmt"

	"github.com/t9t/ntfscopy/binutil"
	"github.com/t9t/ntfscopy/ntfserr"
)

// expectedOemId is the only OEM ID this package treats as a valid NTFS volume. Some
// third-party tools zero-pad or otherwise mangle this field, but a genuine NTFS boot
// sector always carries it verbatim.
const expectedOemId = "NTFS    "

// BootSector represents the parsed data of an NTFS boot sector. The OemId should typically be "NTFS    " ("NTFS"
// followed by 4 trailing spaces) for a valid NTFS boot sector.
type BootSector struct {
	OemId                         string
	BytesPerSector                int
	SectorsPerCluster             int
	MediaDescriptor               byte
	SectorsPerTrack               int
	NumberofHeads                 int
	HiddenSectors                 int
	TotalSectors                  uint64
	MftClusterNumber              uint64
	MftMirrorClusterNumber        uint64
	FileRecordSegmentSizeInBytes  int
	IndexBufferSizeInBytes        int
	VolumeSerialNumber            []byte
	// ClustersPerFileRecordSegment is the ceil-divided number of clusters spanned by a
	// single MFT record. Record buffers are sized from FileRecordSegmentSizeInBytes instead.
	ClustersPerFileRecordSegment int
}

// Parse parses the data of an NTFS boot sector into a BootSector structure. It returns
// ntfserr.BadVolume if data is too short to contain a boot sector, the OEM ID is not
// "NTFS    ", or the sector/cluster/record-size fields are self-inconsistent.
func Parse(data []byte) (BootSector, error) {
	if len(data) < 80 {
		return BootSector{}, ntfserr.BadVolume.WithMessage(
			fmt.Sprintf("boot sector data should be at least 80 bytes but is %d", len(data)))
	}
	r := binutil.NewLittleEndianReader(data)

	oemId := string(r.Read(0x03, 8))
	if oemId != expectedOemId {
		return BootSector{}, ntfserr.BadVolume.WithMessage(fmt.Sprintf("unexpected OEM ID %q", oemId))
	}

	bytesPerSector := int(r.Uint16(0x0B))
	if bytesPerSector <= 0 {
		return BootSector{}, ntfserr.BadVolume.WithMessage("bytes per sector must be positive")
	}

	sectorsPerCluster := int(int8(r.Byte(0x0D)))
	if sectorsPerCluster < 0 {
		// Quoth Wikipedia: The number of sectors in a cluster. If the value is negative, the amount of sectors is 2
		// to the power of the absolute value of this field.
		sectorsPerCluster = 1 << -sectorsPerCluster
	}
	if sectorsPerCluster <= 0 || sectorsPerCluster&(sectorsPerCluster-1) != 0 {
		return BootSector{}, ntfserr.BadVolume.WithMessage(
			fmt.Sprintf("sectors per cluster (%d) is not a positive power of two", sectorsPerCluster))
	}
	bytesPerCluster := bytesPerSector * sectorsPerCluster

	fileRecordSegmentSizeInBytes := bytesOrClustersToBytes(r.Byte(0x40), bytesPerCluster)
	if fileRecordSegmentSizeInBytes <= 0 || fileRecordSegmentSizeInBytes%bytesPerSector != 0 {
		return BootSector{}, ntfserr.BadVolume.WithMessage(
			fmt.Sprintf("file record segment size (%d) is not a positive multiple of the sector size (%d)",
				fileRecordSegmentSizeInBytes, bytesPerSector))
	}
	clustersPerFileRecordSegment := (fileRecordSegmentSizeInBytes + bytesPerCluster - 1) / bytesPerCluster

	return BootSector{
		OemId:                        oemId,
		BytesPerSector:               bytesPerSector,
		SectorsPerCluster:            sectorsPerCluster,
		MediaDescriptor:              r.Byte(0x15),
		SectorsPerTrack:              int(r.Uint16(0x18)),
		NumberofHeads:                int(r.Uint16(0x1A)),
		HiddenSectors:                int(r.Uint16(0x1C)),
		TotalSectors:                 r.Uint64(0x28),
		MftClusterNumber:             r.Uint64(0x30),
		MftMirrorClusterNumber:       r.Uint64(0x38),
		FileRecordSegmentSizeInBytes: fileRecordSegmentSizeInBytes,
		IndexBufferSizeInBytes:       bytesOrClustersToBytes(r.Byte(0x44), bytesPerCluster),
		VolumeSerialNumber:           binutil.Duplicate(r.Read(0x48, 8)),
		ClustersPerFileRecordSegment: clustersPerFileRecordSegment,
	}, nil
}

func bytesOrClustersToBytes(b byte, bytesPerCluster int) int {
	// From Wikipedia:
	// A positive value denotes the number of clusters in a File Record Segment. A negative value denotes the amount of
	// bytes in a File Record Segment, in which case the size is 2 to the power of the absolute value.
	// (0xF6 = -10 → 2^10 = 1024).
	i := int(int8(b))
	if i < 0 {
		return 1 << -i
	}
	return i * bytesPerCluster
}
