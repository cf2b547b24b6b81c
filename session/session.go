// Package session wires BlockReader, BootSector, MFTLocator, DirectoryIndex, PathResolver, Extractor, and Cache
// into a single copy() entry point for one acquisition run. It replaces tscopy.py's module-level singleton
// (self.config, self.__MFT_lookup_table, self.__useWin32) with an explicitly constructed, non-singleton Session
// value, per REDESIGN FLAGS "singleton session state" and "global mutable singleton".
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/t9t/ntfscopy/blockreader"
	"github.com/t9t/ntfscopy/bootsect"
	"github.com/t9t/ntfscopy/cache"
	"github.com/t9t/ntfscopy/extract"
	"github.com/t9t/ntfscopy/index"
	"github.com/t9t/ntfscopy/locator"
	"github.com/t9t/ntfscopy/logging"
	"github.com/t9t/ntfscopy/mft"
	"github.com/t9t/ntfscopy/ntfserr"
	"github.com/t9t/ntfscopy/resolve"
)

// Options configures a Session (dargueta-disko/api.go's flags-as-struct-fields convention rather than a
// functional-options builder, since every field is set once at construction time).
type Options struct {
	// OutputRoot is the directory under which extracted files are placed, mirroring each source path's hierarchy.
	// Mandatory.
	OutputRoot string
	// CacheDir holds the persistent cache file. If empty, caching is disabled in-memory-only.
	CacheDir string
	// IgnoreCache starts from an empty cache and skips persisting it at Close.
	IgnoreCache bool
	// Logger receives diagnostic messages. Defaults to logging.Nop{} if nil.
	Logger logging.Logger
}

// Session holds everything one copy acquisition needs: the boot sector, the BlockReader, the MFT locator, and the
// cache, built once and reused across every Copy call. The BlockReader handle is owned by the Session and is
// released by Close.
type Session struct {
	source          blockreader.BlockReader
	bootSector      bootsect.BootSector
	bytesPerCluster int
	locator         *locator.Locator
	cache           *cache.Store
	options         Options
	logger          logging.Logger
}

// Open parses source's boot sector, decodes MFT record 0 to locate $MFT's own data, builds the MFTLocator's
// split-record table, and opens the cache, performing all of a session's one-time setup.
func Open(source blockreader.BlockReader, opts Options) (*Session, error) {
	if opts.OutputRoot == "" {
		return nil, ntfserr.OutputIO.WithMessage("output_root is mandatory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop{}
	}

	bootSectorData := make([]byte, 512)
	if _, err := source.ReadAt(bootSectorData, 0); err != nil {
		return nil, err
	}
	bs, err := bootsect.Parse(bootSectorData)
	if err != nil {
		return nil, err
	}
	bytesPerCluster := bs.BytesPerSector * bs.SectorsPerCluster

	mftPos := int64(bs.MftClusterNumber) * int64(bytesPerCluster)
	mftRecordData := make([]byte, bs.FileRecordSegmentSizeInBytes)
	if _, err := source.ReadAt(mftRecordData, mftPos); err != nil {
		return nil, err
	}
	mftRecord, err := mft.ParseRecord(mftRecordData)
	if err != nil {
		return nil, err
	}

	dataAttrs := mftRecord.FindAttributes(mft.AttributeTypeData)
	if len(dataAttrs) == 0 {
		return nil, ntfserr.CorruptRecord.WithMessage("$MFT record has no $DATA attribute")
	}
	runs, err := mft.ParseDataRuns(dataAttrs[0].Data)
	if err != nil {
		return nil, err
	}
	mftFragments := mft.DataRunsToFragments(runs, bytesPerCluster)
	loc := locator.New(source, mftFragments, bs.FileRecordSegmentSizeInBytes)

	cacheStore, err := cache.Open(opts.CacheDir, opts.IgnoreCache)
	if err != nil {
		return nil, err
	}

	return &Session{
		source:          source,
		bootSector:      bs,
		bytesPerCluster: bytesPerCluster,
		locator:         loc,
		cache:           cacheStore,
		options:         opts,
		logger:          logger,
	}, nil
}

// Close persists the cache (unless IgnoreCache) and releases its advisory lock, then closes the BlockReader. Errors
// saving or unlocking the cache are logged rather than returned, so a failure there never masks the BlockReader's
// own Close error; call this once, typically deferred right after Open succeeds.
func (s *Session) Close() error {
	if !s.options.IgnoreCache {
		if err := s.cache.Save(); err != nil {
			s.logger.Errorf("unable to save cache: %v", err)
		}
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Errorf("unable to release cache lock: %v", err)
	}
	return s.source.Close()
}

func (s *Session) fetchRecord(recordNumber uint64) (mft.Record, error) {
	data, err := s.locator.Locate(recordNumber)
	if err != nil {
		return mft.Record{}, err
	}
	return mft.ParseRecord(data)
}

func (s *Session) indexConfig() index.Config {
	return index.Config{
		Fetch:                  s.fetchRecord,
		Source:                 s.source,
		BytesPerCluster:        s.bytesPerCluster,
		IndexBufferSizeInBytes: s.bootSector.IndexBufferSizeInBytes,
	}
}

// Copy resolves sourcePath (an absolute path such as `C:\Windows\System32\config\SAM`, possibly containing `*`
// wildcards) against the cache and MFT, then extracts every match. If recursive is true and a match is a directory,
// its subdirectories are copied too. A malformed sourcePath, or a path or wildcard prefix that cannot be resolved,
// is returned as-is before anything is copied. After that, per-file failures are logged and collected rather than
// aborting the whole operation; the returned error, if non-nil, is a *multierror.Error naming every path that failed.
func (s *Session) Copy(sourcePath string, recursive bool) error {
	driveLetter, components, err := splitPath(sourcePath)
	if err != nil {
		return err
	}

	root := s.cache.Root(driveLetter)
	cfg := s.indexConfig()

	matches, err := resolve.ExpandWildcards(cfg, root, components)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, match := range matches {
		label := fmt.Sprintf(`%s:\%s`, strings.ToUpper(driveLetter), strings.Join(match, `\`))
		if err := s.copyOne(cfg, root, driveLetter, match, recursive); err != nil {
			s.logger.Errorf("failed to copy %s: %v", label, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", label, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Session) copyOne(cfg index.Config, root *cache.Node, driveLetter string, components []string, recursive bool) error {
	node, err := resolve.Resolve(cfg, root, components)
	if err != nil {
		return err
	}
	record, err := s.fetchRecord(node.RecordNumber)
	if err != nil {
		return err
	}

	outputPath := filepath.Join(append([]string{s.options.OutputRoot, driveLetter}, components...)...)

	if record.Flags.Is(mft.RecordFlagIsDirectory) {
		return s.copyDirectory(cfg, node, record, components, outputPath, recursive)
	}
	return s.copyFile(record, outputPath)
}

func (s *Session) copyFile(record mft.Record, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return ntfserr.OutputIO.WithMessage("unable to create output directory").WithCause(err)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return ntfserr.OutputIO.WithMessage("unable to create output file").WithCause(err)
	}
	defer out.Close()

	return extract.Extract(extract.Config{Source: s.source, BytesPerCluster: s.bytesPerCluster}, record, out)
}

func (s *Session) copyDirectory(cfg index.Config, node *cache.Node, record mft.Record, components []string, outputPath string, recursive bool) error {
	children, err := index.Enumerate(cfg, record)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for recordNumber, name := range children {
		lower := strings.ToLower(name)
		node.Child(lower, name, recordNumber)

		childRecord, err := s.fetchRecord(recordNumber)
		if err != nil {
			s.logger.Warnf("skipping %s (record %d): %v", name, recordNumber, err)
			continue
		}
		childComponents := append(append([]string{}, components...), name)
		childOutput := filepath.Join(outputPath, name)

		if childRecord.Flags.Is(mft.RecordFlagIsDirectory) {
			if !recursive {
				continue
			}
			if err := s.copyDirectory(cfg, node.Children[lower], childRecord, childComponents, childOutput, recursive); err != nil {
				s.logger.Errorf("failed to copy directory %s: %v", name, err)
				result = multierror.Append(result, fmt.Errorf("%s: %w", strings.Join(childComponents, `\`), err))
			}
			continue
		}
		if err := s.copyFile(childRecord, childOutput); err != nil {
			s.logger.Errorf("failed to copy file %s: %v", name, err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", strings.Join(childComponents, `\`), err))
		}
	}
	return result.ErrorOrNil()
}

// splitPath breaks an absolute path like `C:\Windows\System32` into its lowercased drive letter and path
// components. Both `\` and `/` are accepted as separators.
func splitPath(sourcePath string) (string, []string, error) {
	if len(sourcePath) < 2 || sourcePath[1] != ':' {
		return "", nil, ntfserr.NotFound.WithMessage(
			fmt.Sprintf("path %q does not start with a drive specifier", sourcePath))
	}
	driveLetter := strings.ToLower(sourcePath[:1])

	rest := sourcePath[2:]
	rest = strings.TrimPrefix(rest, `\`)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return driveLetter, nil, nil
	}
	rest = strings.ReplaceAll(rest, "/", `\`)
	return driveLetter, strings.Split(rest, `\`), nil
}
