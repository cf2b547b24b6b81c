/*
	Package cache implements the persistent path→record-number tree: a tree of Nodes keyed first by drive letter,
	then by record number for the root (always 5), then by lowercased child name recursively. It is read once at
	the start of a session and, unless the session runs in "ignore cache" mode, written back atomically at the end.

	Locking

	The cache file has no internal locking: sessions sharing the same cache file must not run concurrently. Open
	acquires an advisory lock file next to the cache file using the portable O_CREATE|O_EXCL convention (no
	flock/file-locking library appears anywhere in the retrieval pack) and fails with ntfserr.CacheLocked if another
	session already holds it.
*/
package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/t9t/ntfscopy/ntfserr"
)

const (
	cacheFileName = "mft.cache"
	lockFileName  = "mft.cache.lock"

	magic         = "NTFSCAC\x00"
	currentVersion = uint64(2) // v2 adds each Node's DisplayName alongside its lowercased Name

	rootRecordNumber = 5
)

// Node is one entry in the cached directory tree: a record number, its (lowercased) lookup name, the name's
// original on-disk casing, and its known children. The root of every drive's tree has RecordNumber 5 and an
// empty Name/DisplayName.
type Node struct {
	RecordNumber uint64
	Name         string
	DisplayName  string
	Children     map[string]*Node
}

func newRoot() *Node {
	return &Node{RecordNumber: rootRecordNumber, Children: map[string]*Node{}}
}

// Child returns the existing child named name (already lowercased by the caller), inserting a new Node for
// recordNumber if none exists yet. displayName is the name's original on-disk casing, kept alongside the
// lowercased lookup key so callers that need the real name back (wildcard matching, output paths) don't have
// to re-derive it. Existing entries are left untouched, including their RecordNumber and DisplayName, so a
// stale cache is never silently overwritten by a second discovery of the same name.
func (n *Node) Child(name, displayName string, recordNumber uint64) *Node {
	if existing, ok := n.Children[name]; ok {
		return existing
	}
	child := &Node{RecordNumber: recordNumber, Name: name, DisplayName: displayName, Children: map[string]*Node{}}
	n.Children[name] = child
	return child
}

// Store holds one or more drives' cache trees in memory, loaded from (and, unless opened with ignoreCache, destined
// to be saved back to) a single file in dir.
type Store struct {
	dir         string
	ignoreCache bool
	drives      map[string]*Node
	lock        *os.File
}

// Open loads the cache file from dir (creating an empty in-memory store if it's absent) and acquires the advisory
// lock. With ignoreCache, Open neither acquires the lock nor reads the file, and starts from an empty store. If dir
// is empty, caching is disabled in-memory-only fashion: Open still succeeds, Root still works, but Save is a no-op,
// implementing "if absent, caching is disabled" for a missing cache_dir option.
func Open(dir string, ignoreCache bool) (*Store, error) {
	s := &Store{dir: dir, ignoreCache: ignoreCache, drives: map[string]*Node{}}
	if dir == "" {
		s.ignoreCache = true
		return s, nil
	}

	if !ignoreCache {
		lock, err := acquireLock(filepath.Join(dir, lockFileName))
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	if ignoreCache {
		return s, nil
	}

	data, err := ioutil.ReadFile(filepath.Join(dir, cacheFileName))
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		s.Close()
		return nil, ntfserr.BadCache.WithMessage("unable to read cache file").WithCause(err)
	}

	drives, err := unmarshal(data)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.drives = drives
	return s, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ntfserr.CacheLocked.WithMessage(fmt.Sprintf("lock file %s already exists", path)).WithCause(err)
		}
		return nil, ntfserr.CacheLocked.WithMessage("unable to create lock file").WithCause(err)
	}
	return f, nil
}

// Root returns the root Node for driveLetter (a single-character drive designator such as "c"), creating an empty
// one on first use. driveLetter is lowercased so "C" and "c" share one tree.
func (s *Store) Root(driveLetter string) *Node {
	key := strings.ToLower(driveLetter)
	root, ok := s.drives[key]
	if !ok {
		root = newRoot()
		s.drives[key] = root
	}
	return root
}

// Save writes the cache back to disk atomically (temp file + rename), unless this Store was opened with
// ignoreCache or an empty dir. Safe to call even when nothing changed.
func (s *Store) Save() error {
	if s.ignoreCache || s.dir == "" {
		return nil
	}

	data := marshal(s.drives)
	tmp, err := ioutil.TempFile(s.dir, cacheFileName+".tmp-*")
	if err != nil {
		return ntfserr.OutputIO.WithMessage("unable to create temp file for cache").WithCause(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ntfserr.OutputIO.WithMessage("unable to write cache temp file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ntfserr.OutputIO.WithMessage("unable to close cache temp file").WithCause(err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, cacheFileName)); err != nil {
		os.Remove(tmpPath)
		return ntfserr.OutputIO.WithMessage("unable to rename cache temp file into place").WithCause(err)
	}
	return nil
}

// Close releases the advisory lock, if one was acquired. It does not save the cache; call Save first.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	path := s.lock.Name()
	err := s.lock.Close()
	os.Remove(path)
	s.lock = nil
	return err
}

func marshal(drives map[string]*Node) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeUint64(&buf, currentVersion)
	writeUint32(&buf, uint32(len(drives)))
	for letter, root := range drives {
		buf.WriteByte(letter[0])
		writeNode(&buf, root)
	}
	return buf.Bytes()
}

func writeNode(buf *bytes.Buffer, n *Node) {
	writeUint64(buf, n.RecordNumber)
	nameBytes := []byte(n.Name)
	writeUint16(buf, uint16(len(nameBytes)))
	buf.Write(nameBytes)
	displayNameBytes := []byte(n.DisplayName)
	writeUint16(buf, uint16(len(displayNameBytes)))
	buf.Write(displayNameBytes)
	writeUint32(buf, uint32(len(n.Children)))
	for _, child := range n.Children {
		writeNode(buf, child)
	}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func unmarshal(data []byte) (map[string]*Node, error) {
	if len(data) < 20 {
		return nil, ntfserr.BadCache.WithMessage(fmt.Sprintf("cache file should be at least 20 bytes but is %d", len(data)))
	}
	if string(data[:8]) != magic {
		return nil, ntfserr.BadCache.WithMessage("cache file magic does not match")
	}
	version := binary.LittleEndian.Uint64(data[8:16])
	if version != currentVersion {
		return nil, ntfserr.BadCache.WithMessage(fmt.Sprintf("unsupported cache version %d", version))
	}

	r := &byteCursor{data: data, pos: 16}
	driveCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	drives := map[string]*Node{}
	for i := uint32(0); i < driveCount; i++ {
		letter, err := r.byteVal()
		if err != nil {
			return nil, err
		}
		node, err := readNode(r)
		if err != nil {
			return nil, err
		}
		drives[strings.ToLower(string(letter))] = node
	}
	return drives, nil
}

func readNode(r *byteCursor) (*Node, error) {
	recordNumber, err := r.uint64()
	if err != nil {
		return nil, err
	}
	nameLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	nameBytes, err := r.bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	displayNameLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	displayNameBytes, err := r.bytes(int(displayNameLen))
	if err != nil {
		return nil, err
	}
	childCount, err := r.uint32()
	if err != nil {
		return nil, err
	}

	node := &Node{RecordNumber: recordNumber, Name: string(nameBytes), DisplayName: string(displayNameBytes), Children: map[string]*Node{}}
	for i := uint32(0); i < childCount; i++ {
		child, err := readNode(r)
		if err != nil {
			return nil, err
		}
		node.Children[child.Name] = child
	}
	return node, nil
}

// byteCursor is a minimal forward-only binary reader over the cache's flat byte stream, returning ntfserr.BadCache
// instead of panicking when the stream is truncated mid-record (a corrupt or partially-written cache file).
type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) require(n int) error {
	if c.pos+n > len(c.data) {
		return ntfserr.BadCache.WithMessage(fmt.Sprintf("cache file truncated at offset %d (need %d more bytes)", c.pos, n))
	}
	return nil
}

func (c *byteCursor) byteVal() (byte, error) {
	if err := c.require(1); err != nil {
		return 0, err
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *byteCursor) bytes(n int) ([]byte, error) {
	if err := c.require(n); err != nil {
		return nil, err
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *byteCursor) uint16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *byteCursor) uint32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *byteCursor) uint64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
