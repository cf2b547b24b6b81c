// Package resolve maps an absolute path's components to an MFT record, consulting and populating the persistent
// cache as it descends, and expands `*` wildcards into the concrete paths they match. Grounded on tscopy.py's
// __search_mft/__find_last_known_path (cache-consulting descent) and __process_wildcards/__regexsearch/
// __get_wildcard_children (wildcard splitting and cartesian expansion).
package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/t9t/ntfscopy/cache"
	"github.com/t9t/ntfscopy/index"
	"github.com/t9t/ntfscopy/ntfserr"
)

// Resolve walks components against root's cached children, enumerating (and caching) a directory's children via
// index.Enumerate on the first miss at each level. It returns ntfserr.NotFound if any component is missing after
// enumeration. An empty components list resolves to root itself.
func Resolve(cfg index.Config, root *cache.Node, components []string) (*cache.Node, error) {
	node := root
	for _, name := range components {
		lower := strings.ToLower(name)
		if child, ok := node.Children[lower]; ok {
			node = child
			continue
		}

		if err := populate(cfg, node); err != nil {
			return nil, err
		}
		child, ok := node.Children[lower]
		if !ok {
			return nil, ntfserr.NotFound.WithMessage(
				fmt.Sprintf("%q not found under record %d", name, node.RecordNumber))
		}
		node = child
	}
	return node, nil
}

func populate(cfg index.Config, node *cache.Node) error {
	record, err := cfg.Fetch(node.RecordNumber)
	if err != nil {
		return err
	}
	children, err := index.Enumerate(cfg, record)
	if err != nil {
		return err
	}
	for recordNumber, name := range children {
		node.Child(strings.ToLower(name), name, recordNumber)
	}
	return nil
}

// segment is one slice of a wildcard-bearing path between (and including) its wildcard components: the path is
// split at every component containing *. A segment with pattern == "" is the optional trailing suffix that
// follows the last wildcard (or, when the whole path has no wildcard, the entire path).
type segment struct {
	prefix  []string
	pattern string
}

func splitSegments(components []string) []segment {
	var segments []segment
	start := 0
	for i, c := range components {
		if strings.Contains(c, "*") {
			segments = append(segments, segment{prefix: components[start:i], pattern: c})
			start = i + 1
		}
	}
	if start < len(components) || len(segments) == 0 {
		segments = append(segments, segment{prefix: components[start:]})
	}
	return segments
}

// ExpandWildcards resolves a path that may contain `*` in any component, returning every concrete component list it
// matches. Each segment's prefix is resolved against every entry in the current working set before its pattern (if
// any) is matched against that directory's children, producing the cartesian expansion of every wildcard segment.
func ExpandWildcards(cfg index.Config, root *cache.Node, components []string) ([][]string, error) {
	segments := splitSegments(components)

	working := [][]string{{}}
	for _, seg := range segments {
		var next [][]string
		for _, base := range working {
			full := append(append([]string{}, base...), seg.prefix...)

			node, err := Resolve(cfg, root, full)
			if err != nil {
				return nil, err
			}

			if seg.pattern == "" {
				next = append(next, full)
				continue
			}

			if err := populate(cfg, node); err != nil {
				return nil, err
			}
			matcher := compileGlob(seg.pattern)
			for _, child := range node.Children {
				if matcher.MatchString(child.Name) {
					next = append(next, append(append([]string{}, full...), child.DisplayName))
				}
			}
		}
		working = next
	}
	return working, nil
}

// compileGlob turns a pattern containing only the `*` wildcard (any run of characters) into an anchored,
// case-insensitive regexp; every other character, including other regex metacharacters, is matched literally.
// Grounded on tscopy.py's __get_wildcard_children (re.escape(pattern).replace(r'\*', '.*')).
func compileGlob(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(quoted, ".*") + "$")
}
