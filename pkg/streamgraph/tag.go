package streamgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	tagPattern  = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// TagIndex addresses one port: a tag plus an index within that tag.
// Untagged ports use the empty tag.
type TagIndex struct {
	Tag   string
	Index int
}

// String renders TAG:index, or the bare index for untagged ports.
func (ti TagIndex) String() string {
	if ti.Tag == "" {
		return strconv.Itoa(ti.Index)
	}
	return fmt.Sprintf("%s:%d", ti.Tag, ti.Index)
}

// ParseTagIndexName parses "TAG:index:name", "TAG:name" or "name".
func ParseTagIndexName(s string) (TagIndex, string, error) {
	parts := strings.Split(s, ":")
	var ti TagIndex
	var name string
	switch len(parts) {
	case 1:
		name = parts[0]
	case 2:
		ti.Tag, name = parts[0], parts[1]
	case 3:
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 {
			return TagIndex{}, "", fmt.Errorf("%w: %q: index must be a non-negative integer", ErrInvalidTag, s)
		}
		ti.Tag, ti.Index, name = parts[0], idx, parts[2]
	default:
		return TagIndex{}, "", fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}
	if len(parts) > 1 && !tagPattern.MatchString(ti.Tag) {
		return TagIndex{}, "", fmt.Errorf("%w: %q: tag must match %s", ErrInvalidTag, s, tagPattern)
	}
	if !namePattern.MatchString(name) {
		return TagIndex{}, "", fmt.Errorf("%w: %q: name must match %s", ErrInvalidTag, s, namePattern)
	}
	return ti, name, nil
}

// ParseTagIndex parses "TAG", "TAG:index" or an untagged index.
func ParseTagIndex(s string) (TagIndex, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		if idx, err := strconv.Atoi(s); err == nil && idx >= 0 {
			return TagIndex{Index: idx}, nil
		}
		if tagPattern.MatchString(s) {
			return TagIndex{Tag: s}, nil
		}
	case 2:
		idx, err := strconv.Atoi(parts[1])
		if err == nil && idx >= 0 && tagPattern.MatchString(parts[0]) {
			return TagIndex{Tag: parts[0], Index: idx}, nil
		}
	}
	return TagIndex{}, fmt.Errorf("%w: %q", ErrInvalidTag, s)
}

// TagMap resolves the tag:index entries of one port collection into dense
// integer ids. Ids are assigned by sorted tag, then index, so the layout
// is independent of declaration order.
type TagMap struct {
	entries []TagIndex
	names   []string
	ids     map[TagIndex]int
	counts  map[string]int
}

// NewTagMap parses a list of TAG:index:name entries. Plain names are
// untagged and indexed in declaration order. Indexes under one tag must be
// contiguous from zero.
func NewTagMap(specs []string) (*TagMap, error) {
	type parsed struct {
		ti   TagIndex
		name string
	}
	items := make([]parsed, 0, len(specs))
	seen := make(map[TagIndex]bool, len(specs))
	untagged := 0
	for _, spec := range specs {
		ti, name, err := ParseTagIndexName(spec)
		if err != nil {
			return nil, err
		}
		if !strings.Contains(spec, ":") {
			ti.Index = untagged
			untagged++
		}
		if seen[ti] {
			return nil, fmt.Errorf("%w: %q: duplicate %s", ErrInvalidTag, spec, ti)
		}
		seen[ti] = true
		items = append(items, parsed{ti: ti, name: name})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ti.Tag != items[j].ti.Tag {
			return items[i].ti.Tag < items[j].ti.Tag
		}
		return items[i].ti.Index < items[j].ti.Index
	})

	m := &TagMap{
		entries: make([]TagIndex, len(items)),
		names:   make([]string, len(items)),
		ids:     make(map[TagIndex]int, len(items)),
		counts:  make(map[string]int),
	}
	for id, it := range items {
		if it.ti.Index != m.counts[it.ti.Tag] {
			return nil, fmt.Errorf("%w: tag %q has index %d but expected %d", ErrInvalidTag, it.ti.Tag, it.ti.Index, m.counts[it.ti.Tag])
		}
		m.counts[it.ti.Tag]++
		m.entries[id] = it.ti
		m.names[id] = it.name
		m.ids[it.ti] = id
	}
	return m, nil
}

// Len returns the number of entries.
func (m *TagMap) Len() int { return len(m.entries) }

// ID returns the dense id for (tag, index).
func (m *TagMap) ID(tag string, index int) (int, bool) {
	id, ok := m.ids[TagIndex{Tag: tag, Index: index}]
	return id, ok
}

// HasTag reports whether any entry uses tag.
func (m *TagMap) HasTag(tag string) bool { return m.counts[tag] > 0 }

// NumEntries returns the number of entries under tag.
func (m *TagMap) NumEntries(tag string) int { return m.counts[tag] }

// Tags returns the distinct tags in id order.
func (m *TagMap) Tags() []string {
	var tags []string
	for i, ti := range m.entries {
		if i == 0 || m.entries[i-1].Tag != ti.Tag {
			tags = append(tags, ti.Tag)
		}
	}
	return tags
}

// TagIndex returns the address of id.
func (m *TagMap) TagIndex(id int) TagIndex { return m.entries[id] }

// Name returns the stream or side packet name bound to id.
func (m *TagMap) Name(id int) string { return m.names[id] }

// Names returns every bound name in id order.
func (m *TagMap) Names() []string { return m.names }
