// Package trace provides types for instruction trace collection and
// labelling of hooked code paths.
package trace

import (
	"fmt"
	"sort"
	"strings"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Target      Tag = "target"
	Replacement Tag = "replacement"
	Trampoline  Tag = "trampoline"
	Resume      Tag = "resume" // original code past the patched prologue
	VTable      Tag = "vtable"
	Code        Tag = "code"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event is one executed instruction.
type Event struct {
	PC   uint64
	Word uint32
	Text string // disassembly
	Tags Tags
}

// String renders the event as one listing line.
func (e Event) String() string {
	line := fmt.Sprintf("0x%x: %08x  %s", e.PC, e.Word, e.Text)
	if len(e.Tags) > 0 {
		line += "  " + strings.Join(e.Tags.Strings(), " ")
	}
	return line
}

// span is a labelled address range.
type span struct {
	start, end uint64
	tag        Tag
}

// Labels maps address ranges to tags. The zero value is empty and ready
// to use.
type Labels struct {
	spans []span
}

// Add labels [start, start+size) with tag.
func (l *Labels) Add(start, size uint64, tag Tag) {
	l.spans = append(l.spans, span{start: start, end: start + size, tag: tag})
	sort.SliceStable(l.spans, func(i, j int) bool { return l.spans[i].start < l.spans[j].start })
}

// Lookup returns every tag whose range holds pc, in range order.
func (l *Labels) Lookup(pc uint64) Tags {
	if l == nil {
		return nil
	}
	var out Tags
	for _, s := range l.spans {
		if s.start > pc {
			break
		}
		if pc < s.end {
			out.Add(s.tag)
		}
	}
	return out
}

// Path collapses consecutive events with the same primary tag into the
// sequence of tags visited, e.g. [target replacement trampoline resume].
func Path(events []Event) []Tag {
	var out []Tag
	for _, e := range events {
		tag := e.Tags.Primary()
		if tag == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == tag {
			continue
		}
		out = append(out, tag)
	}
	return out
}
