package script

import (
	"strings"
)

// Document is a job script held as an ordered list of physical lines.
type Document struct {
	lines           []string
	trailingNewline bool
}

func Parse(content string) *Document {
	if content == "" {
		return &Document{}
	}
	lines := strings.Split(content, "\n")
	trailing := false
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		trailing = true
	}
	return &Document{lines: lines, trailingNewline: trailing}
}

func (d *Document) String() string {
	s := strings.Join(d.lines, "\n")
	if d.trailingNewline {
		s += "\n"
	}
	return s
}

func (d *Document) Lines() []string {
	return d.lines
}

// logicalEnd returns the index following the last physical line of the logical line starting at
// start. Lines ending with a backslash continue on the next line.
func (d *Document) logicalEnd(start int) int {
	i := start
	for i < len(d.lines)-1 && strings.HasSuffix(d.lines[i], "\\") {
		i++
	}
	return i + 1
}

// insertionIndex finds where a new directive goes: after the last directive in the script header.
// The header is the shebang followed by blank lines, comments and directives up to the first
// command. Without any directive the line goes right after the shebang.
func (d *Document) insertionIndex(dialect Dialect) int {
	start := 0
	if len(d.lines) > 0 && strings.HasPrefix(d.lines[0], "#!") {
		start = 1
	}
	insertAt := start
	for i := start; i < len(d.lines); {
		line := d.lines[i]
		end := d.logicalEnd(i)
		trimmed := strings.TrimSpace(line)
		switch {
		case dialect.terminates(line):
			return insertAt
		case dialect.isDirective(line):
			insertAt = end
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		default:
			return insertAt
		}
		i = end
	}
	return insertAt
}

func (d *Document) insertAt(index int, line string) {
	if len(d.lines) == 0 {
		d.trailingNewline = true
	}
	d.lines = append(d.lines, "")
	copy(d.lines[index+1:], d.lines[index:])
	d.lines[index] = line
}

// InsertDirective adds line after the last directive of the header.
func (d *Document) InsertDirective(line string, dialect Dialect) {
	if !dialect.HasDirectives() {
		return
	}
	d.insertAt(d.insertionIndex(dialect), line)
}

// HasDirectiveKey reports whether any directive line already requests key.
func (d *Document) HasDirectiveKey(key string, dialect Dialect) bool {
	for _, line := range d.lines {
		if dialect.hasKey(line, key) {
			return true
		}
	}
	return false
}

// InsertDirectiveLine inserts line into content after the last directive of the script header.
func InsertDirectiveLine(line string, content string, dialect Dialect) string {
	doc := Parse(content)
	doc.InsertDirective(strings.TrimRight(line, "\n"), dialect)
	return doc.String()
}
