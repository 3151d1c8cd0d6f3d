// SPDX-License-Identifier: MPL-2.0

package soldeerfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2/unstable"
)

// The editor performs structural edits on the raw config bytes. The document
// is tokenized with the go-toml parser to find the byte spans of tables and
// key-value expressions; edits splice those spans so that every byte outside
// the touched expression is preserved, including comments and blank lines.

type (
	// keySpan is the byte range of one key-value expression, extended to
	// whole lines including the trailing newline.
	keySpan struct {
		key        string
		start, end int
	}

	// tableSpan is the byte range of a table header and the expressions
	// belonging to it.
	tableSpan struct {
		name                   string
		headerStart, headerEnd int
		keys                   []keySpan
	}

	// spans is the parsed structure of a TOML document. Top-level keys
	// before the first table header belong to the root pseudo-table "".
	spans struct {
		data   []byte
		tables []tableSpan
	}
)

// AddDependency inserts or replaces a dependency entry in the config file.
// The rest of the document is preserved byte for byte.
func AddDependency(path string, dep Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	edited, err := addDependencyBytes(data, dep)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, edited)
}

// RemoveDependency deletes a dependency entry from the config file. It
// returns ErrUnknownDependency when the entry does not exist.
func RemoveDependency(path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	edited, err := removeDependencyBytes(data, name)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, edited)
}

// EnsureDependenciesTable appends an empty `[dependencies]` table when the
// config file does not have one yet.
func EnsureDependenciesTable(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	doc, err := parseSpans(data)
	if err != nil {
		return err
	}
	if doc.table("dependencies") != nil {
		return nil
	}
	edited := appendBlock(data, "[dependencies]\n")
	return writeFileAtomic(path, edited)
}

// SetConfigRemappings writes the remappings array into the host config.
// Profiles that already carry a remappings key get the new array; the
// default profile always gets one. Other tables are left untouched.
func SetConfigRemappings(path string, entries []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	edited, err := setConfigRemappingsBytes(data, entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, edited)
}

// EnsureFoundryLibs adds the dependencies folder to the default profile's
// libs array, creating the profile or the array as needed.
func EnsureFoundryLibs(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	edited, err := ensureFoundryLibsBytes(data)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, edited)
}

func addDependencyBytes(data []byte, dep Dependency) ([]byte, error) {
	doc, err := parseSpans(data)
	if err != nil {
		return nil, err
	}
	line := tomlKey(dep.Name) + " = " + dep.tomlValue() + "\n"

	table := doc.table("dependencies")
	if table == nil {
		return appendBlock(data, "[dependencies]\n"+line), nil
	}
	if existing := table.findKey(dep.Name); existing != nil {
		return splice(data, existing.start, existing.end, line), nil
	}
	at := table.headerEnd
	if n := len(table.keys); n > 0 {
		at = table.keys[n-1].end
	}
	return splice(data, at, at, line), nil
}

func removeDependencyBytes(data []byte, name string) ([]byte, error) {
	doc, err := parseSpans(data)
	if err != nil {
		return nil, err
	}
	table := doc.table("dependencies")
	if table == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}
	existing := table.findKey(name)
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}
	return splice(data, existing.start, existing.end, ""), nil
}

func setConfigRemappingsBytes(data []byte, entries []string) ([]byte, error) {
	rendered := renderStringArray("remappings", entries)

	// Replace back to front so earlier spans stay valid.
	type edit struct {
		start, end int
		text       string
	}
	var edits []edit

	doc, err := parseSpans(data)
	if err != nil {
		return nil, err
	}
	defaultDone := false
	var defaultProfile *tableSpan
	for i := range doc.tables {
		table := &doc.tables[i]
		if table.name == "profile.default" {
			defaultProfile = table
		}
		if !strings.HasPrefix(table.name, "profile.") {
			continue
		}
		if existing := table.findKey("remappings"); existing != nil {
			edits = append(edits, edit{existing.start, existing.end, rendered})
			if table.name == "profile.default" {
				defaultDone = true
			}
		}
	}
	if !defaultDone {
		if defaultProfile != nil {
			at := defaultProfile.headerEnd
			edits = append(edits, edit{at, at, rendered})
		} else {
			data = appendBlock(data, "[profile.default]\n"+rendered)
		}
	}

	for i := len(edits) - 1; i >= 0; i-- {
		data = splice(data, edits[i].start, edits[i].end, edits[i].text)
	}
	return data, nil
}

func ensureFoundryLibsBytes(data []byte) ([]byte, error) {
	doc, err := parseSpans(data)
	if err != nil {
		return nil, err
	}
	profile := doc.table("profile.default")
	if profile == nil {
		return appendBlock(data, "[profile.default]\nlibs = [\"dependencies\"]\n"), nil
	}
	libs := profile.findKey("libs")
	if libs == nil {
		at := profile.headerEnd
		return splice(data, at, at, "libs = [\"dependencies\"]\n"), nil
	}
	segment := data[libs.start:libs.end]
	if bytes.Contains(segment, []byte(`"dependencies"`)) {
		return data, nil
	}
	closing := bytes.LastIndexByte(segment, ']')
	if closing < 0 {
		return nil, fmt.Errorf("%w: libs is not an array", ErrConfigMalformed)
	}
	inner := bytes.TrimRight(segment[:closing], " \t\n")
	insert := `, "dependencies"`
	if bytes.HasSuffix(inner, []byte("[")) {
		insert = `"dependencies"`
	}
	edited := append([]byte{}, inner...)
	edited = append(edited, insert...)
	edited = append(edited, segment[closing:]...)
	return splice(data, libs.start, libs.end, string(edited)), nil
}

// parseSpans tokenizes the document into table and key-value spans.
func parseSpans(data []byte) (*spans, error) {
	parser := &unstable.Parser{}
	parser.Reset(data)

	doc := &spans{data: data, tables: []tableSpan{{name: ""}}}
	current := 0
	for parser.NextExpression() {
		expr := parser.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			start, end, ok := exprLineSpan(data, expr)
			if !ok {
				return nil, fmt.Errorf("%w: could not locate table header", ErrConfigMalformed)
			}
			doc.tables = append(doc.tables, tableSpan{
				name:        keyString(expr.Key()),
				headerStart: start,
				headerEnd:   end,
			})
			current = len(doc.tables) - 1
		case unstable.KeyValue:
			start, end, ok := exprLineSpan(data, expr)
			if !ok {
				return nil, fmt.Errorf("%w: could not locate key-value expression", ErrConfigMalformed)
			}
			if value := expr.Value(); value != nil && value.Kind == unstable.Array {
				// a multi-line array closes past the last element's line
				if arrEnd := scanArrayEnd(data, start); arrEnd > end {
					end = arrEnd
				}
			}
			doc.tables[current].keys = append(doc.tables[current].keys, keySpan{
				key:   keyString(expr.Key()),
				start: start,
				end:   end,
			})
		}
	}
	if err := parser.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfigMalformed, err)
	}
	return doc, nil
}

func (s *spans) table(name string) *tableSpan {
	for i := range s.tables {
		if s.tables[i].name == name {
			return &s.tables[i]
		}
	}
	return nil
}

func (t *tableSpan) findKey(name string) *keySpan {
	for i := range t.keys {
		if t.keys[i].key == name {
			return &t.keys[i]
		}
	}
	return nil
}

// keyString joins the parts of a (possibly dotted) key.
func keyString(it unstable.Iterator) string {
	var parts []string
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return strings.Join(parts, ".")
}

// exprLineSpan returns the whole-line byte range covered by an expression,
// based on the raw ranges of its leaf nodes.
func exprLineSpan(data []byte, expr *unstable.Node) (int, int, bool) {
	minOffset, maxOffset, ok := rawBounds(expr)
	if !ok {
		return 0, 0, false
	}
	start := bytes.LastIndexByte(data[:minOffset], '\n') + 1
	end := len(data)
	if idx := bytes.IndexByte(data[maxOffset:], '\n'); idx >= 0 {
		end = maxOffset + idx + 1
	}
	return start, end, true
}

func rawBounds(node *unstable.Node) (minOffset, maxOffset int, ok bool) {
	if node == nil {
		return 0, 0, false
	}
	if node.Raw.Length > 0 {
		minOffset = int(node.Raw.Offset)
		maxOffset = int(node.Raw.Offset) + int(node.Raw.Length)
		ok = true
	}
	for child := node.Child(); child != nil; child = child.Next() {
		cmin, cmax, cok := rawBounds(child)
		if !cok {
			continue
		}
		if !ok || cmin < minOffset {
			minOffset = cmin
		}
		if !ok || cmax > maxOffset {
			maxOffset = cmax
		}
		ok = true
	}
	return minOffset, maxOffset, ok
}

// scanArrayEnd finds the end of the line containing the closing bracket of
// the array value starting on the line at `from`. Strings and comments are
// skipped over.
func scanArrayEnd(data []byte, from int) int {
	depth := 0
	var inString byte
	for i := from; i < len(data); i++ {
		c := data[i]
		if inString != 0 {
			if c == '\\' && inString == '"' {
				i++
				continue
			}
			if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = c
		case '#':
			for i < len(data) && data[i] != '\n' {
				i++
			}
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				if idx := bytes.IndexByte(data[i:], '\n'); idx >= 0 {
					return i + idx + 1
				}
				return len(data)
			}
		}
	}
	return len(data)
}

// splice replaces data[start:end] with text.
func splice(data []byte, start, end int, text string) []byte {
	out := make([]byte, 0, len(data)-(end-start)+len(text))
	out = append(out, data[:start]...)
	out = append(out, text...)
	out = append(out, data[end:]...)
	return out
}

// appendBlock appends a block to the document, separated by a blank line.
func appendBlock(data []byte, block string) []byte {
	out := append([]byte{}, data...)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\n')
	}
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n\n")) {
		out = append(out, '\n')
	}
	return append(out, block...)
}

// renderStringArray renders a multi-line TOML string array with the entries
// in the order given.
func renderStringArray(key string, entries []string) string {
	var sb strings.Builder
	sb.WriteString(key)
	sb.WriteString(" = [\n")
	for _, entry := range entries {
		sb.WriteString("    ")
		sb.WriteString(quoteTOML(entry))
		sb.WriteString(",\n")
	}
	sb.WriteString("]\n")
	return sb.String()
}

var bareKeyRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// tomlKey quotes a key when it cannot be written bare.
func tomlKey(name string) string {
	if bareKeyRegex.MatchString(name) {
		return name
	}
	return quoteTOML(name)
}

// tomlValue renders the dependency's right-hand side.
func (d Dependency) tomlValue() string {
	switch d.Kind() {
	case KindHTTP:
		return fmt.Sprintf("{ version = %s, url = %s }", quoteTOML(d.VersionReq), quoteTOML(d.URL))
	case KindGit:
		if d.Identifier != nil {
			return fmt.Sprintf("{ version = %s, git = %s, %s = %s }",
				quoteTOML(d.VersionReq), quoteTOML(d.Git), d.Identifier.Kind, quoteTOML(d.Identifier.Value))
		}
		return fmt.Sprintf("{ version = %s, git = %s }", quoteTOML(d.VersionReq), quoteTOML(d.Git))
	default:
		return quoteTOML(d.VersionReq)
	}
}

func quoteTOML(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
