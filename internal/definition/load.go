package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Format is a definition file syntax.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", fmt.Errorf("unsupported definition file %q: want .yaml, .yml or .cue", path)
}

// Position locates a node in a definition file.
type Position struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// IsValid reports whether p carries a line.
func (p Position) IsValid() bool {
	return p.Line > 0
}

func (p Position) String() string {
	if !p.IsValid() {
		return p.File
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// SyntaxError is a parse or decode failure.
type SyntaxError struct {
	Pos     Position
	Message string
}

func (e *SyntaxError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s", e.Pos, e.Message)
	}
	if e.Pos.File != "" {
		return fmt.Sprintf("%s: %s", e.Pos.File, e.Message)
	}
	return e.Message
}

// Document is a decoded file together with the positions of its nodes.
type Document struct {
	File
	Name string
	// positions maps validation paths to source positions.
	positions map[string]Position
}

// Pos returns the position of the node at path, falling back to the
// closest enclosing node.
func (d *Document) Pos(path string) Position {
	for p := path; ; {
		if pos, ok := d.positions[p]; ok {
			return pos
		}
		i := strings.LastIndexAny(p, ".[")
		if i <= 0 {
			return Position{File: d.Name}
		}
		p = p[:i]
	}
}

// Load reads, decodes and validates a definition file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(path, data, format)
	if err != nil {
		return nil, err
	}
	if errs := Validate(doc); len(errs) > 0 {
		return doc, errs
	}
	return doc, nil
}

// Parse decodes data without validating it.
func Parse(name string, data []byte, format Format) (*Document, error) {
	switch format {
	case FormatYAML:
		return parseYAML(name, data)
	case FormatCUE:
		return parseCUE(name, data)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func parseYAML(name string, data []byte) (*Document, error) {
	var root yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return nil, &SyntaxError{Pos: Position{File: name}, Message: err.Error()}
	}
	doc := &Document{Name: name, positions: map[string]Position{}}
	if err := root.Decode(&doc.File); err != nil {
		return nil, &SyntaxError{Pos: Position{File: name}, Message: err.Error()}
	}
	if len(root.Content) > 0 {
		indexYAML(root.Content[0], "", name, doc.positions)
	}
	return doc, nil
}

// indexYAML records the position of every mapping value and sequence item
// under its validation path.
func indexYAML(n *yaml.Node, path, file string, out map[string]Position) {
	if path != "" {
		out[path] = Position{File: file, Line: n.Line, Column: n.Column}
	}
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			child := key
			if path != "" {
				child = path + "." + key
			}
			indexYAML(n.Content[i+1], child, file, out)
		}
	case yaml.SequenceNode:
		for i, item := range n.Content {
			indexYAML(item, path+"["+strconv.Itoa(i)+"]", file, out)
		}
	}
}

func parseCUE(name string, data []byte) (*Document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, cueSyntaxError(name, err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueSyntaxError(name, err)
	}
	doc := &Document{Name: name, positions: map[string]Position{}}
	if err := v.Decode(&doc.File); err != nil {
		return nil, cueSyntaxError(name, err)
	}
	indexCUE(v, "", doc.positions)
	return doc, nil
}

func indexCUE(v cue.Value, path string, out map[string]Position) {
	if path != "" {
		if pos := v.Pos(); pos.IsValid() {
			out[path] = Position{File: pos.Filename(), Line: pos.Line(), Column: pos.Column()}
		}
	}
	switch v.IncompleteKind() {
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return
		}
		for iter.Next() {
			child := iter.Selector().String()
			if path != "" {
				child = path + "." + child
			}
			indexCUE(iter.Value(), child, out)
		}
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return
		}
		for i := 0; iter.Next(); i++ {
			indexCUE(iter.Value(), path+"["+strconv.Itoa(i)+"]", out)
		}
	}
}

// cueSyntaxError reports the first CUE error with its position.
func cueSyntaxError(name string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &SyntaxError{Pos: Position{File: name}, Message: err.Error()}
	}
	first := errs[0]
	pos := Position{File: name}
	if ps := cueerrors.Positions(first); len(ps) > 0 && ps[0].IsValid() {
		pos = Position{File: ps[0].Filename(), Line: ps[0].Line(), Column: ps[0].Column()}
	}
	format, args := first.Msg()
	return &SyntaxError{Pos: pos, Message: fmt.Sprintf(format, args...)}
}
