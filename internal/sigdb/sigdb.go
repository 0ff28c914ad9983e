// Package sigdb loads YAML signature databases and resolves every
// signature in a module in one pass.
//
//	module: libgame.so
//	signatures:
//	  - name: Camera::render
//	    pattern: "FD 7B BF A9 ?? ?? ?? 91"
//	    required: true
//	    offset: 0
//	    resolve: adrp
package sigdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zboralski/gancho/internal/pattern"
	"gopkg.in/yaml.v3"
)

// ErrMissing is returned by Results.Err when required signatures are absent.
var ErrMissing = errors.New("required signatures not found")

// Resolve names a post-processing step applied at match+offset.
type Resolve string

const (
	ResolveNone Resolve = ""
	// ResolveADRP decodes an ADRP+ADD pair into the address it builds.
	ResolveADRP Resolve = "adrp"
	// ResolveBranch follows a B or BL to its target.
	ResolveBranch Resolve = "branch"
)

// Signature is one named pattern.
type Signature struct {
	Name     string
	Pattern  pattern.Pattern
	Required bool
	Offset   int64
	Resolve  Resolve
	Line     int // source line, 0 when built in code
}

// DB is a parsed signature database.
type DB struct {
	Module     string      `yaml:"module"`
	Signatures []Signature `yaml:"signatures"`
}

// signatureYAML is the on-disk form of a Signature.
type signatureYAML struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Required bool   `yaml:"required"`
	Offset   int64  `yaml:"offset"`
	Resolve  string `yaml:"resolve"`
}

var signatureFields = map[string]bool{
	"name": true, "pattern": true, "required": true, "offset": true, "resolve": true,
}

// UnmarshalYAML decodes one signature and parses its pattern, so a bad
// pattern is reported with the line it is on.
func (s *Signature) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected signature mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if key := n.Content[i]; !signatureFields[key.Value] {
			return fmt.Errorf("line %d: unknown signature field %q", key.Line, key.Value)
		}
	}

	var raw signatureYAML
	if err := n.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	if raw.Name == "" {
		return fmt.Errorf("line %d: signature has no name", n.Line)
	}
	p, err := pattern.Parse(raw.Pattern)
	if err != nil {
		return fmt.Errorf("line %d: signature %q: %w", n.Line, raw.Name, err)
	}
	switch r := Resolve(raw.Resolve); r {
	case ResolveNone, ResolveADRP, ResolveBranch:
	default:
		return fmt.Errorf("line %d: signature %q: unknown resolve %q", n.Line, raw.Name, r)
	}

	*s = Signature{
		Name:     raw.Name,
		Pattern:  p,
		Required: raw.Required,
		Offset:   raw.Offset,
		Resolve:  Resolve(raw.Resolve),
		Line:     n.Line,
	}
	return nil
}

// Parse decodes a database. Unknown fields, duplicate names and invalid
// patterns are errors.
func Parse(data []byte) (*DB, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var db DB
	if err := dec.Decode(&db); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty signature database")
		}
		return nil, err
	}
	if len(db.Signatures) == 0 {
		return nil, fmt.Errorf("no signatures")
	}

	seen := make(map[string]int, len(db.Signatures))
	for _, s := range db.Signatures {
		if line, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("line %d: signature %q already defined on line %d", s.Line, s.Name, line)
		}
		seen[s.Name] = s.Line
	}
	return &db, nil
}

// Load reads and parses the database at path.
func Load(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	db, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// Lookup returns the signature called name.
func (db *DB) Lookup(name string) (Signature, bool) {
	for _, s := range db.Signatures {
		if s.Name == name {
			return s, true
		}
	}
	return Signature{}, false
}
