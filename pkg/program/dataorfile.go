package program

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/carthing-tools/flashthing/pkg/archive"
)

// DataOrFile is either an inline byte array or a reference to a file inside
// the archive, resolved relative to the archive root.
type DataOrFile struct {
	inline   []byte
	isInline bool
	FilePath string
	Encoding string
}

// InlineData wraps already-resolved bytes as a DataOrFile, for steps the
// executor synthesizes itself (e.g. the bl2Boot it prepends) rather than
// parses from a manifest.
func InlineData(b []byte) DataOrFile {
	return DataOrFile{inline: b, isInline: true}
}

func (d *DataOrFile) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []byte
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return fmt.Errorf("inline data: %w", err)
		}
		d.inline = raw
		d.isInline = true
		return nil
	}

	var obj struct {
		FilePath string  `json:"filePath"`
		Encoding *string `json:"encoding"`
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("file reference: %w", err)
	}
	d.FilePath = obj.FilePath
	if obj.Encoding != nil {
		if *obj.Encoding != "utf-8" {
			return fmt.Errorf("file reference: unsupported encoding %q", *obj.Encoding)
		}
		d.Encoding = *obj.Encoding
	}
	return nil
}

// Resolve returns the referenced bytes, reading from a if this is a file
// reference. Every DataOrFile resolvable at parse time must resolve again
// here during execution (spec.md §3 invariant) - the archive stays open for
// the full flash to make that possible.
func (d *DataOrFile) Resolve(a archive.Archive) ([]byte, error) {
	if d.isInline {
		return d.inline, nil
	}
	return a.ReadFile(d.FilePath)
}

// StringOrFile is either an inline string or a file reference whose
// contents are interpreted as text.
type StringOrFile struct {
	inline   string
	isInline bool
	FilePath string
	Encoding string
}

func (s *StringOrFile) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return fmt.Errorf("inline string: %w", err)
		}
		s.inline = str
		s.isInline = true
		return nil
	}

	var obj struct {
		FilePath string  `json:"filePath"`
		Encoding *string `json:"encoding"`
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("file reference: %w", err)
	}
	s.FilePath = obj.FilePath
	if obj.Encoding != nil {
		if *obj.Encoding != "utf-8" {
			return fmt.Errorf("file reference: unsupported encoding %q", *obj.Encoding)
		}
		s.Encoding = *obj.Encoding
	}
	return nil
}

func (s *StringOrFile) Resolve(a archive.Archive) (string, error) {
	if s.isInline {
		return s.inline, nil
	}
	data, err := a.ReadFile(s.FilePath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
