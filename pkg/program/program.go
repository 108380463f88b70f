// Package program parses and validates the JSON flashing program, resolves
// its step payloads against an archive, and synthesizes stock/unbrick
// programs when no manifest is present.
package program

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

// SupportedMetaVersion is the only metadataVersion this implementation
// accepts.
const SupportedMetaVersion = 1

// Program is an ordered, immutable-after-parse sequence of Steps plus the
// metadata header and variable table spec.md §3 describes.
type Program struct {
	Name            string
	Version         string
	Description     string
	MetadataVersion int
	Variables       Variables
	Steps           []Step

	// Unbrick marks a program synthesized by Unbrick: the executor reopens
	// the transport after the leading "reset" bulkcmd instead of trusting
	// the stage detected at open time, since the reset forces a fresh
	// MaskRom re-enumeration this program's prefix steps are counting on.
	Unbrick bool
}

type rawProgram struct {
	Schema          string            `json:"$schema"`
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Steps           []json.RawMessage `json:"steps"`
	Variables       map[string]int    `json:"variables"`
	MetadataVersion int               `json:"metadataVersion"`
}

// Parse parses a meta.json document. Unknown top-level keys and unknown
// step tags are rejected; metadataVersion must equal SupportedMetaVersion.
func Parse(data []byte) (*Program, error) {
	var raw rawProgram
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, flasherr.ManifestError("", err.Error())
	}

	if raw.MetadataVersion != SupportedMetaVersion {
		return nil, flasherr.ManifestError("/metadataVersion", fmt.Sprintf("unsupported metadataVersion %d, want %d", raw.MetadataVersion, SupportedMetaVersion))
	}

	steps := make([]Step, 0, len(raw.Steps))
	for i, rawStep := range raw.Steps {
		step, err := parseStep(fmt.Sprintf("/steps/%d", i), rawStep)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	return &Program{
		Name:            raw.Name,
		Version:         raw.Version,
		Description:     raw.Description,
		MetadataVersion: raw.MetadataVersion,
		Variables:       Variables(raw.Variables),
		Steps:           steps,
	}, nil
}
