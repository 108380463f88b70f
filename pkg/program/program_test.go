package program

import (
	"encoding/json"
	"testing"

	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

const sampleManifest = `{
	"name": "test",
	"version": "1.0.0",
	"description": "a kitchen-sink manifest",
	"metadataVersion": 1,
	"variables": {"count": 3},
	"steps": [
		{"type": "log", "value": "hello"},
		{"type": "bulkcmd", "value": "reset"},
		{"type": "run", "value": {"address": 305419896, "keepPower": true}},
		{"type": "writeSimpleMemory", "value": {"address": "0xd9000000", "data": [170, 187]}},
		{"type": "wait", "value": {"type": "time", "time": 100}},
		{"type": "restorePartition", "value": {"name": "bootloader", "data": {"filePath": "bootloader.img"}}}
	]
}`

// Property 1: parses a kitchen-sink manifest, checks representative field
// values, and checks that parsing the same bytes twice yields equal Programs
// (compared through json.Marshal of the parsed form). The package has no
// serializer back to manifest JSON, so this is not a parse -> serialize ->
// parse round trip.
func TestSchemaRoundTrip(t *testing.T) {
	p1, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(p1.Steps) != 6 {
		t.Fatalf("got %d steps, want 6", len(p1.Steps))
	}
	if p1.Steps[2].Run.Address != 305419896 || !p1.Steps[2].Run.KeepPower {
		t.Fatalf("run step: %+v", p1.Steps[2].Run)
	}
	if p1.Steps[3].WriteSimpleMemory.Address != 0xd9000000 {
		t.Fatalf("writeSimpleMemory address = %#x, want %#x", p1.Steps[3].WriteSimpleMemory.Address, 0xd9000000)
	}
	if p1.Variables["count"] != 3 {
		t.Fatalf("variables[count] = %d, want 3", p1.Variables["count"])
	}

	// Parsing the same bytes again must produce an equal Program.
	p2, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse (second): %v", err)
	}
	b1, _ := json.Marshal(p1)
	b2, _ := json.Marshal(p2)
	if string(b1) != string(b2) {
		t.Fatalf("parse is not deterministic:\n%s\nvs\n%s", b1, b2)
	}
}

// Property 2: a manifest containing an unknown step type fails ManifestError
// whose pointer is /steps/<i>/type.
func TestUnknownTagRejection(t *testing.T) {
	manifest := `{
		"name": "t", "version": "1", "description": "", "metadataVersion": 1,
		"steps": [
			{"type": "log", "value": "fine"},
			{"type": "futureStep", "value": {}}
		]
	}`

	_, err := Parse([]byte(manifest))
	if err == nil {
		t.Fatal("expected a ManifestError")
	}
	var fe *flasherr.Error
	if fe, _ = err.(*flasherr.Error); fe == nil {
		t.Fatalf("got %v, want *flasherr.Error", err)
	}
	if fe.Kind != flasherr.KindManifestError {
		t.Fatalf("kind = %s, want %s", fe.Kind, flasherr.KindManifestError)
	}
	if want := "/steps/1/type"; fe.Detail == "" || !containsPointer(fe.Detail, want) {
		t.Fatalf("detail = %q, want it to reference pointer %q", fe.Detail, want)
	}
}

func containsPointer(detail, pointer string) bool {
	return len(detail) >= len(pointer) && detail[:len(pointer)] == pointer
}

func TestUnsupportedButParseableTags(t *testing.T) {
	manifest := `{
		"name": "t", "version": "1", "description": "", "metadataVersion": 1,
		"steps": [
			{"type": "identify", "value": null},
			{"type": "wait", "value": {"type": "userInput", "message": "press the button"}}
		]
	}`

	p, err := Parse([]byte(manifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// identify is parse-accepted but Supported() must report false so the
	// executor rejects it on encounter.
	if p.Steps[0].Kind.Supported() {
		t.Fatalf("identify.Supported() = true, want false")
	}
	if p.Steps[1].Wait.Type != "userInput" {
		t.Fatalf("wait type = %q, want userInput", p.Steps[1].Wait.Type)
	}
}

func TestRejectsUnsupportedMetadataVersion(t *testing.T) {
	manifest := `{"name":"t","version":"1","description":"","metadataVersion":2,"steps":[]}`
	_, err := Parse([]byte(manifest))
	if err == nil {
		t.Fatal("expected a ManifestError for an unsupported metadataVersion")
	}
}

func TestRejectsUnknownTopLevelField(t *testing.T) {
	manifest := `{"name":"t","version":"1","description":"","metadataVersion":1,"steps":[],"bogus":true}`
	_, err := Parse([]byte(manifest))
	if err == nil {
		t.Fatal("expected a ManifestError for an unknown top-level field")
	}
}

func TestRestorePartitionRejectsUnknownPartitionName(t *testing.T) {
	manifest := `{
		"name": "t", "version": "1", "description": "", "metadataVersion": 1,
		"steps": [
			{"type": "restorePartition", "value": {"name": "not_a_real_partition", "data": [1]}}
		]
	}`
	_, err := Parse([]byte(manifest))
	if err == nil {
		t.Fatal("expected a ManifestError for an unknown partition name")
	}
}
