package program

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/carthing-tools/flashthing/pkg/flasherr"
)

// Kind is the tag of a parsed Step.
type Kind string

const (
	KindBulkCmd           Kind = "bulkcmd"
	KindRun               Kind = "run"
	KindWriteSimpleMemory Kind = "writeSimpleMemory"
	KindWriteLargeMemory  Kind = "writeLargeMemory"
	KindWriteAMLCData     Kind = "writeAMLCData"
	KindBl2Boot           Kind = "bl2Boot"
	KindRestorePartition  Kind = "restorePartition"
	KindWriteEnv          Kind = "writeEnv"
	KindLog               Kind = "log"
	KindWait              Kind = "wait"

	// Unsupported-but-parseable: accepted by the parser for forward
	// compatibility of manifests, rejected by the executor on encounter.
	KindIdentify              Kind = "identify"
	KindBulkCmdStat           Kind = "bulkcmdStat"
	KindReadSimpleMemory      Kind = "readSimpleMemory"
	KindReadLargeMemory       Kind = "readLargeMemory"
	KindGetBootAMLC           Kind = "getBootAMLC"
	KindValidatePartitionSize Kind = "validatePartitionSize"
)

// Supported reports whether the executor implements this step kind.
func (k Kind) Supported() bool {
	switch k {
	case KindIdentify, KindBulkCmdStat, KindReadSimpleMemory, KindReadLargeMemory, KindGetBootAMLC, KindValidatePartitionSize:
		return false
	}
	return true
}

// Waits whose type is "userInput" are additionally rejected even though
// "wait" itself is a supported kind - only wait{type:"time"} executes.
const waitTypeUserInput = "userInput"
const waitTypeTime = "time"

type RunValue struct {
	Address   uint32
	KeepPower bool
}

type WriteSimpleMemoryValue struct {
	Address uint32
	Data    DataOrFile
}

type WriteLargeMemoryValue struct {
	Address     uint32
	Data        DataOrFile
	BlockLength uint32
	AppendZeros bool
}

type WriteAMLCDataValue struct {
	Seq        uint32
	AMLCOffset uint32
	Data       DataOrFile
}

type Bl2BootValue struct {
	BL2        DataOrFile
	Bootloader DataOrFile
}

type RestorePartitionValue struct {
	Name string
	Data DataOrFile
}

type WaitValue struct {
	Type string
	Time uint32
}

// Step is the tagged variant spec.md §3/§9 describes as the canonical sum
// type: dispatch over Kind, never open polymorphism, so that an
// unimplemented tag fails loudly instead of silently falling through.
type Step struct {
	Kind     Kind
	Variable string // only meaningful on unsupported read-style steps

	BulkCmd           string
	Run               RunValue
	WriteSimpleMemory WriteSimpleMemoryValue
	WriteLargeMemory  WriteLargeMemoryValue
	WriteAMLCData     WriteAMLCDataValue
	Bl2Boot           Bl2BootValue
	RestorePartition  RestorePartitionValue
	WriteEnv          StringOrFile
	Log               string
	Wait              WaitValue
}

// parseStep parses one element of the manifest's "steps" array. pointer is
// the JSON-pointer path to this element (e.g. "/steps/3"), used to locate
// schema violations per spec.md §7's ManifestError{pointer, detail}.
func parseStep(pointer string, raw json.RawMessage) (Step, error) {
	var envelope struct {
		Type     string          `json:"type"`
		Value    json.RawMessage `json:"value"`
		Variable *string         `json:"variable"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err != nil {
		return Step{}, flasherr.ManifestError(pointer, err.Error())
	}

	kind := Kind(envelope.Type)
	step := Step{Kind: kind}
	if envelope.Variable != nil {
		step.Variable = *envelope.Variable
	}

	typePointer := pointer + "/type"
	valuePointer := pointer + "/value"

	switch kind {
	case KindBulkCmd:
		if err := strictString(envelope.Value, &step.BulkCmd); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
	case KindLog:
		if err := strictString(envelope.Value, &step.Log); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
	case KindWriteEnv:
		if err := json.Unmarshal(envelope.Value, &step.WriteEnv); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
	case KindRun:
		fields, err := strictFields(envelope.Value, "address", "keepPower")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		addr, err := requireUint(fields, "address")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		step.Run = RunValue{Address: uint32(addr), KeepPower: optionalBool(fields, "keepPower")}
	case KindWriteSimpleMemory:
		fields, err := strictFields(envelope.Value, "address", "data")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		addr, err := requireUint(fields, "address")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		var data DataOrFile
		if err := json.Unmarshal(fields["data"], &data); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/data", err.Error())
		}
		step.WriteSimpleMemory = WriteSimpleMemoryValue{Address: uint32(addr), Data: data}
	case KindWriteLargeMemory:
		fields, err := strictFields(envelope.Value, "address", "data", "blockLength", "appendZeros")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		addr, err := requireUint(fields, "address")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		blockLen, err := requireUint(fields, "blockLength")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		var data DataOrFile
		if err := json.Unmarshal(fields["data"], &data); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/data", err.Error())
		}
		step.WriteLargeMemory = WriteLargeMemoryValue{
			Address:     uint32(addr),
			Data:        data,
			BlockLength: uint32(blockLen),
			AppendZeros: optionalBool(fields, "appendZeros"),
		}
	case KindWriteAMLCData:
		fields, err := strictFields(envelope.Value, "seq", "amlcOffset", "data")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		seq, err := requireUint(fields, "seq")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		offset, err := requireUint(fields, "amlcOffset")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		var data DataOrFile
		if err := json.Unmarshal(fields["data"], &data); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/data", err.Error())
		}
		step.WriteAMLCData = WriteAMLCDataValue{Seq: uint32(seq), AMLCOffset: uint32(offset), Data: data}
	case KindBl2Boot:
		fields, err := strictFields(envelope.Value, "bl2", "bootloader")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		var bl2, bootloader DataOrFile
		if err := json.Unmarshal(fields["bl2"], &bl2); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/bl2", err.Error())
		}
		if err := json.Unmarshal(fields["bootloader"], &bootloader); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/bootloader", err.Error())
		}
		step.Bl2Boot = Bl2BootValue{BL2: bl2, Bootloader: bootloader}
	case KindRestorePartition:
		fields, err := strictFields(envelope.Value, "name", "data")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		name, err := requireString(fields, "name")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		if _, ok := Partitions[name]; !ok {
			return Step{}, flasherr.ManifestError(valuePointer+"/name", fmt.Sprintf("unknown partition %q", name))
		}
		var data DataOrFile
		if err := json.Unmarshal(fields["data"], &data); err != nil {
			return Step{}, flasherr.ManifestError(valuePointer+"/data", err.Error())
		}
		step.RestorePartition = RestorePartitionValue{Name: name, Data: data}
	case KindWait:
		fields, err := strictFields(envelope.Value, "type", "time", "message")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		waitType, err := requireString(fields, "type")
		if err != nil {
			return Step{}, flasherr.ManifestError(valuePointer, err.Error())
		}
		wv := WaitValue{Type: waitType}
		if waitType == waitTypeTime {
			t, err := requireUint(fields, "time")
			if err != nil {
				return Step{}, flasherr.ManifestError(valuePointer, err.Error())
			}
			wv.Time = uint32(t)
		}
		step.Wait = wv
	case KindIdentify, KindBulkCmdStat, KindReadSimpleMemory, KindReadLargeMemory, KindGetBootAMLC, KindValidatePartitionSize:
		// Parse-accept, execute-reject: no further structural validation
		// beyond accepting whatever "value" payload is present.
	default:
		return Step{}, flasherr.ManifestError(typePointer, fmt.Sprintf("unknown step type %q", envelope.Type))
	}

	return step, nil
}

func strictFields(raw json.RawMessage, allowed ...string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for k := range m {
		if !allowedSet[k] {
			return nil, fmt.Errorf("unknown field %q", k)
		}
	}
	return m, nil
}

func strictString(raw json.RawMessage, out *string) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(out)
}

func requireString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing required field %q", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q: %w", key, err)
	}
	return s, nil
}

func optionalBool(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

// requireUint parses a numeric field that may be given as a JSON number, a
// decimal string, or a "0x"-prefixed hex string (spec.md §4.D).
func requireUint(fields map[string]json.RawMessage, key string) (uint64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			v, err := strconv.ParseUint(s[2:], 16, 64)
			if err != nil {
				return 0, fmt.Errorf("field %q: %w", key, err)
			}
			return v, nil
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return v, nil
	}

	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return uint64(f), nil
}
