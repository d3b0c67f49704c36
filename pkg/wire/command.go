package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type FieldType byte

const (
	FieldString FieldType = iota
	FieldUint8
	FieldUint16
	FieldEnum
	FieldJSON
)

// Field describes one payload position of a command. Max bounds the
// string length for FieldString and the numeric value for FieldUint8
// and FieldUint16 (zero means the type's natural bound).
type Field struct {
	Name string
	Type FieldType
	Max  int
	Enum []string
}

// Command is one row of the device command table. Opcode zero means
// the direction is not supported by the firmware.
type Command struct {
	Name   string
	Fetch  uint16
	Set    uint16
	Notify uint16
	Fields []Field
}

type Fields []any

var (
	ErrUnknownCommand = errors.New("wire: unknown command")
	ErrBadField       = errors.New("wire: bad field")
)

// Table resolves command names and opcodes. It is immutable after
// NewTable and safe for concurrent use.
type Table struct {
	byName   map[string]*Command
	byFetch  map[uint16]*Command
	bySet    map[uint16]*Command
	byNotify map[uint16]*Command
}

func NewTable(cmds []*Command) *Table {
	t := &Table{
		byName:   make(map[string]*Command, len(cmds)),
		byFetch:  make(map[uint16]*Command, len(cmds)),
		bySet:    make(map[uint16]*Command, len(cmds)),
		byNotify: make(map[uint16]*Command, len(cmds)),
	}
	for _, cmd := range cmds {
		t.byName[cmd.Name] = cmd
		if cmd.Fetch != 0 {
			t.byFetch[cmd.Fetch] = cmd
		}
		if cmd.Set != 0 {
			t.bySet[cmd.Set] = cmd
		}
		if cmd.Notify != 0 {
			t.byNotify[cmd.Notify] = cmd
		}
	}
	return t
}

func (t *Table) Get(name string) *Command {
	return t.byName[name]
}

func (t *Table) ByNotify(opcode uint16) *Command {
	return t.byNotify[opcode]
}

// ByReply resolves a response opcode. The device replies to a fetch
// with the fetch opcode and to a set with the set opcode.
func (t *Table) ByReply(opcode uint16) *Command {
	if cmd := t.byFetch[opcode]; cmd != nil {
		return cmd
	}
	return t.bySet[opcode]
}

// Request encodes a command call into a frame. No args and a fetch
// opcode means a fetch request, otherwise the args are encoded as a
// set request against the command's field layout. The correlation id
// is left zero for the caller to assign.
func (t *Table) Request(name string, args ...any) (*Frame, error) {
	cmd := t.byName[name]
	if cmd == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	f := &Frame{Kind: KindRequest}

	if len(args) == 0 && cmd.Fetch != 0 {
		f.Type = TypeFetch
		f.Opcode = cmd.Fetch
		return f, nil
	}

	if cmd.Set == 0 {
		return nil, fmt.Errorf("wire: command %q has no set opcode", name)
	}

	payload, err := encodeFields(cmd, args)
	if err != nil {
		return nil, err
	}

	f.Type = TypeSet
	f.Opcode = cmd.Set
	f.Payload = payload
	return f, nil
}

// Decode resolves a frame against the table and decodes its payload
// into typed fields per the command's layout.
func (t *Table) Decode(f *Frame) (*Command, Fields, error) {
	var cmd *Command

	switch f.Kind {
	case KindNotify:
		cmd = t.byNotify[f.Opcode]
	case KindResponse:
		cmd = t.ByReply(f.Opcode)
	case KindRequest:
		if f.Type == TypeFetch {
			cmd = t.byFetch[f.Opcode]
		} else {
			cmd = t.bySet[f.Opcode]
		}
	}

	if cmd == nil {
		return nil, nil, fmt.Errorf("%w: opcode %d", ErrUnknownCommand, f.Opcode)
	}

	if len(f.Payload) == 0 || len(cmd.Fields) == 0 {
		return cmd, nil, nil
	}

	fields, err := decodeFields(cmd, f.Payload)
	return cmd, fields, err
}

func encodeFields(cmd *Command, args []any) ([]byte, error) {
	if len(args) != len(cmd.Fields) {
		return nil, fmt.Errorf("%w: %s wants %d fields, got %d", ErrBadField, cmd.Name, len(cmd.Fields), len(args))
	}

	parts := make([][]byte, len(args))
	for i, arg := range args {
		b, err := encodeField(cmd.Name, &cmd.Fields[i], arg)
		if err != nil {
			return nil, err
		}
		parts[i] = b
	}

	return bytes.Join(parts, []byte{','}), nil
}

func encodeField(cmd string, fd *Field, arg any) ([]byte, error) {
	switch fd.Type {
	case FieldString:
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s wants string, got %T", ErrBadField, cmd, fd.Name, arg)
		}
		if fd.Max > 0 && len(s) > fd.Max {
			return nil, fmt.Errorf("%w: %s.%s longer than %d bytes", ErrBadField, cmd, fd.Name, fd.Max)
		}
		return []byte(s), nil

	case FieldUint8, FieldUint16:
		n, ok := toInt(arg)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s wants integer, got %T", ErrBadField, cmd, fd.Name, arg)
		}
		max := fd.Max
		if max == 0 {
			if fd.Type == FieldUint8 {
				max = 255
			} else {
				max = 65535
			}
		}
		if n < 0 || n > max {
			return nil, fmt.Errorf("%w: %s.%s out of range 0..%d", ErrBadField, cmd, fd.Name, max)
		}
		return strconv.AppendInt(nil, int64(n), 10), nil

	case FieldEnum:
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s wants string, got %T", ErrBadField, cmd, fd.Name, arg)
		}
		for _, v := range fd.Enum {
			if v == s {
				return []byte(s), nil
			}
		}
		return nil, fmt.Errorf("%w: %s.%s invalid value %q", ErrBadField, cmd, fd.Name, s)

	case FieldJSON:
		var b []byte
		switch v := arg.(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		case json.RawMessage:
			b = v
		default:
			var err error
			if b, err = json.Marshal(v); err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %s", ErrBadField, cmd, fd.Name, err)
			}
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: %s.%s is not valid JSON", ErrBadField, cmd, fd.Name)
		}
		return b, nil
	}

	return nil, fmt.Errorf("%w: %s.%s has unknown type", ErrBadField, cmd, fd.Name)
}

func decodeFields(cmd *Command, payload []byte) (Fields, error) {
	parts := strings.SplitN(string(payload), ",", len(cmd.Fields))
	if len(parts) != len(cmd.Fields) {
		return nil, fmt.Errorf("%w: %s wants %d fields, got %d", ErrBadField, cmd.Name, len(cmd.Fields), len(parts))
	}

	out := make(Fields, len(parts))
	for i, s := range parts {
		v, err := decodeField(cmd.Name, &cmd.Fields[i], s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}

	return out, nil
}

func decodeField(cmd string, fd *Field, s string) (any, error) {
	switch fd.Type {
	case FieldString:
		return s, nil

	case FieldUint8, FieldUint16:
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s is not a number: %q", ErrBadField, cmd, fd.Name, s)
		}
		return n, nil

	case FieldEnum:
		for _, v := range fd.Enum {
			if v == s {
				return s, nil
			}
		}
		// replies carry the zero-based index of the value as an
		// ASCII digit instead of the word itself
		if idx, err := strconv.Atoi(s); err == nil && idx >= 0 && idx < len(fd.Enum) {
			return fd.Enum[idx], nil
		}
		return nil, fmt.Errorf("%w: %s.%s invalid value %q", ErrBadField, cmd, fd.Name, s)

	case FieldJSON:
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%w: %s.%s is not valid JSON", ErrBadField, cmd, fd.Name)
		}
		return s, nil
	}

	return nil, fmt.Errorf("%w: %s.%s has unknown type", ErrBadField, cmd, fd.Name)
}

func toInt(arg any) (int, bool) {
	switch v := arg.(type) {
	case int:
		return v, true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		// numbers decoded from JSON bodies arrive as float64
		if n := int(v); float64(n) == v {
			return n, true
		}
	}
	return 0, false
}
