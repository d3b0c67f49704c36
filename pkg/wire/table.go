package wire

// PlayActions in firmware order. Replies encode the action as its
// zero-based index in this list.
var PlayActions = []string{"PLAY", "STOP", "PAUSE", "NEXT", "PREV", "TOGGL", "MUTE", "UNMUTE"}

// PowerStates: "00" wake, "02" sleep.
var PowerStates = []string{"00", "02"}

// DefaultTable returns the command table of current Airzound firmwares.
// New commands are additive rows, the engine never looks at opcodes
// outside this table.
func DefaultTable() *Table {
	return NewTable([]*Command{
		{
			Name: "notify_ack",
			Set:  2,
		},
		{
			// registers the controller as command and notification
			// sink, doubles as the session keepalive
			Name: "hello",
			Set:  3,
			Fields: []Field{
				{Name: "addr", Type: FieldString},
				{Name: "port", Type: FieldUint16},
				{Name: "token", Type: FieldString, Max: 64},
			},
		},
		{
			Name:   "power_mode",
			Fetch:  14,
			Notify: 14,
			Fields: []Field{{Name: "mode", Type: FieldString}},
		},
		{
			Name:   "power",
			Fetch:  15,
			Set:    15,
			Notify: 15,
			Fields: []Field{{Name: "state", Type: FieldEnum, Enum: PowerStates}},
		},
		{
			Name:   "play_control",
			Fetch:  51,
			Set:    40,
			Notify: 51,
			Fields: []Field{{Name: "action", Type: FieldEnum, Enum: PlayActions}},
		},
		{
			Name:   "volume",
			Fetch:  64,
			Set:    64,
			Notify: 64,
			Fields: []Field{{Name: "level", Type: FieldUint8, Max: 100}},
		},
		{
			Name:   "firmware",
			Fetch:  65,
			Set:    65,
			Notify: 65,
			Fields: []Field{{Name: "version", Type: FieldString}},
		},
		{
			Name:   "name",
			Fetch:  90,
			Set:    90,
			Fields: []Field{{Name: "name", Type: FieldString, Max: 64}},
		},
		{
			Name:   "source",
			Fetch:  275,
			Set:    276,
			Notify: 275,
			Fields: []Field{{Name: "source", Type: FieldString, Max: 32}},
		},
		{
			Name:   "play_info",
			Fetch:  278,
			Set:    277,
			Notify: 278,
			Fields: []Field{{Name: "info", Type: FieldJSON}},
		},
		{
			Name:   "equalizer",
			Fetch:  279,
			Set:    280,
			Notify: 279,
			Fields: []Field{{Name: "preset", Type: FieldString, Max: 32}},
		},
		{
			Name:   "capabilities",
			Fetch:  281,
			Fields: []Field{{Name: "caps", Type: FieldJSON}},
		},
	})
}
