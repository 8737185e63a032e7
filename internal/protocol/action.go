// ABOUTME: The closed set of message actions and their string and numeric forms.
// ABOUTME: Unknown names or numbers decode to ActionUnknown instead of failing.

package protocol

// Action names what a message asks the receiver to do. The numeric values
// are the binary wire tags and must never be renumbered.
type Action uint8

const (
	ActionUnknown Action = 0

	// Server to agent. Ping also flows agent to server as the heartbeat.
	ActionPing        Action = 1
	ActionAssignWork  Action = 2
	ActionCancelBuild Action = 3
	ActionSetCookie   Action = 4
	ActionReregister  Action = 5

	// Agent to server.
	ActionReportCurrentStatus Action = 6
	ActionReportCompleting    Action = 7
	ActionReportCompleted     Action = 8
	ActionConsoleOut          Action = 9

	maxAction = ActionConsoleOut
)

var actionNames = [...]string{
	ActionUnknown:             "unknownAction",
	ActionPing:                "ping",
	ActionAssignWork:          "assignWork",
	ActionCancelBuild:         "cancelBuild",
	ActionSetCookie:           "setCookie",
	ActionReregister:          "reregister",
	ActionReportCurrentStatus: "reportCurrentStatus",
	ActionReportCompleting:    "reportCompleting",
	ActionReportCompleted:     "reportCompleted",
	ActionConsoleOut:          "consoleOut",
}

// String returns the wire name.
func (a Action) String() string {
	if a > maxAction {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// ParseAction maps a wire name to an Action. Unrecognised names give ActionUnknown.
func ParseAction(s string) Action {
	for i, name := range actionNames {
		if name == s {
			return Action(i)
		}
	}
	return ActionUnknown
}

// actionFromWire maps a binary tag to an Action.
func actionFromWire(v uint64) Action {
	if v > uint64(maxAction) {
		return ActionUnknown
	}
	return Action(v)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It never fails.
func (a *Action) UnmarshalText(b []byte) error {
	*a = ParseAction(string(b))
	return nil
}
