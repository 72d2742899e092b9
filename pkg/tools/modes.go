package tools

import (
	"encoding/json"
	"fmt"
)

// Mode gates write-class tool actions per request.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModePlan   Mode = "plan"
	ModeRead   Mode = "read"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModePlan, ModeRead:
		return Mode(s), nil
	case "":
		return ModeNormal, nil
	default:
		return "", fmt.Errorf("unknown operation mode '%s'", s)
	}
}

// readOnlyTable classifies actions per tool. A tool absent from the table is
// treated as write-class unless listed in readOnlyTools.
var readOnlyTable = map[string]map[string]bool{
	"file": {
		"read":   true,
		"list":   true,
		"stat":   true,
		"search": true,
	},
	"git": {
		"status": true,
		"log":    true,
		"diff":   true,
	},
	"browser": {
		"navigate":   true,
		"read_page":  true,
		"screenshot": true,
	},
}

// readOnlyTools are read-class regardless of arguments.
var readOnlyTools = map[string]bool{
	"read_file":      true,
	"grep_search":    true,
	"web_search":     true,
	"screen_capture": true,
}

// IsReadOnly reports whether a call is read-class under the closed tables.
func IsReadOnly(toolName string, arguments map[string]interface{}) bool {
	if readOnlyTools[toolName] {
		return true
	}
	actions, ok := readOnlyTable[toolName]
	if !ok {
		return false
	}
	action, _ := arguments["action"].(string)
	return actions[action]
}

// ModeVerdict is the operation-mode gate's outcome.
type ModeVerdict int

const (
	ModeProceed ModeVerdict = iota
	ModePlanned
	ModeBlocked
)

// GateMode applies the operation-mode gate to one call. For plan mode the
// returned content is the synthetic success result.
func GateMode(mode Mode, toolName string, arguments map[string]interface{}) (ModeVerdict, string) {
	if mode == ModeNormal || IsReadOnly(toolName, arguments) {
		return ModeProceed, ""
	}

	switch mode {
	case ModePlan:
		return ModePlanned, fmt.Sprintf("[PLANNED] Would execute: %s(%s)", toolName, argsPrefix(arguments))
	case ModeRead:
		return ModeBlocked, "Blocked in READ mode"
	}
	return ModeProceed, ""
}

func argsPrefix(arguments map[string]interface{}) string {
	raw, err := json.Marshal(arguments)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > 80 {
		s = s[:80] + "…"
	}
	return s
}
