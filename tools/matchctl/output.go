package main

import (
	"encoding/json"
	"io"

	"github.com/fatih/color"
)

var (
	headerText = color.New(color.FgCyan, color.Bold).SprintFunc()
	okText     = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnText   = color.New(color.FgYellow).SprintFunc()
	errorText  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimText    = color.New(color.Faint).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
