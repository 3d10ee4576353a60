package tmux

import (
	"strings"

	"github.com/g960059/nomadflow/internal/model"
)

var idleShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"sh":   true,
	"fish": true,
	"dash": true,
	"ksh":  true,
	"tcsh": true,
	"csh":  true,
}

// ClassifyCommand maps a pane's foreground command to an activity. Login
// shells are reported with a leading '-' and are stripped first. An empty
// command is idle.
func ClassifyCommand(cmd string) model.Activity {
	name := strings.ToLower(strings.TrimSpace(cmd))
	name = strings.TrimPrefix(name, "-")
	if name == "" || idleShells[name] {
		return model.ActivityIdle
	}
	return model.ActivityBusy
}
