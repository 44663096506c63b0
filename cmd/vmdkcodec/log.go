package main

import (
	"fmt"

	"github.com/fatih/color"
)

// cliLogger is the command line's vmdk.DiagLogger: debug lines are
// suppressed unless --debug is set, errors are always shown in red.
type cliLogger struct {
	debug bool
}

func (l *cliLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	fmt.Println(color.CyanString(format, args...))
}

func (l *cliLogger) Errorf(format string, args ...interface{}) {
	fmt.Println(color.RedString(format, args...))
}
