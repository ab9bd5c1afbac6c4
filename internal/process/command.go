package process

import (
	"os/exec"
	"strings"
)

// BuildCommand constructs an *exec.Cmd for name and args. When args is empty
// and name is a full command line, it is split on whitespace, or handed to
// the platform shell when it contains shell metacharacters. An explicit
// "sh -c" prefix is honoured without wrapping in a second shell.
func BuildCommand(name string, args []string) *exec.Cmd {
	if len(args) > 0 {
		// #nosec G204
		return exec.Command(name, args...)
	}
	cmdStr := strings.TrimSpace(name)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
