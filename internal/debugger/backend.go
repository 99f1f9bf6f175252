package debugger

import (
	"fmt"
	"regexp"
	"strings"
)

// sanitizerEnv is injected into the debuggee's environment: leak detection
// is disabled because it conflicts with ptrace, and abort_on_error makes the
// process stop at the faulting instruction instead of simply exiting.
const sanitizerEnv = "ASAN_OPTIONS=detect_leaks=0:abort_on_error=1:symbolize=1"

// backend holds the full per-debugger configuration: spawn arguments, the
// prompt regex used as the protocol's response delimiter, and the command
// vocabulary for run arguments and path substitution. Adding a backend means
// adding one entry here, not another conditional in the session.
type backend struct {
	name      string
	prompt    *regexp.Regexp
	argv      func(program string) []string
	setArgs   func(args []string) string
	sourceMap func(remote, local string) string
}

var backends = map[string]backend{
	"gdb": {
		name:   "gdb",
		prompt: regexp.MustCompile(`\(gdb\)\s*$`),
		argv: func(program string) []string {
			return []string{
				"-q",
				"-ex", "set confirm off",
				"-ex", "set style enabled off",
				"-ex", "set env " + sanitizerEnv,
				program,
			}
		},
		setArgs: func(args []string) string {
			return "set args " + strings.Join(args, " ")
		},
		sourceMap: func(remote, local string) string {
			return fmt.Sprintf("set substitute-path %s %s", remote, local)
		},
	},
	"lldb": {
		name:   "lldb",
		prompt: regexp.MustCompile(`\(lldb\)\s*$`),
		argv: func(program string) []string {
			return []string{
				"-X",
				"-o", "settings set auto-confirm true",
				"-o", "settings set target.env-vars " + sanitizerEnv,
				program,
			}
		},
		setArgs: func(args []string) string {
			return "settings set target.run-args " + strings.Join(args, " ")
		},
		sourceMap: func(remote, local string) string {
			return fmt.Sprintf("settings set target.source-map %s %s", remote, local)
		},
	},
}

// detection order: gdb first, lldb as the alternate
var backendOrder = []string{"gdb", "lldb"}

func detectBackend(lookPath func(string) (string, error)) (backend, string, error) {
	for _, name := range backendOrder {
		if path, err := lookPath(name); err == nil {
			return backends[name], path, nil
		}
	}
	return backend{}, "", fmt.Errorf("no debugger available, install gdb or lldb")
}
