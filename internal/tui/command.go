package tui

import (
	"fmt"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument, or "".
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// commandAliases maps short forms to command names.
var commandAliases = map[string]string{
	"o": "open",
	"n": "new",
	"c": "call",
	"q": "quit",
	"h": "help",
}

// commandArity is the minimum argument count of each known command.
var commandArity = map[string]int{
	"open":       1,
	"new":        1,
	"call":       1,
	"image":      1,
	"audio":      1,
	"close":      0,
	"read":       0,
	"connect":    0,
	"disconnect": 0,
	"logout":     0,
	"help":       0,
	"quit":       0,
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) (Command, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	name := strings.ToLower(fields[0])
	if full, ok := commandAliases[name]; ok {
		name = full
	}
	arity, ok := commandArity[name]
	if !ok {
		return Command{}, fmt.Errorf("unknown command %q", name)
	}
	cmd := Command{Name: name, Args: fields[1:]}
	if len(cmd.Args) < arity {
		return Command{}, fmt.Errorf(":%s needs %d argument(s)", name, arity)
	}
	return cmd, nil
}
