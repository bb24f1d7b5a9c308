package usecase

import "strings"

type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandReset
	CommandShowAdvisors
	CommandSetAdvisors
)

// Command is a control instruction typed in place of free-text input. It is
// evaluated before any prompt round is built.
type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand recognizes "/reset", "/advisors" and "/advisors <names>".
// Anything else is CommandNone.
func ParseCommand(detail string) Command {
	text := strings.TrimSpace(detail)
	if !strings.HasPrefix(text, "/") {
		return Command{Kind: CommandNone}
	}
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "/reset":
		if arg == "" {
			return Command{Kind: CommandReset}
		}
	case "/advisors":
		if arg == "" {
			return Command{Kind: CommandShowAdvisors}
		}
		return Command{Kind: CommandSetAdvisors, Arg: arg}
	}
	return Command{Kind: CommandNone}
}
