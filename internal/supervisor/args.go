package supervisor

import "strings"

// StartOptions selects what the agent does when launched.
type StartOptions struct {
	// Prompt is sent with -p when non-empty.
	Prompt string
	// ResumeSessionID resumes a specific conversation. It wins over Continue.
	ResumeSessionID string
	// Continue resumes the most recent conversation in the work dir.
	Continue bool
}

// BuildArgs assembles the agent argument vector:
//
//	--output-format stream-json [--resume <id> | --continue] [extra...] [-p <prompt>]
func BuildArgs(opts StartOptions, extra ...string) []string {
	args := []string{"--output-format", "stream-json"}

	switch {
	case opts.ResumeSessionID != "":
		args = append(args, "--resume", opts.ResumeSessionID)
	case opts.Continue:
		args = append(args, "--continue")
	}

	args = append(args, extra...)

	if opts.Prompt != "" {
		args = append(args, "-p", opts.Prompt)
	}
	return args
}

// shellQuote returns s quoted for a POSIX shell. Strings made only of safe
// characters pass through; everything else is single-quoted with embedded
// single quotes written as '\''.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}();<>&|#~=%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellCommand joins name and args into one shell command line.
func shellCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}
