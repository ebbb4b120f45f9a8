// Package shellquote renders external command lines for logs.
package shellquote

import (
	"slices"
	"strings"
)

const redacted = "[redacted]"

// shellEscapeDQ returns a bash/zsh-safe argument using double quotes when needed.
// In double quotes, these must be escaped: \ " $ `.
func shellEscapeDQ(s string) string { //nolint:varnamelen
	if s == "" {
		return `""`
	}

	const safe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

	if strings.Trim(s, safe) == "" {
		return s
	}

	var b strings.Builder //nolint:varnamelen
	b.WriteByte('"')

	for _, r := range s {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}

	b.WriteByte('"')

	return b.String()
}

// Join constructs a shell-pasteable command line from bin and args.
func Join(bin string, args []string) string {
	return JoinRedacted(bin, args)
}

// JoinRedacted is Join with the value following any of the sensitive flags replaced.
func JoinRedacted(bin string, args []string, sensitive ...string) string {
	var cmdLine strings.Builder

	cmdLine.WriteString(shellEscapeDQ(bin))

	hide := false

	for _, arg := range args {
		cmdLine.WriteByte(' ')

		if hide {
			cmdLine.WriteString(redacted)

			hide = false

			continue
		}

		cmdLine.WriteString(shellEscapeDQ(arg))

		hide = slices.Contains(sensitive, arg)
	}

	return cmdLine.String()
}
