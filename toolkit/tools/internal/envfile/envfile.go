// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Used to parse config files formatted like a Bash script file containing only variable assignments.
// For example: /etc/os-release and /etc/default/grub.

package envfile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/file"
)

var variableNameRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func ParseEnvFile(path string) (map[string]string, error) {
	content, err := file.Read(path)
	if err != nil {
		return nil, err
	}

	return ParseEnv(content)
}

func ParseEnv(content string) (map[string]string, error) {
	result := make(map[string]string)

	for i, rawLine := range strings.Split(content, "\n") {
		lineNum := i + 1

		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		line = strings.TrimPrefix(line, "export ")

		eqIndex := strings.Index(line, "=")
		if eqIndex < 0 {
			return nil, fmt.Errorf("env file line is not a variable assignment (%d)", lineNum)
		}

		name := line[:eqIndex]
		if !variableNameRegexp.MatchString(name) {
			return nil, fmt.Errorf("env file line has invalid variable name (%d): %s", lineNum, name)
		}

		value, err := parseValue(line[eqIndex+1:])
		if err != nil {
			return nil, fmt.Errorf("env file line has invalid value (%d):\n%w", lineNum, err)
		}

		result[name] = value
	}

	return result, nil
}

// parseValue handles the subset of shell quoting used by env files:
// bare words, single quoted strings, double quoted strings with backslash escapes
// and trailing comments.
func parseValue(raw string) (string, error) {
	builder := strings.Builder{}

	const (
		stateBare = iota
		stateSingle
		stateDouble
	)

	state := stateBare
	for i := 0; i < len(raw); i++ {
		c := raw[i]

		switch state {
		case stateBare:
			switch c {
			case '\'':
				state = stateSingle
			case '"':
				state = stateDouble
			case '\\':
				if i+1 < len(raw) {
					i++
					builder.WriteByte(raw[i])
				}
			case ' ', '\t':
				rest := strings.TrimSpace(raw[i:])
				if rest != "" && !strings.HasPrefix(rest, "#") {
					return "", fmt.Errorf("value has multiple words")
				}
				return builder.String(), nil
			case '$', '`':
				return "", fmt.Errorf("value contains an unsupported expansion")
			default:
				builder.WriteByte(c)
			}

		case stateSingle:
			if c == '\'' {
				state = stateBare
			} else {
				builder.WriteByte(c)
			}

		case stateDouble:
			switch c {
			case '"':
				state = stateBare
			case '\\':
				if i+1 < len(raw) && strings.IndexByte("\"\\$`", raw[i+1]) >= 0 {
					i++
					builder.WriteByte(raw[i])
				} else {
					builder.WriteByte(c)
				}
			case '$', '`':
				return "", fmt.Errorf("value contains an unsupported expansion")
			default:
				builder.WriteByte(c)
			}
		}
	}

	if state != stateBare {
		return "", fmt.Errorf("value has an unterminated quote")
	}

	return builder.String(), nil
}

// QuoteValue returns the value as a double quoted string that ParseEnv reads back unchanged.
func QuoteValue(value string) string {
	builder := strings.Builder{}
	builder.WriteByte('"')
	for i := 0; i < len(value); i++ {
		c := value[i]
		if strings.IndexByte("\"\\$`", c) >= 0 {
			builder.WriteByte('\\')
		}
		builder.WriteByte(c)
	}
	builder.WriteByte('"')
	return builder.String()
}
