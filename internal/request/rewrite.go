package request

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Rewriter maps custom request paths onto filter-chain paths before they are
// parsed. It is built once at startup from the configured pattern.
type Rewriter struct {
	pattern  *regexp.Regexp
	literal  string
	template string
	global   bool
}

// NewRewriter builds a rewriter from a match pattern and a substitution. A
// pattern written as /expr/flags is a regular expression; anything else is
// matched literally. It returns nil when either value is empty.
func NewRewriter(match, substitution string) (*Rewriter, error) {
	if match == "" || substitution == "" {
		return nil, nil
	}

	expr, flags, ok := splitPatternLiteral(match)
	if !ok {
		return &Rewriter{literal: match, template: substitution}, nil
	}

	var inline strings.Builder
	global := false
	for _, f := range flags {
		switch f {
		case 'g':
			global = true
		case 'i', 'm', 's':
			inline.WriteRune(f)
		}
	}
	if inline.Len() > 0 {
		expr = "(?" + inline.String() + ")" + expr
	}

	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile rewrite pattern %q: %w", match, err)
	}
	return &Rewriter{
		pattern:  pattern,
		template: expandTemplate(substitution, pattern.NumSubexp()),
		global:   global,
	}, nil
}

// Rewrite applies the substitution to path.
func (r *Rewriter) Rewrite(path string) string {
	if r.pattern == nil {
		return strings.Replace(path, r.literal, r.template, 1)
	}
	if r.global {
		return r.pattern.ReplaceAllString(path, r.template)
	}

	loc := r.pattern.FindStringSubmatchIndex(path)
	if loc == nil {
		return path
	}
	out := r.pattern.ExpandString(nil, r.template, path, loc)
	return path[:loc[0]] + string(out) + path[loc[1]:]
}

func splitPatternLiteral(s string) (expr, flags string, ok bool) {
	if len(s) < 2 || s[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(s, '/')
	if end == 0 {
		return "", "", false
	}
	flags = s[end+1:]
	if strings.Trim(flags, "gimsuy") != "" {
		return "", "", false
	}
	return s[1:end], flags, true
}

// expandTemplate converts $1, $& and $<name> references into the braced
// form regexp.Expand reads, escaping every other dollar sign. A numbered
// reference takes two digits only when that many groups exist.
func expandTemplate(substitution string, groups int) string {
	var b strings.Builder
	for i := 0; i < len(substitution); i++ {
		c := substitution[i]
		if c != '$' || i+1 == len(substitution) {
			if c == '$' {
				b.WriteString("$$")
			} else {
				b.WriteByte(c)
			}
			continue
		}

		next := substitution[i+1]
		switch {
		case next == '$':
			b.WriteString("$$")
			i++
		case next == '&':
			b.WriteString("${0}")
			i++
		case isDigit(next):
			ref, width := groupReference(substitution[i+1:], groups)
			if width == 0 {
				b.WriteString("$$")
				continue
			}
			b.WriteString("${" + strconv.Itoa(ref) + "}")
			i += width
		case next == '<':
			if end := strings.IndexByte(substitution[i+2:], '>'); end >= 0 {
				b.WriteString("${" + substitution[i+2:i+2+end] + "}")
				i += 2 + end
				continue
			}
			b.WriteString("$$")
		default:
			b.WriteString("$$")
		}
	}
	return b.String()
}

// groupReference reads the group number at the start of s, preferring two
// digits. width is 0 when neither reading names an existing group.
func groupReference(s string, groups int) (ref, width int) {
	if len(s) >= 2 && isDigit(s[1]) {
		if n := int(s[0]-'0')*10 + int(s[1]-'0'); n >= 1 && n <= groups {
			return n, 2
		}
	}
	if n := int(s[0] - '0'); n >= 1 && n <= groups {
		return n, 1
	}
	return 0, 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
