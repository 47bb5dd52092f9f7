package layer

import (
	"regexp"
	"strings"
)

// translateGlob turns a shell glob into an anchored regular expression:
//   - '*' matches any run (newlines included), '?' any single character
//   - "[seq]" and "[!seq]" are character classes; an unterminated '[' is literal
//   - everything else matches itself
func translateGlob(pat string) string {
	var b strings.Builder
	b.WriteString(`^(?s:`)

	runes := []rune(pat)
	n := len(runes)
	for i := 0; i < n; {
		c := runes[i]
		i++

		switch c {
		case '*':
			for i < n && runes[i] == '*' {
				i++
			}
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		case '[':
			j := i
			if j < n && runes[j] == '!' {
				j++
			}
			if j < n && runes[j] == ']' {
				j++
			}
			for j < n && runes[j] != ']' {
				j++
			}
			if j >= n {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(globClass(runes[i:j]))
			i = j + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString(`)$`)
	return b.String()
}

func globClass(set []rune) string {
	var b strings.Builder
	b.WriteByte('[')
	if len(set) > 0 && set[0] == '!' {
		b.WriteByte('^')
		set = set[1:]
	}
	for _, r := range set {
		if r == '-' {
			b.WriteByte('-')
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte(']')
	return b.String()
}
