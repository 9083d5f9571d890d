package convert

import "strings"

// splitWords breaks an identifier stem into lowercase words, regardless of
// its current casing (snake, kebab, Pascal, camel).
func splitWords(stem string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	runes := []rune(stem)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				prev := runes[i-1]
				startsNewWord := !(prev >= 'A' && prev <= 'Z')
				if !startsNewWord && i+1 < len(runes) {
					next := runes[i+1]
					startsNewWord = next >= 'a' && next <= 'z'
				}
				if startsNewWord {
					flush()
				}
			}
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

// Rename converts stem (in any supported casing) to the target Convention.
func Rename(stem string, to Convention) string {
	words := splitWords(stem)
	if len(words) == 0 {
		return stem
	}

	switch to {
	case SnakeCase:
		return strings.Join(words, "_")
	case KebabCase:
		return strings.Join(words, "-")
	case CamelCase:
		var b strings.Builder
		for i, w := range words {
			if i == 0 {
				b.WriteString(w)
				continue
			}
			b.WriteString(capitalize(w))
		}
		return b.String()
	case PascalCase:
		var b strings.Builder
		for _, w := range words {
			b.WriteString(capitalize(w))
		}
		return b.String()
	default:
		return strings.Join(words, "_")
	}
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
