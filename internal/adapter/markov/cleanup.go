package markov

import "strings"

// cleanup removes punctuation a random walk leaves dangling: unmatched
// brackets, odd quote or markdown marks and separators at the edges.
func cleanup(text string) string {
	text = strings.TrimSpace(text)

	for _, pair := range bracePairs {
		text = balancePair(text, pair[0], pair[1])
	}
	for _, mark := range quoteMarks {
		text = dropUnpaired(text, mark)
	}

	if wordChar.MatchString(text) {
		text = strings.TrimLeft(text, ".,; ")
		text = strings.TrimRight(text, ", ")
	}
	return text
}

// balancePair deletes every closer without an opener and every opener left
// unclosed, in a single scan.
func balancePair(text string, opener, closer byte) string {
	var (
		openers []int
		drop    []int
	)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case opener:
			openers = append(openers, i)
		case closer:
			if len(openers) == 0 {
				drop = append(drop, i)
			} else {
				openers = openers[:len(openers)-1]
			}
		}
	}
	drop = append(drop, openers...)
	if len(drop) == 0 {
		return text
	}

	skip := make(map[int]struct{}, len(drop))
	for _, i := range drop {
		skip[i] = struct{}{}
	}

	var b strings.Builder
	b.Grow(len(text) - len(drop))
	for i := 0; i < len(text); i++ {
		if _, ok := skip[i]; ok {
			continue
		}
		b.WriteByte(text[i])
	}
	return b.String()
}

// dropUnpaired deletes the last mark when it occurs an odd number of times.
func dropUnpaired(text string, mark byte) string {
	if strings.Count(text, string(mark))%2 == 0 {
		return text
	}
	i := strings.LastIndexByte(text, mark)
	return text[:i] + text[i+1:]
}
