package anchor

// fuzzyTolerance is the fraction of the combined prefix+text+suffix length
// allowed as edit distance before a fuzzy match is rejected. Tunable; chosen
// to tolerate minor rewording around an anchor without accepting rewrites.
const fuzzyTolerance = 0.2

// Result is the outcome of relocating a Descriptor against current text.
// Offsets are only meaningful while Valid is true; on failure they carry the
// last known position unchanged.
type Result struct {
	Start int  `json:"start"`
	End   int  `json:"end"`
	Valid bool `json:"valid"`
}

// Relocate recomputes the position of a stored anchor in currentText.
//
// Match priority: exact text at the recorded offset, exact text elsewhere
// (disambiguated by context similarity, then by proximity to the original
// offset), then a bounded-edit-distance match of prefix+text+suffix. When no
// candidate clears the tolerance the anchor is reported invalid rather than
// guessed — a wrong relocation is worse than a flagged one.
//
// The descriptor itself is never modified; only offsets and validity move.
func Relocate(d Descriptor, currentText string) Result {
	doc := []rune(currentText)
	text := []rune(d.Text)
	if len(text) == 0 {
		return Result{Start: d.Start, End: d.End, Valid: false}
	}

	// 1. Exact match at the recorded offset.
	if d.Start >= 0 && d.End <= len(doc) && d.Start < d.End && runesEqual(doc[d.Start:d.End], text) {
		return Result{Start: d.Start, End: d.End, Valid: true}
	}

	// 2. Exact match elsewhere.
	if occurrences := indexAll(doc, text); len(occurrences) > 0 {
		best := pickOccurrence(doc, text, occurrences, d)
		return Result{Start: best, End: best + len(text), Valid: true}
	}

	// 3. Context-anchored fuzzy match.
	if start, end, ok := fuzzyLocate(doc, d); ok {
		return Result{Start: start, End: end, Valid: true}
	}

	// 4. Gone. Keep last-known offsets so the UI can still show where it was.
	return Result{Start: d.Start, End: d.End, Valid: false}
}

// pickOccurrence chooses among multiple exact occurrences of the anchor text.
// Context similarity (longest common suffix of the stored prefix against the
// text before the match, plus longest common prefix of the stored suffix
// against the text after) wins; ties go to the occurrence closest to the
// original offset.
func pickOccurrence(doc, text []rune, occurrences []int, d Descriptor) int {
	if len(occurrences) == 1 {
		return occurrences[0]
	}
	prefix := []rune(d.Prefix)
	suffix := []rune(d.Suffix)

	best := occurrences[0]
	bestScore := -1
	bestDistance := 0
	for _, pos := range occurrences {
		score := commonSuffixLen(prefix, doc[:pos]) + commonPrefixLen(suffix, doc[pos+len(text):])
		distance := pos - d.Start
		if distance < 0 {
			distance = -distance
		}
		if score > bestScore || (score == bestScore && distance < bestDistance) {
			best = pos
			bestScore = score
			bestDistance = distance
		}
	}
	return best
}

// fuzzyLocate searches for prefix+text+suffix allowing a bounded edit
// distance, then places the anchor inside the matched window. The exact text
// is preferred when it survived; otherwise offsets are estimated from the
// window and the context lengths.
func fuzzyLocate(doc []rune, d Descriptor) (start, end int, ok bool) {
	prefix := []rune(d.Prefix)
	text := []rune(d.Text)
	suffix := []rune(d.Suffix)

	pattern := make([]rune, 0, len(prefix)+len(text)+len(suffix))
	pattern = append(pattern, prefix...)
	pattern = append(pattern, text...)
	pattern = append(pattern, suffix...)

	tolerance := int(fuzzyTolerance * float64(len(pattern)))
	if tolerance < 1 {
		tolerance = 1
	}

	matchEnd, distance := bestMatchEnd(doc, pattern)
	if distance > tolerance {
		return 0, 0, false
	}

	windowStart := matchEnd - len(pattern) - tolerance
	if windowStart < 0 {
		windowStart = 0
	}
	windowEnd := matchEnd + tolerance
	if windowEnd > len(doc) {
		windowEnd = len(doc)
	}

	// Prefer the surviving exact text inside the window.
	if hits := indexAll(doc[windowStart:windowEnd], text); len(hits) > 0 {
		start = windowStart + hits[0]
		return start, start + len(text), true
	}

	// Estimate from the window: the text sits after the prefix.
	start = matchEnd - len(pattern) + len(prefix)
	if start < 0 {
		start = 0
	}
	end = start + len(text)
	if end > len(doc) {
		return 0, 0, false
	}
	return start, end, true
}

// bestMatchEnd runs a semi-global edit-distance pass: the pattern must be
// consumed entirely but may end anywhere in doc. Returns the end position of
// the cheapest alignment and its cost.
func bestMatchEnd(doc, pattern []rune) (end, distance int) {
	m := len(pattern)
	n := len(doc)
	if m == 0 || n == 0 {
		return 0, m + n
	}

	previous := make([]int, n+1)
	current := make([]int, n+1)
	// Row 0: a match may start anywhere for free.
	for j := 0; j <= n; j++ {
		previous[j] = 0
	}

	for i := 1; i <= m; i++ {
		current[0] = i
		for j := 1; j <= n; j++ {
			cost := 1
			if pattern[i-1] == doc[j-1] {
				cost = 0
			}
			value := previous[j-1] + cost
			if deletion := previous[j] + 1; deletion < value {
				value = deletion
			}
			if insertion := current[j-1] + 1; insertion < value {
				value = insertion
			}
			current[j] = value
		}
		previous, current = current, previous
	}

	end = 0
	distance = previous[0]
	for j := 1; j <= n; j++ {
		if previous[j] < distance {
			distance = previous[j]
			end = j
		}
	}
	return end, distance
}

func indexAll(haystack, needle []rune) []int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return nil
	}
	var positions []int
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if runesEqual(haystack[i:i+len(needle)], needle) {
			positions = append(positions, i)
		}
	}
	return positions
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func commonSuffixLen(context, before []rune) int {
	count := 0
	for count < len(context) && count < len(before) &&
		context[len(context)-1-count] == before[len(before)-1-count] {
		count++
	}
	return count
}

func commonPrefixLen(context, after []rune) int {
	count := 0
	for count < len(context) && count < len(after) && context[count] == after[count] {
		count++
	}
	return count
}
