package intent

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// maxTypoDistance is the largest edit distance accepted for a word of length n.
func maxTypoDistance(n int) int {
	switch {
	case n < 4:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// closestWord returns the vocabulary word nearest to w within the allowed distance.
// Ties go to the earlier vocabulary entry.
func closestWord(w string, vocabulary []string) (string, bool) {
	limit := maxTypoDistance(len([]rune(w)))
	if limit == 0 {
		return "", false
	}
	best, bestDist := "", limit+1
	for _, candidate := range vocabulary {
		d := levenshtein(w, candidate)
		if d == 0 {
			return candidate, true
		}
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
