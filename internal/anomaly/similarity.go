package anomaly

// similarity returns a 0..1 ratio of how alike two strings are, computed as
// 2*M/T where M is the total length of the matching blocks found by
// repeatedly taking the longest common substring, and T is the combined
// length. One substituted character in an eleven-character name scores
// well above 0.85.
func similarity(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchedLen(a, b)) / float64(total)
}

func matchedLen(a, b string) int {
	ai, bi, n := longestMatch(a, b)
	if n == 0 {
		return 0
	}
	return n + matchedLen(a[:ai], b[:bi]) + matchedLen(a[ai+n:], b[bi+n:])
}

// longestMatch finds the longest common substring, preferring the earliest
// position in a, then in b, on ties.
func longestMatch(a, b string) (ai, bi, n int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] != b[j] {
				cur[j+1] = 0
				continue
			}
			k := prev[j] + 1
			cur[j+1] = k
			if k > n {
				ai, bi, n = i-k+1, j-k+1, k
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, n
}
