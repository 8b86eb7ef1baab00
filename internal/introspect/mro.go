package introspect

// linearize computes the C3 method resolution order of id. When the class
// hierarchy has no consistent C3 order it falls back to a depth-first,
// left-to-right walk that keeps the first occurrence of every class.
func linearize(id string, parents func(string) []string) []string {
	memo := make(map[string][]string)
	if out, ok := c3(id, parents, memo, make(map[string]bool)); ok {
		return out
	}
	var out []string
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
		for _, p := range parents(n) {
			walk(p)
		}
	}
	walk(id)
	return out
}

func c3(id string, parents func(string) []string, memo map[string][]string, visiting map[string]bool) ([]string, bool) {
	if out, ok := memo[id]; ok {
		return out, true
	}
	if visiting[id] {
		return nil, false
	}
	visiting[id] = true
	defer delete(visiting, id)

	ps := parents(id)
	seqs := make([][]string, 0, len(ps)+1)
	for _, p := range ps {
		l, ok := c3(p, parents, memo, visiting)
		if !ok {
			return nil, false
		}
		seqs = append(seqs, append([]string(nil), l...))
	}
	seqs = append(seqs, append([]string(nil), ps...))

	out := []string{id}
	for {
		seqs = dropEmpty(seqs)
		if len(seqs) == 0 {
			break
		}
		head := ""
		for _, s := range seqs {
			if !inTail(s[0], seqs) {
				head = s[0]
				break
			}
		}
		if head == "" {
			return nil, false
		}
		out = append(out, head)
		for i, s := range seqs {
			if s[0] == head {
				seqs[i] = s[1:]
			}
		}
	}
	memo[id] = out
	return out, true
}

func dropEmpty(seqs [][]string) [][]string {
	out := seqs[:0]
	for _, s := range seqs {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func inTail(c string, seqs [][]string) bool {
	for _, s := range seqs {
		for _, x := range s[1:] {
			if x == c {
				return true
			}
		}
	}
	return false
}
