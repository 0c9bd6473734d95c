package memory

// Match 按Redis KEYS/SCAN的glob规则匹配
//
// 支持 * ? [abc] [^a] [a-z] 和反斜杠转义。与path.Match不同，* 可以匹配 /。
func Match(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if Match(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]
		case '[':
			if len(s) == 0 {
				return false
			}
			matched, rest, ok := matchClass(pattern[1:], s[0])
			if !ok || !matched {
				return false
			}
			s = s[1:]
			pattern = rest
		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
			s = s[1:]
			pattern = pattern[1:]
		}
	}
	return len(s) == 0
}

// matchClass 匹配字符类，返回是否命中和 ] 之后的模式
func matchClass(pattern string, c byte) (bool, string, bool) {
	negate := false
	if len(pattern) > 0 && pattern[0] == '^' {
		negate = true
		pattern = pattern[1:]
	}

	matched := false
	for {
		if len(pattern) == 0 {
			return false, "", false
		}
		if pattern[0] == ']' {
			pattern = pattern[1:]
			break
		}
		if pattern[0] == '\\' && len(pattern) >= 2 {
			if pattern[1] == c {
				matched = true
			}
			pattern = pattern[2:]
			continue
		}
		if len(pattern) >= 3 && pattern[1] == '-' && pattern[2] != ']' {
			lo, hi := pattern[0], pattern[2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			pattern = pattern[3:]
			continue
		}
		if pattern[0] == c {
			matched = true
		}
		pattern = pattern[1:]
	}

	if negate {
		matched = !matched
	}
	return matched, pattern, true
}
