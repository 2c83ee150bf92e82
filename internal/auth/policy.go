package auth

import (
	"fmt"
	"strings"
	"unicode"
)

// Policy validates candidate passwords. All rules are checked independently
// so the caller receives the full violation list in one pass. A Policy is
// pure: it holds configuration only and is safe for concurrent use.
type Policy struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:    8,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
	}
}

const specialCharacters = `!@#$%^&*(),.?":{}|<>`

// Validate returns whether the candidate satisfies the policy and the
// ordered list of violated rules.
func (p Policy) Validate(candidate string) (bool, []string) {
	var violations []string

	minLength := p.MinLength
	if minLength <= 0 {
		minLength = 8
	}
	if len(candidate) < minLength {
		violations = append(violations, fmt.Sprintf("Password must be at least %d characters", minLength))
	}

	if p.RequireUpper && !strings.ContainsFunc(candidate, unicode.IsUpper) {
		violations = append(violations, "Password must contain at least one uppercase letter")
	}
	if p.RequireLower && !strings.ContainsFunc(candidate, unicode.IsLower) {
		violations = append(violations, "Password must contain at least one lowercase letter")
	}
	if p.RequireDigit && !strings.ContainsFunc(candidate, unicode.IsDigit) {
		violations = append(violations, "Password must contain at least one digit")
	}
	if p.RequireSpecial && !strings.ContainsAny(candidate, specialCharacters) {
		violations = append(violations, "Password must contain at least one special character")
	}

	if hasWeakPattern(candidate) {
		violations = append(violations, "Password contains weak patterns")
	}

	return len(violations) == 0, violations
}

// hasWeakPattern reports three identical consecutive characters, or a
// forward run of three sequential digits or letters (case-insensitive).
func hasWeakPattern(candidate string) bool {
	lowered := []rune(strings.ToLower(candidate))

	for i := 0; i+2 < len(lowered); i++ {
		a, b, c := lowered[i], lowered[i+1], lowered[i+2]

		if a == b && b == c {
			return true
		}

		if b == a+1 && c == b+1 {
			if a >= '0' && c <= '9' {
				return true
			}
			if a >= 'a' && c <= 'z' {
				return true
			}
		}
	}

	return false
}
