package permission

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"Bash(git status)", "Bash(git status)", true},
		{"Bash(git status)", "Bash(git log)", false},
		{"Bash(git *)", "Bash(git status)", true},
		{"Bash(git *)", "Bash(npm install)", false},
		{"*.md", "README.md", true},
		{"*.md", "README.txt", false},
		{"mcp:*", "mcp:github.create_issue", true},
		{"mcp:*", "Bash(ls)", false},
		{"*", "anything at all", true},
	}

	for _, c := range cases {
		if got := Match(c.pattern, c.name); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"Bash(git *)", "Read(*)"}
	if !MatchAny(patterns, "Bash(git status)") {
		t.Errorf("MatchAny() = false, want true")
	}
	if MatchAny(patterns, "Bash(rm -rf /)") {
		t.Errorf("MatchAny() = true, want false")
	}
}
