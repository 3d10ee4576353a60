package tmuxfmt

import (
	"reflect"
	"testing"
)

func TestJoinUsesUnitSeparator(t *testing.T) {
	got := Join("#{window_index}", "#{window_name}")
	if got != "#{window_index}\x1f#{window_name}" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		max  int
		want []string
	}{
		{"canonical", "1\x1f@3\x1frepo:login", 3, []string{"1", "@3", "repo:login"}},
		{"escaped octal", `2\037@4\037repo:feat_x`, 3, []string{"2", "@4", "repo:feat_x"}},
		{"tab", "3\t@5\trepo:a", 3, []string{"3", "@5", "repo:a"}},
		{"underscore is not a separator", "repo:my_feature", 3, []string{"repo:my_feature"}},
		{"name keeps separators past max", "1\x1f@1\x1fa\x1fb", 3, []string{"1", "@1", "a\x1fb"}},
		{"zero parts", "x", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitLine(tt.line, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SplitLine(%q) = %#v, want %#v", tt.line, got, tt.want)
			}
		})
	}
}

func TestLinesAndAtoi(t *testing.T) {
	got := Lines("a\r\n\n  \nb\n")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected lines %#v", got)
	}
	if Atoi(" 7 ") != 7 || Atoi("x") != -1 {
		t.Fatalf("unexpected Atoi results")
	}
}
