package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than limit", "short", 10, "short"},
		{"exactly at limit", "12345", 5, "12345"},
		{"truncated", "a-much-longer-value", 6, "a-much"},
		{"zero limit", "anything", 0, ""},
		{"negative limit", "anything", -1, ""},
		{"empty input", "", 8, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
