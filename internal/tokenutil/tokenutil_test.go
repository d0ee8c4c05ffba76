package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty string", content: "", want: 0},
		{name: "below one token", content: "abc", want: 0},
		{name: "single token", content: "cusip", want: 1},
		{name: "sentence", content: "Pricing job failed for CUSIP 037833100.", want: 9},
		{name: "multibyte counts bytes", content: "价格失败", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.content); got != tt.want {
				t.Errorf("Estimate(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestBudgetHelpers(t *testing.T) {
	if CharBudget(25) != 100 || CharBudget(-1) != 0 {
		t.Fatalf("unexpected char budget")
	}
	text := strings.Repeat("x", 100)
	if !Within(text, 25) || Within(text+"xxxx", 25) {
		t.Fatalf("Within does not match Estimate")
	}
}
