package parser

import (
	"reflect"
	"testing"
)

func TestExtractSteps(t *testing.T) {
	tests := []struct {
		name      string
		reasoning string
		want      []string
	}{
		{
			name:      "step markers",
			reasoning: "Step 1: Read the text. Step 2: Find the date.\nStep 3: Answer.",
			want:      []string{"Read the text.", "Find the date.", "Answer."},
		},
		{
			name:      "numbered lines",
			reasoning: "1. Identify X\n2) Compute Y\n3. Conclude",
			want:      []string{"Identify X", "Compute Y", "Conclude"},
		},
		{
			name:      "bullets",
			reasoning: "- first\n* second",
			want:      []string{"first", "second"},
		},
		{
			name:      "sentences",
			reasoning: "It rains. The ground is wet! Why? Physics",
			want:      []string{"It rains.", "The ground is wet!", "Why?", "Physics"},
		},
		{
			name:      "empty",
			reasoning: "  ",
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractSteps(tt.reasoning)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractSteps(%q) = %q, want %q", tt.reasoning, got, tt.want)
			}
		})
	}
}
