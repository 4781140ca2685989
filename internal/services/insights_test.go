package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NexionisJake/Synapse-sub001/internal/services"
)

func TestParseInsights(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "Bullet list",
			reply: "Here is what I learned:\n\n- The user likes Go\n- The user lives in Oslo\n",
			want:  []string{"The user likes Go", "The user lives in Oslo"},
		},
		{
			name:  "Numbered list with wrapped item",
			reply: "1. Prefers tea\n2. Works as a\n   data engineer\n",
			want:  []string{"Prefers tea", "Works as a data engineer"},
		},
		{
			name:  "Nested list",
			reply: "- Hobbies\n  - Climbing\n  - Chess\n",
			want:  []string{"Hobbies", "Climbing", "Chess"},
		},
		{
			name:  "Duplicates removed",
			reply: "* Likes Go\n* likes go\n* Likes Rust\n",
			want:  []string{"Likes Go", "Likes Rust"},
		},
		{
			name:  "Paragraphs when no list",
			reply: "The user is a student.\n\nThe user enjoys hiking.",
			want:  []string{"The user is a student.", "The user enjoys hiking."},
		},
		{
			name:  "Empty reply",
			reply: "   ",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, services.ParseInsights(tt.reply))
		})
	}
}
