package upload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Covered Bridge", "covered-bridge"},
		{"  Old   Mill -- Pond ", "old-mill-pond"},
		{"Café Münster", "cafe-munster"},
		{"Stop #12: The Clock!", "stop-12-the-clock"},
		{"already-slugged", "already-slugged"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestSlugify_Truncates(t *testing.T) {
	got := Slugify(strings.Repeat("ab ", 60))
	assert.LessOrEqual(t, len(got), maxSlugLength)
	assert.False(t, strings.HasSuffix(got, "-"))
}
