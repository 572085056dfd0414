package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpands(t *testing.T) {
	tests := []struct {
		template string
		name     string
		want     bool
	}{
		{"adds %i + %i", "adds 1 + 1", true},
		{"adds %i + %i", "adds 10 + -3", true},
		{"adds %i + %i", "subtract 1", false},
		{"user $name", "user alice", true},
		{"$a + $b = $expected", "1 + 2 = 3", true},
		{"$user.name logs in", "bob logs in", true},
		{"100%% of %s", "100% of cases", true},
		{"%#: ok", "0: ok", true},
		{"returns %s", "returns", false},
		{"plain", "plain", false},
		{"(%s)", "(x)", true},
		{"(%s)", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.template+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Expands(tt.template, tt.name))
		})
	}
}
