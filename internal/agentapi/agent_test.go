package agentapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolFilterNilAllowsEverything(t *testing.T) {
	var f ToolFilter
	assert.True(t, f.Allows("anything"))
}

func TestToolFilterEmptyAllowsNothing(t *testing.T) {
	f := ToolFilter{}
	assert.False(t, f.Allows("read_file"))
}

func TestToolFilterPopulatedAllowsExactMatchesOnly(t *testing.T) {
	f := ToolFilter{"read_file", "write_file"}
	assert.True(t, f.Allows("read_file"))
	assert.True(t, f.Allows("write_file"))
	assert.False(t, f.Allows("delete_file"))
}
