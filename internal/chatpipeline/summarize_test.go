package chatpipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corvidlabs/aegis/internal/scheduler"
)

func TestSummarizeMissionJoinsResultsInCompletionOrderNotMapOrder(t *testing.T) {
	p := &Pipeline{}
	mission := &scheduler.Mission{
		Order: []string{"t1", "t2", "t3"},
		Results: map[string]scheduler.TaskResult{
			"t3": {TaskID: "t3", AgentID: "reviewer", Result: "third"},
			"t1": {TaskID: "t1", AgentID: "coder", Result: "first"},
			"t2": {TaskID: "t2", AgentID: "writer", Result: "second"},
		},
	}

	for i := 0; i < 20; i++ {
		text, label := p.summarizeMission(mission)
		assert.Equal(t, "first\n\n---\n\nsecond\n\n---\n\nthird", text)
		assert.Equal(t, "coder -> writer -> reviewer", label)
	}
}

func TestSummarizeMissionSingleResultSkipsJoinLogic(t *testing.T) {
	p := &Pipeline{}
	mission := &scheduler.Mission{
		Order:   []string{"t1"},
		Results: map[string]scheduler.TaskResult{"t1": {TaskID: "t1", AgentID: "coder", Result: "only"}},
	}
	text, label := p.summarizeMission(mission)
	assert.Equal(t, "only", text)
	assert.Equal(t, "coder", label)
}

func TestSummarizeMissionNoTasksReturnsPlaceholder(t *testing.T) {
	p := &Pipeline{}
	mission := &scheduler.Mission{Results: map[string]scheduler.TaskResult{}}
	text, label := p.summarizeMission(mission)
	assert.Equal(t, "No tasks executed.", text)
	assert.Equal(t, "orchestrated", label)
}
