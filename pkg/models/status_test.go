package models_test

import (
	"testing"

	"github.com/kiranshivaraju/ciengine/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   models.Status
		terminal bool
	}{
		{models.StatusQueued, false},
		{models.StatusRunning, false},
		{models.StatusSuccess, true},
		{models.StatusFailed, true},
		{models.StatusCanceled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, models.StatusRunning.Valid())
	assert.False(t, models.Status("done").Valid())
}

func TestSource_Valid(t *testing.T) {
	assert.True(t, models.SourcePush.Valid())
	assert.True(t, models.SourceMergeRequest.Valid())
	assert.False(t, models.Source("tag").Valid())
}
