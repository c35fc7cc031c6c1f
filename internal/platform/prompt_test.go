package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// Under `go test` stdin is not a controlling terminal, so PromptUser must
// take the non-interactive fallback and resolve to PromptLetClose without
// blocking for timeout.
func TestPromptUserNonInteractiveFallsBackToLetClose(t *testing.T) {
	a := New(nil)

	done := make(chan struct{})
	var choice domain.PromptChoice
	var err error
	go func() {
		choice, err = a.PromptUser(context.Background(), 1, []domain.PromptChoice{domain.PromptExtend5, domain.PromptLetClose}, 30*time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PromptUser blocked despite non-interactive stdin")
	}

	require.NoError(t, err)
	assert.Equal(t, domain.PromptLetClose, choice)
}

func TestChoiceAllowedEmptyAllowsAny(t *testing.T) {
	assert.True(t, choiceAllowed(domain.PromptExtend30, nil))
}

func TestChoiceAllowedRejectsUnlisted(t *testing.T) {
	assert.False(t, choiceAllowed(domain.PromptExtend30, []domain.PromptChoice{domain.PromptExtend5, domain.PromptLetClose}))
}
