package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/errors"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	r.RegisterFunc("sync.pull", func(ctx context.Context, job *Job) Outcome {
		return Success()
	})

	assert.True(t, r.Has("sync.pull"))
	assert.NotNil(t, r.Get("sync.pull"))
	assert.Nil(t, r.Get("outbox.sync"))
	assert.False(t, r.Has("outbox.sync"))
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()

	r.RegisterFunc("sync.pull", func(ctx context.Context, job *Job) Outcome {
		return Success()
	})

	assert.Panics(t, func() {
		r.RegisterFunc("sync.pull", func(ctx context.Context, job *Job) Outcome {
			return Success()
		})
	})
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("a", func(ctx context.Context, job *Job) Outcome { return Success() })
	r.RegisterFunc("b", func(ctx context.Context, job *Job) Outcome { return Success() })

	assert.ElementsMatch(t, []string{"a", "b"}, r.Types())
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, OutcomeFromError(nil).Kind())

	gone := OutcomeFromError(errors.NewEntityGone("workspace ws-1 deleted"))
	assert.Equal(t, OutcomeCancel, gone.Kind())

	retry := OutcomeFromError(errors.New("disk I/O error"))
	assert.Equal(t, OutcomeRetry, retry.Kind())
	assert.Equal(t, time.Duration(0), retry.Delay())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", Success().String())
	assert.Equal(t, "retry", Retry(0).String())
	assert.Equal(t, "retry(5s)", Retry(5*time.Second).String())
	assert.Equal(t, "cancel(gone)", Cancel("gone").String())
}
