package provisioner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingStage(name string, setupCalls, teardownCalls *int, failOnSetup bool) Provisioner {
	return &Func{
		StageName: name,
		SetupFunc: func(ctx context.Context, spec any) (any, error) {
			*setupCalls++
			if failOnSetup {
				return nil, errors.New("boom")
			}
			return name + "-result", nil
		},
		TeardownFunc: func(ctx context.Context, result any) error {
			*teardownCalls++
			return nil
		},
	}
}

func TestPipelineTeardownCountMatchesSetupCountOnMidFailure(t *testing.T) {
	var setups, teardowns int
	p := &Pipeline{
		PipelineName: "kernel-create",
		Stages: []Provisioner{
			countingStage("image-metadata", &setups, &teardowns, false),
			countingStage("scratch-path", &setups, &teardowns, false),
			countingStage("resource", &setups, &teardowns, false),
			countingStage("image-pull", &setups, &teardowns, true), // fails
			countingStage("scratch-create", &setups, &teardowns, false),
		},
	}

	_, err := p.Setup(context.Background(), nil)
	require.Error(t, err)

	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "image-pull", provErr.Stage)

	// Only the 3 stages before the failing one completed Setup, and each
	// was torn down exactly once. The failing and later stages never ran
	// Teardown because Setup never succeeded for them.
	assert.Equal(t, 4, setups) // 3 succeeded + the failing one
	assert.Equal(t, 3, teardowns)
}

func TestPipelineTeardownOrderIsReverse(t *testing.T) {
	var order []string
	mk := func(name string) Provisioner {
		return &Func{
			StageName: name,
			SetupFunc: func(ctx context.Context, spec any) (any, error) { return nil, nil },
			TeardownFunc: func(ctx context.Context, result any) error {
				order = append(order, name)
				return nil
			},
		}
	}
	p := &Pipeline{Stages: []Provisioner{mk("a"), mk("b"), mk("c")}}
	result, err := p.Setup(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Teardown(context.Background(), result))
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestTeardownToleratesNilResult(t *testing.T) {
	p := &Pipeline{Stages: []Provisioner{}}
	assert.NoError(t, p.Teardown(context.Background(), nil))
}
