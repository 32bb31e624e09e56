package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyAllowsByDefault(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	d, _, err := e.Evaluate(context.Background(), Input{Action: "status.read", UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
}

func TestDefaultPolicyBlocksLargeFeedOverride(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	d, _, err := e.Evaluate(context.Background(), Input{
		Action: "feed.override",
		Args:   map[string]any{"amount_g": 900.0},
	})
	require.NoError(t, err)
	assert.Equal(t, Block, d)
}

func TestDefaultPolicyRequiresConfirmationForSmallFeedOverride(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	d, _, err := e.Evaluate(context.Background(), Input{
		Action: "feed.override",
		Args:   map[string]any{"amount_g": 50.0},
	})
	require.NoError(t, err)
	assert.Equal(t, RequireConfirmation, d)
}

func TestDefaultPolicyRequiresConfirmationForActuatorSet(t *testing.T) {
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	d, _, err := e.Evaluate(context.Background(), Input{Action: "actuator.set"})
	require.NoError(t, err)
	assert.Equal(t, RequireConfirmation, d)
}
