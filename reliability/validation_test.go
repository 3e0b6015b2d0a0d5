package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStruct(t *testing.T) {
	type relay struct {
		Service   string        `validate:"required"`
		BatchSize int           `validate:"gt=0,lte=1000"`
		Interval  time.Duration `validate:"gt=0"`
	}

	require.NoError(t, ValidateStruct(relay{Service: "orders", BatchSize: 50, Interval: time.Second}))

	err := ValidateStruct(relay{BatchSize: 0})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "relay.Service must satisfy required")
	assert.Contains(t, err.Error(), "relay.BatchSize must satisfy gt=0")
	assert.Contains(t, err.Error(), "relay.Interval")
}

func TestValidateStruct_NonStruct(t *testing.T) {
	assert.ErrorIs(t, ValidateStruct(42), ErrInvalidConfig)
}
