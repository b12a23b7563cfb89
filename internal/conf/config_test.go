package conf

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticut/collab/internal/errors"
)

func loadDefaults(t *testing.T) *Settings {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	settings := &Settings{}
	require.NoError(t, viper.Unmarshal(settings))
	return settings
}

func TestDefaults(t *testing.T) {
	settings := loadDefaults(t)

	collab := settings.Realtime.Collaboration
	assert.Equal(t, 5*time.Minute, collab.LockLeaseDuration)
	assert.Equal(t, time.Minute, collab.LockCleanupInterval)
	assert.Equal(t, 5*time.Minute, collab.InactivityThreshold)
	assert.Equal(t, time.Minute, collab.PresenceSweepInterval)
	assert.Positive(t, collab.EventBusBufferSize)
	assert.Positive(t, collab.EventBusWorkers)

	assert.True(t, settings.Output.SQLite.Enabled, "sqlite should be the default datastore")
	assert.False(t, settings.Output.MySQL.Enabled)
	assert.False(t, settings.Realtime.MQTT.Enabled)

	require.NoError(t, Validate(settings))
}

func TestValidateRejectsNonPositiveLease(t *testing.T) {
	settings := loadDefaults(t)
	settings.Realtime.Collaboration.LockLeaseDuration = 0

	err := Validate(settings)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
}

func TestValidateRejectsBothDatastores(t *testing.T) {
	settings := loadDefaults(t)
	settings.Output.MySQL.Enabled = true

	require.Error(t, Validate(settings))
}

func TestValidateRequiresBrokerWhenMQTTEnabled(t *testing.T) {
	settings := loadDefaults(t)
	settings.Realtime.MQTT.Enabled = true
	settings.Realtime.MQTT.Broker = ""

	require.Error(t, Validate(settings))

	settings.Realtime.MQTT.Broker = "tcp://localhost:1883"
	require.NoError(t, Validate(settings))
}
