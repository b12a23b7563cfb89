// Package conf loads and validates the application configuration.
package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/opticut/collab/internal/errors"
)

// Settings holds the full application configuration.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"`
	BuildDate string `yaml:"-"`

	Main struct {
		Name string // name of this node, used to identify the instance in logs

		Log struct {
			Enabled bool   // true to log to a rotating file instead of stdout
			Path    string // path to the log file
		}
	}

	Output struct {
		SQLite struct {
			Enabled bool   // true to enable sqlite output
			Path    string // path to sqlite database
		}

		MySQL struct {
			Enabled  bool   // true to enable mysql output
			Username string // mysql database username
			Password string // mysql database user password
			Database string // mysql database name
			Host     string // mysql database host
			Port     string // mysql database port
		}
	}

	Realtime struct {
		Collaboration CollaborationSettings
		MQTT          MQTTSettings
		Telemetry     TelemetrySettings
	}
}

// TelemetrySettings configures the Prometheus scrape endpoint.
type TelemetrySettings struct {
	Enabled bool
	Listen  string // address and port, e.g. 0.0.0.0:8090
}

// CollaborationSettings configures document locking and presence tracking.
type CollaborationSettings struct {
	LockLeaseDuration     time.Duration // how long an unrefreshed lock stays valid
	LockCleanupInterval   time.Duration // cadence of the expired-lock sweep
	InactivityThreshold   time.Duration // online users idle longer than this become away
	PresenceSweepInterval time.Duration // cadence of the presence demotion sweep
	EventBusBufferSize    int           // broadcast bus channel capacity
	EventBusWorkers       int           // broadcast bus consumer workers
}

// MQTTSettings configures the outbound MQTT broadcast consumer.
type MQTTSettings struct {
	Enabled           bool
	Broker            string // broker URL, e.g. tcp://localhost:1883
	ClientID          string
	Username          string
	Password          string
	TopicPrefix       string // events publish to {prefix}/{tenant}/{event_type}
	Retain            bool
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Load reads configuration from the config file and environment, applying
// defaults for anything unset.
func Load() (*Settings, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/collab")
	viper.AddConfigPath("/etc/collab")
	viper.SetEnvPrefix("collab")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
		// No config file is fine, defaults apply.
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("unmarshaling config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := Validate(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks settings for values the services cannot run with.
func Validate(s *Settings) error {
	collab := &s.Realtime.Collaboration
	if collab.LockLeaseDuration <= 0 {
		return validationError("realtime.collaboration.lockleaseduration", "must be positive")
	}
	if collab.LockCleanupInterval <= 0 {
		return validationError("realtime.collaboration.lockcleanupinterval", "must be positive")
	}
	if collab.InactivityThreshold <= 0 {
		return validationError("realtime.collaboration.inactivitythreshold", "must be positive")
	}
	if collab.PresenceSweepInterval <= 0 {
		return validationError("realtime.collaboration.presencesweepinterval", "must be positive")
	}
	if collab.EventBusBufferSize <= 0 {
		return validationError("realtime.collaboration.eventbusbuffersize", "must be positive")
	}
	if collab.EventBusWorkers <= 0 {
		return validationError("realtime.collaboration.eventbusworkers", "must be positive")
	}
	if s.Output.SQLite.Enabled && s.Output.MySQL.Enabled {
		return validationError("output", "sqlite and mysql outputs are mutually exclusive")
	}
	if s.Realtime.MQTT.Enabled && s.Realtime.MQTT.Broker == "" {
		return validationError("realtime.mqtt.broker", "required when mqtt is enabled")
	}
	if s.Realtime.Telemetry.Enabled && s.Realtime.Telemetry.Listen == "" {
		return validationError("realtime.telemetry.listen", "required when telemetry is enabled")
	}
	return nil
}

func validationError(field, message string) error {
	return errors.Newf("invalid configuration: %s %s", field, message).
		Component("conf").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}
