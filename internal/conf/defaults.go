package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every configuration default with viper.
func setDefaults() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "collab")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "logs/collab.log")

	// Datastore
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "collab.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "collab")
	viper.SetDefault("output.mysql.password", "collab")
	viper.SetDefault("output.mysql.database", "collab")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	// Collaboration core. Lease and inactivity windows are five minutes,
	// both sweeps run every minute.
	viper.SetDefault("realtime.collaboration.lockleaseduration", 5*time.Minute)
	viper.SetDefault("realtime.collaboration.lockcleanupinterval", time.Minute)
	viper.SetDefault("realtime.collaboration.inactivitythreshold", 5*time.Minute)
	viper.SetDefault("realtime.collaboration.presencesweepinterval", time.Minute)
	viper.SetDefault("realtime.collaboration.eventbusbuffersize", 4096)
	viper.SetDefault("realtime.collaboration.eventbusworkers", 2)

	// MQTT broadcast fan-out
	viper.SetDefault("realtime.mqtt.enabled", false)
	viper.SetDefault("realtime.mqtt.broker", "")
	viper.SetDefault("realtime.mqtt.clientid", "collab")
	viper.SetDefault("realtime.mqtt.username", "")
	viper.SetDefault("realtime.mqtt.password", "")
	viper.SetDefault("realtime.mqtt.topicprefix", "collab")
	viper.SetDefault("realtime.mqtt.retain", false)
	viper.SetDefault("realtime.mqtt.connecttimeout", 30*time.Second)
	viper.SetDefault("realtime.mqtt.publishtimeout", 10*time.Second)
	viper.SetDefault("realtime.mqtt.disconnecttimeout", 5*time.Second)

	// Prometheus scrape endpoint
	viper.SetDefault("realtime.telemetry.enabled", false)
	viper.SetDefault("realtime.telemetry.listen", "0.0.0.0:8090")
}
