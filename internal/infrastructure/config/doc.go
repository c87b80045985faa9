// Package config loads config.yaml for the gateway.
//
// Load starts from Default(), overlays the YAML file, then applies
// ESPNOWGW_* environment variables, and finally runs Validate. Validation
// collects every problem into one error so a bad file is fixed in one pass.
//
// Durations are plain integers in the file, in seconds except for
// bridge.tick_interval (milliseconds). Read them through the Get* accessors.
//
// Keep the broker password and InfluxDB token out of the file and set them
// through ESPNOWGW_MQTT_PASSWORD and ESPNOWGW_INFLUXDB_TOKEN.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
