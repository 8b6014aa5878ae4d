// Package config handles loading and validating IoT Lab Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Reading an optional .env file for local development
//   - Overriding with IOTLAB_* environment variables
//   - Validation of required fields
//
// Sensitive values (broker password, InfluxDB token) should be supplied
// through the environment rather than the YAML file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Topics.Telemetry)
package config
