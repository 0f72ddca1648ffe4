// Package config holds the tunable settings of an overlay node.
//
// # Sources
//
// Values come from three layers, later layers winning:
//   - compiled defaults from DefaultStreamConfig
//   - a yaml file, by default $HOME/.go-overlay/config.yaml
//   - command line flags bound to viper keys by the caller
//
// Every key lives under the "stream." prefix, for example
// stream.seek_timeout or stream.connection_manager.pruner.bandwidth.
// Durations accept Go duration strings ("750ms", "10s").
package config
