// Package config loads node configuration from defaults, a YAML file,
// environment variables and command-line overrides, and exposes the
// live-reloadable ML cluster settings consumed by breakers, the dispatcher
// and the auto-redeploy reconciler.
package config
