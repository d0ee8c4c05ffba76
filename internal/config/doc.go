// Package config loads the PricingFlow runtime configuration from a JSON or
// YAML file, fills defaults and applies secret overrides from the environment.
package config
