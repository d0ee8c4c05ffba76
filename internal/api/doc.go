// Package api exposes the HTTP surface of PricingFlow: query submission,
// execution tracking, agent and skill inspection, and runtime statistics.
package api
