// Package llm contains the clients used to reach the LLM backend: a plain
// JSON endpoint client, an OpenAI-compatible client and a local script
// bridge. It also defines the fallback responders used when a call fails.
package llm
