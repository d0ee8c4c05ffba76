// Package agent holds the closed registry of specialised agents (pricing,
// unix, analysis) that workflow plans are allowed to reference. Each agent
// declares its trigger words and the kind of external resource it reads
// before prompting the LLM.
package agent
