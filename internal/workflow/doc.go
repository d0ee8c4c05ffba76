// Package workflow turns a natural-language query into an answer. The planner
// maps the query to an ordered list of agent-bound steps, the executor runs
// those steps strictly in sequence while threading each step's answer into the
// next prompt, and the synthesizer merges multi-step output into one reply.
// Engine ties the three together and reports the query lifecycle.
package workflow
