// Package crew implements the journal-generation pipeline as a chain of
// agents: researcher, outliner, writer, editor. Each agent reports its
// phase boundary before doing its work, so subscribers see the pipeline
// advance agent by agent.
package crew
