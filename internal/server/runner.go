package server

import "github.com/cwbudde/gsplatforge/internal/orchestrator"

// EngineRunner is the full seam a job needs from a compute backend: it
// must satisfy both orchestrator interfaces and release its device
// resources on Close. orchestrator.GPUIterationRunner implements this.
type EngineRunner interface {
	orchestrator.IterationRunner
	orchestrator.MetricRunner
	Close()
}
