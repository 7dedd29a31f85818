package worker

import (
	"time"

	"github.com/phrazzld/renderq/internal/config"
)

// Actions dispatched over the queues. Administrative tools match on
// these strings, so they are part of the wire contract.
const (
	ActionRunSubtask         = "run_subtask"
	ActionRunFidelitySubtask = "run_fidelity_subtask"
)

// Pipeline binds a queue name and action to a redelivery policy. The
// two pipelines share the worker logic; only the delivery knobs differ.
type Pipeline struct {
	Queue           string
	Action          string
	MaxRedeliveries int
	RedeliveryDelay time.Duration
}

// StandardPipeline is the default rendering pipeline with bounded
// automatic redelivery.
func StandardPipeline(cfg *config.Config) Pipeline {
	return Pipeline{
		Queue:           cfg.Broker.SubtaskQueue,
		Action:          ActionRunSubtask,
		MaxRedeliveries: cfg.Worker.MaxRedeliveries,
		RedeliveryDelay: cfg.Worker.RedeliveryDelay,
	}
}

// FidelityPipeline is the higher-fidelity pipeline. Its attempts are
// long and expensive, so a failed delivery is never retried
// automatically.
func FidelityPipeline(cfg *config.Config) Pipeline {
	return Pipeline{
		Queue:           cfg.Broker.FidelityQueue,
		Action:          ActionRunFidelitySubtask,
		MaxRedeliveries: 0,
		RedeliveryDelay: cfg.Worker.RedeliveryDelay,
	}
}
