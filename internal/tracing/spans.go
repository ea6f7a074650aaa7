package tracing

const (
	SpanRun   = "registration.run"
	SpanLevel = "registration.level"

	AttrRunID       = "run.id"
	AttrTransform   = "run.transform"
	AttrOptimizer   = "run.optimizer"
	AttrLevels      = "run.levels"
	AttrOutcome     = "run.outcome"
	AttrLevel       = "level.index"
	AttrLevelScale  = "level.scale"
	AttrLevelSize   = "level.size"
	AttrLevelSteps  = "level.steps"
	AttrLevelEnergy = "level.final_energy"
	AttrStopReason  = "level.stop_reason"
)
