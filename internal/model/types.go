package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type StopReason string

const (
	StopNone   StopReason = ""
	StopBudget StopReason = "budget"
	StopStall  StopReason = "stall"
)

// State is the mutable optimization state of one pyramid level.
type State struct {
	Params     []float64
	Level      int
	Step       int
	LastEnergy float64
	BestEnergy float64
}

func NewState(level int, params []float64) *State {
	return &State{
		Params: append([]float64(nil), params...),
		Level:  level,
	}
}

type StepRecord struct {
	Step   int     `json:"step"`
	Energy float64 `json:"energy"`
	Delta  float64 `json:"delta"`
	LR     float64 `json:"lr"`
}

type LevelResult struct {
	Level       int          `json:"level"`
	Scale       int          `json:"scale"`
	Spacing     []float64    `json:"spacing"`
	Outcome     Outcome      `json:"outcome"`
	Reason      StopReason   `json:"reason,omitempty"`
	Steps       int          `json:"steps"`
	Records     []StepRecord `json:"records"`
	Params      []float64    `json:"params,omitempty"`
	FinalEnergy float64      `json:"final_energy"`
	BestEnergy  float64      `json:"best_energy"`
	Error       string       `json:"error,omitempty"`
}

type RunResult struct {
	RunID     string        `json:"run_id"`
	Outcome   Outcome       `json:"outcome"`
	Transform string        `json:"transform"`
	Levels    []LevelResult `json:"levels"`
	Params    []float64     `json:"params,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// LastConverged returns the finest level that converged, if any.
func (r RunResult) LastConverged() (LevelResult, bool) {
	for i := len(r.Levels) - 1; i >= 0; i-- {
		if r.Levels[i].Outcome == OutcomeConverged {
			return r.Levels[i], true
		}
	}
	return LevelResult{}, false
}

type RunRecord struct {
	VersionedRecord
	ID           string  `json:"id"`
	Transform    string  `json:"transform"`
	Outcome      Outcome `json:"outcome"`
	Levels       int     `json:"levels"`
	FinalEnergy  float64 `json:"final_energy"`
	Error        string  `json:"error,omitempty"`
	ConfigYAML   string  `json:"config_yaml,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

type LevelRecord struct {
	VersionedRecord
	RunID  string      `json:"run_id"`
	Result LevelResult `json:"result"`
}
