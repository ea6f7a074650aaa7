package energy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"regkit/internal/config"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrKindExists   = errors.New("energy term already registered")
	ErrKindNotFound = errors.New("energy term not found")
	ErrKindVersion  = errors.New("energy term version mismatch")
)

// Factory builds a term from its validated parameters.
type Factory func(params map[string]any) (Term, error)

type KindSpec struct {
	Name          string
	Aliases       []string
	Params        []config.ParamSpec
	New           Factory
	SchemaVersion int
	CodecVersion  int
}

// Registry maps loss names and aliases to term factories.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]KindSpec)}
}

func (r *Registry) Register(spec KindSpec) error {
	if spec.Name == "" {
		return errors.New("energy term name is required")
	}
	if spec.New == nil {
		return errors.New("energy term factory is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrKindVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string{spec.Name}, spec.Aliases...)
	for _, name := range names {
		if _, exists := r.kinds[name]; exists {
			return fmt.Errorf("%w: %s", ErrKindExists, name)
		}
	}
	for _, name := range names {
		r.kinds[name] = spec
	}
	return nil
}

func (r *Registry) MustRegister(spec KindSpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (KindSpec, error) {
	r.mu.RLock()
	spec, ok := r.kinds[name]
	r.mu.RUnlock()
	if !ok {
		return KindSpec{}, fmt.Errorf("%w: %s", ErrKindNotFound, name)
	}
	return spec, nil
}

// Names lists every accepted name, aliases included.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LossNames and LossParams let the registry serve as a config.LossCatalog.
func (r *Registry) LossNames() []string { return r.Names() }

func (r *Registry) LossParams(name string) ([]config.ParamSpec, bool) {
	spec, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	return spec.Params, true
}

// RegisterBuiltins adds the image similarity, displacement regularization
// and parameter norm terms.
func RegisterBuiltins(r *Registry) error {
	intensityNorm := config.ParamSpec{Name: "norm", Kind: config.ParamFloat}
	stride := config.ParamSpec{Name: "stride", Kind: config.ParamInts}
	histogram := []config.ParamSpec{
		{Name: "bins", Kind: config.ParamInt, Required: true},
		{Name: "vmin", Kind: config.ParamFloat},
		{Name: "vmax", Kind: config.ParamFloat},
	}
	builtins := []KindSpec{
		{Name: "SSD", Params: []config.ParamSpec{intensityNorm}, New: newSSD},
		{Name: "MSE", Params: []config.ParamSpec{intensityNorm}, New: newMSE},
		{Name: "NCC", Params: []config.ParamSpec{{Name: "epsilon", Kind: config.ParamFloat}}, New: newNCC},
		{Name: "LCC", Aliases: []string{"LNCC"}, Params: []config.ParamSpec{
			{Name: "kernel_size", Kind: config.ParamInts, Required: true},
			{Name: "epsilon", Kind: config.ParamFloat},
		}, New: newLCC},
		{Name: "MI", Params: histogram, New: newMI(false)},
		{Name: "NMI", Params: histogram, New: newMI(true)},
		{Name: "Dice", Aliases: []string{"DSC"}, Params: []config.ParamSpec{{Name: "epsilon", Kind: config.ParamFloat}}, New: newDice},
		{Name: "BE", Aliases: []string{"Bending", "BendingEnergy"}, Params: []config.ParamSpec{stride}, New: newBending},
		{Name: "Curvature", Params: []config.ParamSpec{stride}, New: newCurvature},
		{Name: "Diffusion", Params: []config.ParamSpec{stride}, New: newDiffusion},
		{Name: "TV", Aliases: []string{"TotalVariation"}, Params: []config.ParamSpec{stride}, New: newTotalVariation},
		{Name: "L1Norm", Aliases: []string{"L1_Norm"}, New: newL1Norm},
		{Name: "L2Norm", Aliases: []string{"L2_Norm"}, New: newL2Norm},
	}
	for _, spec := range builtins {
		spec.SchemaVersion = SupportedSchemaVersion
		spec.CodecVersion = SupportedCodecVersion
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
