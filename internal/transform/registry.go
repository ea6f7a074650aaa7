package transform

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"

	"regkit/internal/config"
	"regkit/internal/volume"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrFamilyExists   = errors.New("transformation family already registered")
	ErrFamilyNotFound = errors.New("transformation family not found")
	ErrFamilyVersion  = errors.New("transformation family version mismatch")
)

// Constructor builds an identity transform of one family on grid.
type Constructor func(spec config.TransformationSpec, grid volume.Grid) (Transform, error)

type FamilySpec struct {
	Name          string
	Linear        bool
	New           Constructor
	SchemaVersion int
	CodecVersion  int
}

// Registry maps family names to constructors.
type Registry struct {
	mu       sync.RWMutex
	families map[string]FamilySpec
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]FamilySpec)}
}

func (r *Registry) Register(spec FamilySpec) error {
	if spec.Name == "" {
		return errors.New("transformation family name is required")
	}
	if spec.New == nil {
		return errors.New("transformation constructor is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrFamilyVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.families[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrFamilyExists, spec.Name)
	}
	r.families[spec.Name] = spec
	return nil
}

func (r *Registry) MustRegister(spec FamilySpec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (FamilySpec, error) {
	r.mu.RLock()
	spec, ok := r.families[name]
	r.mu.RUnlock()
	if !ok {
		return FamilySpec{}, fmt.Errorf("%w: %s", ErrFamilyNotFound, name)
	}
	return spec, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the family named by spec on grid, starting at the identity
// plus spec.InitNoise Gaussian noise drawn from rng. Unknown families yield
// a *config.Error.
func (r *Registry) New(spec config.TransformationSpec, grid volume.Grid, rng *rand.Rand) (Transform, error) {
	family, err := r.Get(spec.Name)
	if err != nil {
		return nil, config.Errorf("model.name", "unknown transformation %q (valid: %s)", spec.Name, quoteNames(r.Names()))
	}
	t, err := family.New(spec, grid)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", spec.Name, err)
	}
	perturb(t.Params(), spec.InitNoise, rng)
	return t, nil
}

// RegisterBuiltins adds Translation, Affine, FFD, SVFFD, DDF and SVF, and
// each non-rigid family composed with Affine on either side.
func RegisterBuiltins(r *Registry) error {
	builtins := []FamilySpec{
		{Name: "Translation", Linear: true, New: newTranslation},
		{Name: "Affine", Linear: true, New: newAffine},
	}
	nonrigid := []FamilySpec{
		{Name: "FFD", New: latticeConstructor("FFD", cubicBSpline, false)},
		{Name: "SVFFD", New: latticeConstructor("SVFFD", cubicBSpline, true)},
		{Name: "DDF", New: latticeConstructor("DDF", trilinear, false)},
		{Name: "SVF", New: latticeConstructor("SVF", trilinear, true)},
	}
	for _, nr := range nonrigid {
		builtins = append(builtins,
			nr,
			FamilySpec{Name: compositeName(nr.Name, false), New: compositeConstructor(nr.New, nr.Name, false)},
			FamilySpec{Name: compositeName(nr.Name, true), New: compositeConstructor(nr.New, nr.Name, true)},
		)
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

func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	return strings.Join(quoted, ", ")
}
