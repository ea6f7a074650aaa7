package optim

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
	ErrAlgorithmExists   = errors.New("optimizer already registered")
	ErrAlgorithmNotFound = errors.New("optimizer not found")
	ErrAlgorithmVersion  = errors.New("optimizer version mismatch")
)

type AlgorithmSpec struct {
	Name          string
	New           func(spec config.OptimizerSpec, n int) Algorithm
	SchemaVersion int
	CodecVersion  int
}

type Registry struct {
	mu         sync.RWMutex
	algorithms map[string]AlgorithmSpec
}

func NewRegistry() *Registry {
	return &Registry{algorithms: make(map[string]AlgorithmSpec)}
}

func (r *Registry) Register(spec AlgorithmSpec) error {
	if spec.Name == "" {
		return errors.New("optimizer name is required")
	}
	if spec.New == nil {
		return errors.New("optimizer constructor is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrAlgorithmVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.algorithms[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlgorithmExists, spec.Name)
	}
	r.algorithms[spec.Name] = spec
	return nil
}

func (r *Registry) Get(name string) (AlgorithmSpec, error) {
	r.mu.RLock()
	spec, ok := r.algorithms[name]
	r.mu.RUnlock()
	if !ok {
		return AlgorithmSpec{}, fmt.Errorf("%w: %s", ErrAlgorithmNotFound, name)
	}
	return spec, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.algorithms))
	for name := range r.algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func RegisterBuiltins(r *Registry) error {
	for _, spec := range []AlgorithmSpec{
		{Name: "Adam", New: newAdam},
		{Name: "SGD", New: newSGD},
		{Name: "RMSprop", New: newRMSprop},
		{Name: "Adagrad", New: newAdagrad},
	} {
		spec.SchemaVersion = SupportedSchemaVersion
		spec.CodecVersion = SupportedCodecVersion
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
