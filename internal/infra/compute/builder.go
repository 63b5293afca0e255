package compute

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/devmesh/devmesh/internal/domain"
)

// constructor builds the model for one worker mode.
type constructor func(spec Spec) (domain.Model, error)

// constructors is fixed at compile time. Adding a mode means adding an
// entry here and a case to domain.WorkerMode.Supports.
var constructors = map[domain.WorkerMode]constructor{
	domain.ModeTrain:    newTrainModel,
	domain.ModeForward:  newForwardModel,
	domain.ModeClassify: newClassifyModel,
	domain.ModeAnalyze:  newAnalyzeModel,
}

func newTrainModel(spec Spec) (domain.Model, error) {
	return newSoftmax(spec, domain.ModeTrain)
}

// Inference modes never update weights, so the learning rate is dropped.
func newForwardModel(spec Spec) (domain.Model, error) {
	spec.LearningRate = 0
	return newSoftmax(spec, domain.ModeForward)
}

func newClassifyModel(spec Spec) (domain.Model, error) {
	spec.LearningRate = 0
	return newSoftmax(spec, domain.ModeClassify)
}

func newAnalyzeModel(spec Spec) (domain.Model, error) {
	spec.LearningRate = 0
	return newSoftmax(spec, domain.ModeAnalyze)
}

// New builds a model for mode.
func New(spec Spec, mode domain.WorkerMode) (domain.Model, error) {
	c, ok := constructors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownMode, mode)
	}
	return c(spec)
}

// Builder returns a ModelBuilder that ignores the device: the reference
// engine runs on the host CPU whatever the binding. A network description
// overrides the fields it sets; spec fills in the rest.
func Builder(spec Spec) domain.ModelBuilder {
	return func(_ domain.Descriptor, mode domain.WorkerMode, network []byte) (domain.Model, error) {
		s := spec
		if len(network) > 0 {
			var err error
			if s, err = decodeSpec(network, spec); err != nil {
				return nil, err
			}
		}
		return New(s, mode)
	}
}

// ─── Network Descriptions ───────────────────────────────────────────────────
// A Spec travels to workers as TOML, in the same form as the [model] config
// section.

// Encode returns the network description of s.
func (s Spec) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode network: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSpec parses a network description on top of DefaultSpec.
func DecodeSpec(network []byte) (Spec, error) {
	return decodeSpec(network, DefaultSpec())
}

func decodeSpec(network []byte, base Spec) (Spec, error) {
	s := base
	md, err := toml.Decode(string(network), &s)
	if err != nil {
		return Spec{}, fmt.Errorf("parse network: %w", err)
	}
	if extra := md.Undecoded(); len(extra) > 0 {
		return Spec{}, fmt.Errorf("parse network: unknown keys %v", extra)
	}
	return s, nil
}
