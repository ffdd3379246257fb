// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optax

import (
	"slices"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

const (
	// DefaultLearningRate is used by the optimizers if no learning rate is set.
	DefaultLearningRate = 0.001

	// DefaultAdamWWeightDecay is the weight decay of the "adamw" optimizer.
	DefaultAdamWWeightDecay = 0.004
)

// SGD is the stochastic gradient descent: updates are the gradients scaled by -learningRate.
func SGD(learningRate float64) GradientTransformation {
	return Chain(ScaleByLearningRate(learningRate))
}

// AdamConfig holds the configuration of an Adam optimizer. Create it with Adam, configure it, and call Done.
type AdamConfig struct {
	learningRate, beta1, beta2, epsilon float64
	weightDecay, clipByValue            float64
	adamax                              bool
}

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call
// AdamConfig.Done to get the GradientTransformation.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: DefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamW is Adam with decoupled weight decay, by default DefaultAdamWWeightDecay.
func AdamW() *AdamConfig {
	return Adam().WeightDecay(DefaultAdamWWeightDecay)
}

// LearningRate sets the base learning rate. Default is DefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1 = beta1
	c.beta2 = beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. Default is 1e-7.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use the L-infinity norm (the max) of the gradients for the second moment.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the decoupled weight decay. Default is 0, meaning no weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// ClipByValue clips each element of the final step to [-limit, +limit]. Default is 0, meaning no clipping.
func (c *AdamConfig) ClipByValue(limit float64) *AdamConfig {
	c.clipByValue = limit
	return c
}

// Done returns the configured GradientTransformation: a chain of ScaleByAdam, AddDecayedWeights (if weight
// decay > 0), ScaleByLearningRate and ClipByValue (if configured).
func (c *AdamConfig) Done() GradientTransformation {
	transformations := []GradientTransformation{ScaleByAdam(c.beta1, c.beta2, c.epsilon, c.adamax)}
	if c.weightDecay > 0 {
		transformations = append(transformations, AddDecayedWeights(c.weightDecay))
	}
	transformations = append(transformations, ScaleByLearningRate(c.learningRate))
	if c.clipByValue > 0 {
		transformations = append(transformations, ClipByValue(c.clipByValue))
	}
	return Chain(transformations...)
}

// Hyperparameters used to create transformations by name, see FromConfig.
type Hyperparameters struct {
	LearningRate float64 `mapstructure:"learning_rate"`
	Beta1        float64 `mapstructure:"beta1"`
	Beta2        float64 `mapstructure:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon"`
	WeightDecay  float64 `mapstructure:"weight_decay"`
	ClipByValue  float64 `mapstructure:"clip_by_value"`
}

// DefaultHyperparameters returns the defaults used by FromConfig.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LearningRate: DefaultLearningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

func (hp Hyperparameters) adam() *AdamConfig {
	return Adam().LearningRate(hp.LearningRate).Betas(hp.Beta1, hp.Beta2).Epsilon(hp.Epsilon).
		WeightDecay(hp.WeightDecay).ClipByValue(hp.ClipByValue)
}

// KnownTransformations maps names to constructors of optimizers from hyperparameters.
var KnownTransformations = map[string]func(hp Hyperparameters) GradientTransformation{
	"sgd": func(hp Hyperparameters) GradientTransformation {
		if hp.ClipByValue > 0 {
			return Chain(ScaleByLearningRate(hp.LearningRate), ClipByValue(hp.ClipByValue))
		}
		return SGD(hp.LearningRate)
	},
	"adam":   func(hp Hyperparameters) GradientTransformation { return hp.adam().Done() },
	"adamax": func(hp Hyperparameters) GradientTransformation { return hp.adam().Adamax().Done() },
	"adamw": func(hp Hyperparameters) GradientTransformation {
		if hp.WeightDecay <= 0 {
			hp.WeightDecay = DefaultAdamWWeightDecay
		}
		return hp.adam().Done()
	},
}

// Names returns the sorted names of KnownTransformations.
func Names() []string {
	names := maps.Keys(KnownTransformations)
	slices.Sort(names)
	return names
}

// FromConfig creates the optimizer registered under name in KnownTransformations, with the hyperparameters
// decoded from config (keys as in the mapstructure tags of Hyperparameters, e.g. "learning_rate").
// Unknown keys are an error, and string values are converted ("0.01" is accepted).
func FromConfig(name string, config map[string]any) (GradientTransformation, error) {
	ctor, found := KnownTransformations[name]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name, Names())
	}
	hp := DefaultHyperparameters()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &hp,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating hyperparameters decoder")
	}
	if err = decoder.Decode(config); err != nil {
		return nil, errors.Wrapf(err, "hyperparameters of optimizer %q", name)
	}
	return ctor(hp), nil
}
