// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optax

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/tree"
)

// mapUpdates applies fn to every update leaf.
func mapUpdates(updates *tree.Tree, fn func(u *Node) *Node) (*tree.Tree, error) {
	return tree.Map(updates, func(path tree.Path, leaf any) (any, error) {
		u, ok := leaf.(*Node)
		if !ok {
			return nil, errors.Errorf("update at %q is a %T, expected a *graph.Node", path, leaf)
		}
		return fn(u), nil
	})
}

// Scale multiplies the updates by a constant factor.
func Scale(factor float64) GradientTransformation {
	return &stateless{
		name: fmt.Sprintf("Scale(%g)", factor),
		updateFn: func(grads, _ *tree.Tree, _ map[string]any) (*tree.Tree, error) {
			return mapUpdates(grads, func(u *Node) *Node { return Mul(u, hyperparameter(u, factor)) })
		},
	}
}

// ScaleByLearningRate multiplies the updates by -learningRate, so that adding them to the parameters
// descends the gradient.
//
// The learning rate can be overridden per Update with the extra argument ExtraLearningRate ("learning_rate").
func ScaleByLearningRate(lr float64) GradientTransformation {
	return &stateless{
		name: fmt.Sprintf("ScaleByLearningRate(%g)", lr),
		updateFn: func(grads, _ *tree.Tree, extra map[string]any) (*tree.Tree, error) {
			return mapUpdates(grads, func(u *Node) *Node {
				return Neg(Mul(u, learningRate(u, lr, extra)))
			})
		},
	}
}

// AddDecayedWeights adds weightDecay * params to the updates (decoupled weight decay, as in AdamW).
// It requires the params in Update.
func AddDecayedWeights(weightDecay float64) GradientTransformation {
	return &stateless{
		name: fmt.Sprintf("AddDecayedWeights(%g)", weightDecay),
		updateFn: func(grads, params *tree.Tree, _ map[string]any) (*tree.Tree, error) {
			if params == nil {
				return nil, errors.New("params are required to add decayed weights")
			}
			return tree.Map2(grads, params, func(path tree.Path, update, param any) (any, error) {
				u, p, err := nodes(path, update, param)
				if err != nil {
					return nil, err
				}
				if p.DType() != u.DType() {
					p = ConvertDType(p, u.DType())
				}
				return Add(u, Mul(p, hyperparameter(u, weightDecay))), nil
			})
		},
	}
}

// ClipByValue clips each update element to [-limit, +limit].
func ClipByValue(limit float64) GradientTransformation {
	return &stateless{
		name: fmt.Sprintf("ClipByValue(%g)", limit),
		updateFn: func(grads, _ *tree.Tree, _ map[string]any) (*tree.Tree, error) {
			return mapUpdates(grads, func(u *Node) *Node { return ClipScalar(u, -limit, limit) })
		},
	}
}

// ScaleByAdam rescales the updates according to the Adam algorithm: the debiased first moment of the
// gradients divided by the square root of the debiased second moment.
//
// Its state is a map with "count" (int32 scalar), "mu" and "nu" (the moments, shaped like the parameters).
// With adamax the second moment is the infinity norm (max) of the gradients, and it is not debiased.
func ScaleByAdam(beta1, beta2, epsilon float64, adamax bool) GradientTransformation {
	return &scaleByAdam{beta1: beta1, beta2: beta2, epsilon: epsilon, adamax: adamax}
}

type scaleByAdam struct {
	beta1, beta2, epsilon float64
	adamax                bool
}

func (a *scaleByAdam) String() string {
	if a.adamax {
		return fmt.Sprintf("ScaleByAdamax(%g, %g, %g)", a.beta1, a.beta2, a.epsilon)
	}
	return fmt.Sprintf("ScaleByAdam(%g, %g, %g)", a.beta1, a.beta2, a.epsilon)
}

func (a *scaleByAdam) Init(params *tree.Tree) (*tree.Tree, error) {
	mu, err := tree.MapValues(params, zerosLike)
	if err != nil {
		return nil, errors.WithMessage(err, "ScaleByAdam first moment")
	}
	nu, err := tree.MapValues(params, zerosLike)
	if err != nil {
		return nil, errors.WithMessage(err, "ScaleByAdam second moment")
	}
	return tree.NewMap(map[string]*tree.Tree{
		"count": tree.Leaf(scalarLike(params, 0)),
		"mu":    mu,
		"nu":    nu,
	}), nil
}

func (a *scaleByAdam) Update(grads, state, _ *tree.Tree, _ map[string]any) (*tree.Tree, *tree.Tree, error) {
	countTree, mu, nu := state.Child("count"), state.Child("mu"), state.Child("nu")
	if countTree == nil || mu == nil || nu == nil || !countTree.IsLeaf() {
		return nil, nil, errors.Wrapf(tree.ErrShapeMismatch, "ScaleByAdam got an invalid state %s", state)
	}
	count, ok := countTree.Value().(*Node)
	if !ok {
		return nil, nil, errors.Errorf("ScaleByAdam count is a %T, expected a *graph.Node", countTree.Value())
	}
	count = Add(count, OnesLike(count))

	newMu, err := tree.Map2(grads, mu, func(path tree.Path, gradLeaf, muLeaf any) (any, error) {
		grad, m, err := nodes(path, gradLeaf, muLeaf)
		if err != nil {
			return nil, err
		}
		beta1 := hyperparameter(m, a.beta1)
		return Add(Mul(beta1, m), Mul(OneMinus(beta1), ConvertDType(grad, m.DType()))), nil
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ScaleByAdam first moment")
	}
	newNu, err := tree.Map2(grads, nu, func(path tree.Path, gradLeaf, nuLeaf any) (any, error) {
		grad, v, err := nodes(path, gradLeaf, nuLeaf)
		if err != nil {
			return nil, err
		}
		grad = ConvertDType(grad, v.DType())
		beta2 := hyperparameter(v, a.beta2)
		if a.adamax {
			return Max(Mul(beta2, v), Abs(grad)), nil
		}
		return Add(Mul(beta2, v), Mul(OneMinus(beta2), Square(grad))), nil
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ScaleByAdam second moment")
	}

	updates, err := tree.Map2(newMu, newNu, func(path tree.Path, muLeaf, nuLeaf any) (any, error) {
		m, v := muLeaf.(*Node), nuLeaf.(*Node)
		step := ConvertDType(count, m.DType())
		debiasTermBeta1 := Reciprocal(OneMinus(Pow(hyperparameter(m, a.beta1), step)))
		epsilon := hyperparameter(m, a.epsilon)
		var denominator *Node
		if a.adamax {
			denominator = Add(v, epsilon)
		} else {
			debiasTermBeta2 := Reciprocal(OneMinus(Pow(hyperparameter(v, a.beta2), step)))
			denominator = Add(Sqrt(Mul(v, debiasTermBeta2)), epsilon)
		}
		return Div(Mul(m, debiasTermBeta1), denominator), nil
	})
	if err != nil {
		return nil, nil, err
	}
	newState := tree.NewMap(map[string]*tree.Tree{
		"count": tree.Leaf(count),
		"mu":    newMu,
		"nu":    newNu,
	})
	return updates, newState, nil
}
