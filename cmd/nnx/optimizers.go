// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gomlx/nnx/pkg/optax"
)

var optimizerDescriptions = map[string]string{
	"sgd":    "Stochastic gradient descent",
	"adam":   "Adam, adaptive first and second moments",
	"adamax": "Adam with the infinity norm for the second moment",
	"adamw":  "Adam with decoupled weight decay",
}

func newOptimizersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "optimizers",
		Aliases: []string{"opts"},
		Short:   "List the optimizers and their default hyperparameters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listOptimizers(os.Stdout)
			return nil
		},
	}
}

func listOptimizers(w io.Writer) {
	hp := optax.DefaultHyperparameters()
	var data [][]string
	for _, name := range optax.Names() {
		weightDecay := hp.WeightDecay
		if name == "adamw" {
			weightDecay = optax.DefaultAdamWWeightDecay
		}
		betas := fmt.Sprintf("%g, %g", hp.Beta1, hp.Beta2)
		if name == "sgd" {
			betas = "-"
		}
		data = append(data, []string{name, fmt.Sprintf("%g", hp.LearningRate), betas,
			fmt.Sprintf("%g", weightDecay), optimizerDescriptions[name]})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "LEARNING RATE", "BETAS", "WEIGHT DECAY", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	_, _ = fmt.Fprintf(w, "\nHyperparameters can be set with --set, e.g. --set=%q\n",
		strings.Join([]string{"learning_rate=0.01", "beta1=0.8", "clip_by_value=1"}, ";"))
}
