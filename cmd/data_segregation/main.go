// data_segregation 按时间顺序切分训练验证集与测试集
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepSegregation, flag.ContinueOnError)
	input := fs.String("input_artifact", "", "cleaned data artifact, name:version")
	pct := fs.Float64("train_val_pct", 0.8, "fraction of rows for train and validation")
	trainVal := pipeline.ArtifactFlags(fs, "train_val_output")
	test := pipeline.ArtifactFlags(fs, "test_output")

	required := []string{"input_artifact", "train_val_pct"}
	required = append(required, pipeline.ArtifactFlagNames("train_val_output")...)
	required = append(required, pipeline.ArtifactFlagNames("test_output")...)

	cmd := &pipeline.Command{
		Step:     pipeline.StepSegregation,
		Flags:    fs,
		Required: required,
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			_, _, err := pipeline.Segregate(ctx, env, pipeline.SegregateParams{
				Input:       *input,
				TrainValPct: *pct,
				TrainVal:    *trainVal,
				Test:        *test,
			})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
