// predict 用已训练模型为输入表逐行打分
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepPrediction, flag.ContinueOnError)
	input := fs.String("input_data_artifact", "", "rows to score, name:version")
	model := fs.String("input_pipeline_artifact", "", "trained model, name:version")
	output := pipeline.ArtifactFlags(fs, "output")

	cmd := &pipeline.Command{
		Step:     pipeline.StepPrediction,
		Flags:    fs,
		Required: append([]string{"input_data_artifact", "input_pipeline_artifact"}, pipeline.ArtifactFlagNames("output")...),
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			_, err := pipeline.Predict(ctx, env, pipeline.PredictParams{Input: *input, Model: *model, Output: *output})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
