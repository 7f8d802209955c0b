// data_cleaning 规范列名并插值缺失值
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepCleaning, flag.ContinueOnError)
	input := fs.String("input_artifact", "", "raw data artifact, name:version")
	output := pipeline.ArtifactFlags(fs, "output")

	cmd := &pipeline.Command{
		Step:     pipeline.StepCleaning,
		Flags:    fs,
		Required: append([]string{"input_artifact"}, pipeline.ArtifactFlagNames("output")...),
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			_, err := pipeline.Clean(ctx, env, pipeline.CleanParams{Input: *input, Output: *output})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
