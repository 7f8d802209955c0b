// feature_engineering 导出未训练的特征管道，特征列表取自配置
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepFeatureEngineering, flag.ContinueOnError)
	output := pipeline.ArtifactFlags(fs, "output")

	cmd := &pipeline.Command{
		Step:     pipeline.StepFeatureEngineering,
		Flags:    fs,
		Required: pipeline.ArtifactFlagNames("output"),
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			_, err := pipeline.FeatureEngineering(ctx, env, pipeline.FeatureEngineeringParams{
				Features: cfg.FeatureEngineering.Features,
				Output:   *output,
			})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
