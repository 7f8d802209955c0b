// train_model 在训练验证集上拟合分类器并导出完整模型
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepTraining, flag.ContinueOnError)
	input := fs.String("input_data_artifact", "", "train and validation rows, name:version")
	features := fs.String("input_feature_engineering_artifact", "", "feature pipeline, name:version")
	trainPct := fs.Float64("train_pct", 0.8, "fraction of labelled rows used for fitting")
	hyperparams := fs.String("xgboost_config", "", "JSON file with classifier hyperparameters")
	output := pipeline.ArtifactFlags(fs, "output")

	required := []string{"input_data_artifact", "input_feature_engineering_artifact", "train_pct", "xgboost_config"}
	cmd := &pipeline.Command{
		Step:     pipeline.StepTraining,
		Flags:    fs,
		Required: append(required, pipeline.ArtifactFlagNames("output")...),
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			_, _, err := pipeline.Train(ctx, env, pipeline.TrainParams{
				Input:           *input,
				FeaturePipeline: *features,
				TrainPct:        *trainPct,
				HyperparamsPath: *hyperparams,
				Output:          *output,
			})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
