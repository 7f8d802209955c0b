// save_prediction 把最新一天的预测写入数据库
package main

import (
	"context"
	"flag"
	"os"

	"stockcast/config"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepSavePrediction, flag.ContinueOnError)
	input := fs.String("input_data_artifact", "", "prediction data artifact, name:version")
	model := fs.String("used_model_artifact", "", "model that produced the predictions, name:version")
	databaseURL := fs.String("database_url", "", "postgres:// or sqlite:// connection URL")
	table := fs.String("table_name", "", "prediction table")
	symbol := fs.String("stock_name", "", "ticker attached to the published event")

	cmd := &pipeline.Command{
		Step:     pipeline.StepSavePrediction,
		Flags:    fs,
		Required: []string{"input_data_artifact", "used_model_artifact", "database_url", "table_name"},
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			if *symbol == "" {
				*symbol = cfg.DataIngestion.StockName
			}
			_, err := pipeline.SavePrediction(ctx, env, pipeline.SavePredictionParams{
				Input:       *input,
				Model:       *model,
				DatabaseURL: *databaseURL,
				Table:       *table,
				Symbol:      *symbol,
			})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
