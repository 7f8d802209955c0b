// data_ingestion 拉取一只股票的日线并登记为 raw_data 工件
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"stockcast/config"
	"stockcast/market"
	"stockcast/pipeline"
)

func main() {
	fs := flag.NewFlagSet(pipeline.StepIngestion, flag.ContinueOnError)
	stockName := fs.String("stock_name", "", "ticker symbol, e.g. AAPL")
	startDate := fs.String("start_date", "", "first trading day, YYYY-MM-DD")
	endDate := fs.String("end_date", "", "end date (exclusive), YYYY-MM-DD")
	output := pipeline.ArtifactFlags(fs, "output")

	cmd := &pipeline.Command{
		Step:     pipeline.StepIngestion,
		Flags:    fs,
		Required: append([]string{"stock_name", "start_date", "end_date"}, pipeline.ArtifactFlagNames("output")...),
		Run: func(ctx context.Context, env *pipeline.Env, cfg *config.Config) error {
			start, err := time.Parse(market.DateLayout, *startDate)
			if err != nil {
				return fmt.Errorf("start_date: %w", err)
			}
			end, err := time.Parse(market.DateLayout, *endDate)
			if err != nil {
				return fmt.Errorf("end_date: %w", err)
			}
			_, err = pipeline.Ingest(ctx, env, pipeline.IngestParams{
				StockName: *stockName,
				Start:     start,
				End:       end,
				Output:    *output,
			})
			return err
		},
	}
	os.Exit(cmd.Execute(os.Args[1:]))
}
