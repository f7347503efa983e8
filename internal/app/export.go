package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"coinbeat/internal/pool"
	"coinbeat/internal/storage"
)

// Export writes alert records as CSV and/or a PNG bar chart of pool stakes.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPools = a.Config.ResolveMaxPools(opts.MaxPools)

	backend, closeBackend, err := a.openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	records, err := backend.ListAlertRecords(ctx, storage.AlertFilter{CoinID: opts.CoinID, IncludeArchived: opts.Archived})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no alert records found for export")
		return nil
	}

	pools := pool.Aggregate(records)
	pool.SortByEggs(pools)
	if len(pools) > opts.MaxPools {
		pools = pools[:opts.MaxPools]
	}
	a.Logger.Info().Int("records", len(records)).Int("pools", len(pools)).Msg("exporting alert pools")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePoolsPNG(opts.PNGPath, pools, a.Config.Pool.Size); err != nil {
			return err
		}
	}

	return nil
}

func writeRecordsCSV(path string, records []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "user_id", "coin_id", "alert_type", "proof_link", "eggs_staked", "status", "archived", "admin_authored", "new_contract", "verified_at", "created_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		verifiedAt := ""
		if rec.VerifiedAt != nil {
			verifiedAt = rec.VerifiedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			rec.ID,
			rec.UserID,
			rec.CoinID,
			string(rec.AlertType),
			rec.ProofLink,
			strconv.FormatInt(rec.EggsStaked, 10),
			string(rec.Status),
			strconv.FormatBool(rec.Archived),
			strconv.FormatBool(rec.AdminAuthored),
			rec.NewContract,
			verifiedAt,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePoolsPNG(path string, pools []pool.Pool, size int64) error {
	if len(pools) == 0 {
		return errors.New("no pools to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(pools))
	for _, p := range pools {
		bars = append(bars, chart.Value{
			Label: p.CoinID + "/" + string(p.AlertType),
			Value: float64(p.TotalEggs),
		})
	}

	graph := chart.BarChart{
		Title:    "Eggs staked per pool (size " + strconv.FormatInt(size, 10) + ")",
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
