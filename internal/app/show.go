package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"coinbeat/internal/pool"
	"coinbeat/internal/storage"
)

// Show prints the pool view of the configured database.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	backend, closeBackend, err := a.openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer closeBackend()

	records, err := backend.ListAlertRecords(ctx, storage.AlertFilter{CoinID: opts.CoinID})
	if err != nil {
		return err
	}
	pools := pool.Aggregate(records)
	if !opts.All {
		pools = pool.Visible(pools, a.poolPolicy(), time.Now().UTC())
	}
	pool.SortByEggs(pools)

	return writePoolTable(out, pools, a.Config.Pool.Size)
}

func writePoolTable(out io.Writer, pools []pool.Pool, size int64) error {
	if len(pools) == 0 {
		fmt.Fprintln(out, "no pools found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Coin\tType\tStatus\tEggs\tFilled\tMembers\tVerified (UTC)")

	for _, p := range pools {
		verified := "-"
		if p.VerifiedAt != nil {
			verified = p.VerifiedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d/%d\t%t\t%s\t%s\n",
			sanitizeInline(p.CoinID),
			p.AlertType,
			p.Status,
			p.TotalEggs,
			size,
			p.Filled(size),
			strings.Join(p.UserIDs, ","),
			verified,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
