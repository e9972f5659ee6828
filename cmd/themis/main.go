// Command themis is a smoke-test REPL for pkg/themisdb, in the
// teacher's cobra-CLI idiom: open a database at a data directory and
// run one AQL statement read from argv or stdin, printing its rows (or
// its plan, with --explain) as JSON. It is not administrative tooling —
// there is no cluster, node, or service management here, just enough
// surface to open a database and exercise a query by hand.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/themisdb"
	"github.com/themisdb/themis/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "themis",
	Short:   "Themis - embedded multi-model database",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("themis version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	queryCmd.Flags().String("data-dir", "./themis-data", "Database directory")
	queryCmd.Flags().Bool("explain", false, "Print the query plan instead of rows")
	queryCmd.Flags().Bool("allow-full-scan", false, "Permit plans with no usable index")
	queryCmd.Flags().Int("count", 0, "Page size for cursor-paged results (0 disables paging)")
	queryCmd.Flags().Duration("timeout", 30*time.Second, "Query timeout")
	rootCmd.AddCommand(queryCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var queryCmd = &cobra.Command{
	Use:   "query [aql-text]",
	Short: "Run one AQL statement against a database",
	Long: `Run one AQL statement and print its result rows as JSON.

The statement is taken from the first argument if given, otherwise
read in full from stdin. This is a smoke-test entry point, not a
client library — embed pkg/themisdb directly for anything beyond
ad-hoc inspection.`,
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	explain, _ := cmd.Flags().GetBool("explain")
	allowFullScan, _ := cmd.Flags().GetBool("allow-full-scan")
	count, _ := cmd.Flags().GetInt("count")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	queryText, err := readQueryText(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if strings.TrimSpace(queryText) == "" {
		return fmt.Errorf("no query text given (pass it as an argument or on stdin)")
	}

	db, err := themisdb.Open(dataDir, themisdb.Options{})
	if err != nil {
		return fmt.Errorf("opening database at %s: %w", dataDir, err)
	}
	defer db.Close()

	result, err := db.ExecuteAQL(context.Background(), queryText, nil, themisdb.ExecOptions{
		Explain:       explain,
		AllowFullScan: allowFullScan,
		UseCursor:     count > 0,
		Count:         count,
		Timeout:       timeout,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if explain {
		return enc.Encode(result.Explain)
	}
	return enc.Encode(rowsToJSON(result.Rows))
}

func readQueryText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	b, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("reading query from stdin: %w", err)
	}
	return string(b), nil
}

// rowsToJSON renders each result row's bound values as plain Go data
// (json.Marshal has no idea how to walk a types.Value tree on its own),
// keeping the "<var>@pk"/"<var>@score" bindings pkg/query.Row attaches
// alongside the query's own variables.
func rowsToJSON(rows []query.Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		rendered := make(map[string]any, len(row))
		for k, v := range row {
			rendered[k] = renderValue(v)
		}
		out = append(out, rendered)
	}
	return out
}

func renderValue(v types.Value) any {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindBool:
		return v.Bool
	case types.KindI64:
		return v.I64
	case types.KindF64:
		return v.F64
	case types.KindString:
		return v.Str
	case types.KindBytes:
		return v.Bytes
	case types.KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = renderValue(e)
		}
		return out
	case types.KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = renderValue(e)
		}
		return out
	case types.KindVector:
		return v.Vector
	case types.KindGeoPoint:
		return map[string]float64{"lat": v.Geo.Lat, "lon": v.Geo.Lon}
	default:
		return nil
	}
}
