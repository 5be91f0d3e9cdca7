// Command bugvec is a CLI for the incident similarity engine: ingest bug
// records with pre-computed embeddings, manage them and run similarity
// searches against a local database file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triagekit/bugvec/pkg/bugvec"
	"github.com/triagekit/bugvec/pkg/core"
)

var (
	dbPath    string
	dimension int
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "bugvec",
	Short: "Vector similarity search over incident records",
	Long: `bugvec manages a corpus of incident/bug records with pre-computed
embedding vectors and answers similarity queries over them.`,
}

func openDB(ctx context.Context) (*bugvec.DB, error) {
	config := core.DefaultConfig(dbPath)
	config.Dimension = dimension
	if verbose {
		config.Logger = core.NewStdLogger(core.LevelDebug)
	}
	return bugvec.Open(ctx, config)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new incident database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		fmt.Printf("Incident database initialized at %s with dimension %d\n", dbPath, dimension)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Ingest records with embeddings from a JSON file",
	Long: `Reads a JSON array of records with embeddings:

  [{"record": {"incidentNumber": "INC-1", "product": "Billing",
               "description": "..."},
    "embeddings": [{"contentType": "description", "contentText": "...",
                    "vector": [0.1, 0.2, ...]}]}]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		var inserts []struct {
			Record     core.BugRecord        `json:"record"`
			Embeddings []core.EmbeddingInput `json:"embeddings"`
		}
		if err := json.Unmarshal(data, &inserts); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}

		batch := make([]core.BugInsert, len(inserts))
		for i, ins := range inserts {
			batch[i] = core.BugInsert{Record: ins.Record, Embeddings: ins.Embeddings}
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		done, err := db.IngestBatch(cmd.Context(), batch)
		fmt.Printf("Ingested %d of %d records\n", done, len(batch))
		return err
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <record-id>",
	Short: "Attach an embedding to an existing record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type")
		text, _ := cmd.Flags().GetString("text")
		vectorStr, _ := cmd.Flags().GetString("vector")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		id, err := db.AttachEmbedding(cmd.Context(), args[0], core.ContentType(contentType), text, vector)
		if err != nil {
			return err
		}
		fmt.Printf("Embedding %s attached\n", id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for similar incidents",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		vectorFile, _ := cmd.Flags().GetString("vector-file")
		product, _ := cmd.Flags().GetString("product")
		contentType, _ := cmd.Flags().GetString("content-type")
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		limit, _ := cmd.Flags().GetInt("limit")

		var (
			query []float32
			err   error
		)
		switch {
		case vectorFile != "":
			data, rerr := os.ReadFile(vectorFile)
			if rerr != nil {
				return fmt.Errorf("read vector file: %w", rerr)
			}
			if err = json.Unmarshal(data, &query); err != nil {
				return fmt.Errorf("parse vector file: %w", err)
			}
		case vectorStr != "":
			if query, err = parseVector(vectorStr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("either --vector or --vector-file is required")
		}

		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		results, err := db.Search(cmd.Context(), query, core.SearchOptions{
			ContentType: core.ContentType(contentType),
			Product:     product,
			Threshold:   threshold,
			Limit:       limit,
		})
		if err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No matches above threshold")
			return nil
		}
		for i, r := range results {
			fmt.Printf("%2d. %s [%s] score=%.4f (%s)\n   %s\n",
				i+1, r.Record.IncidentNumber, r.Record.Product, r.Score,
				r.ContentType, truncate(r.Record.Description, 100))
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <incident-number>",
	Short: "Show a record by incident number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		rec, err := db.FindByIncidentNumber(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <record-id>",
	Short: "Delete a record and all its embeddings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.DeleteRecord(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Record deleted")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		stats, err := db.Store().Stats(cmd.Context())
		if err != nil {
			return err
		}
		idx := db.Store().Index().Stats()

		fmt.Printf("Records:     %d\n", stats.Records)
		fmt.Printf("Embeddings:  %d\n", stats.Embeddings)
		fmt.Printf("Dimension:   %d\n", stats.Dimension)
		fmt.Printf("Index live:  %d (tombstoned %d, max level %d, avg degree %.1f)\n",
			idx.Live, idx.Tombstoned, idx.MaxLevel, idx.AvgDegree)
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim tombstoned index nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.Compact(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Index compacted")
		return nil
	},
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "bugs.db", "database file path")
	rootCmd.PersistentFlags().IntVar(&dimension, "dim", 1536, "embedding dimension")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	attachCmd.Flags().String("content-type", "description", "content type (description|resolution|combined)")
	attachCmd.Flags().String("text", "", "text the vector was derived from")
	attachCmd.Flags().String("vector", "", "comma-separated vector components")
	_ = attachCmd.MarkFlagRequired("vector")

	searchCmd.Flags().String("vector", "", "comma-separated query vector")
	searchCmd.Flags().String("vector-file", "", "JSON file containing the query vector")
	searchCmd.Flags().String("product", "", "filter by product")
	searchCmd.Flags().String("content-type", "", "filter by content type")
	searchCmd.Flags().Float64("threshold", 0, "similarity threshold (default from config)")
	searchCmd.Flags().Int("limit", 10, "maximum results")

	rootCmd.AddCommand(initCmd, ingestCmd, attachCmd, searchCmd, getCmd, deleteCmd, statsCmd, compactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
