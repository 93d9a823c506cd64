// Command vzr is a CLI front end for the embeddable vzr vector database,
// wrapping pkg/vzr the way the teacher's cmd/sqvect wraps pkg/core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/liliang-cn/vzr/pkg/hybrid"
	"github.com/liliang-cn/vzr/pkg/kernel"
	"github.com/liliang-cn/vzr/pkg/payload"
	"github.com/liliang-cn/vzr/pkg/shard"
	"github.com/liliang-cn/vzr/pkg/vzr"
)

var (
	dbDir      string
	dimensions int
	metricName string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "vzr",
	Short: "CLI for the vzr embeddable vector database",
	Long:  `A command-line interface for creating collections and inserting, searching, and replicating vectors in a vzr database directory.`,
}

func parseMetric(s string) (kernel.Metric, error) {
	switch strings.ToLower(s) {
	case "cosine", "":
		return kernel.Cosine, nil
	case "euclidean", "l2":
		return kernel.Euclidean, nil
	case "dot":
		return kernel.DotMetric, nil
	default:
		return 0, fmt.Errorf("unknown metric %q (want cosine, euclidean, or dot)", s)
	}
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

// openCollection opens the database at dbDir and creates-or-reopens the
// named collection under it, using the dimension/metric flags shared by
// every subcommand that touches vector data.
func openCollection(name string) (*vzr.DB, *vzr.Collection, error) {
	db, err := vzr.Open(dbDir, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open database at %s: %w", dbDir, err)
	}
	metric, err := parseMetric(metricName)
	if err != nil {
		return nil, nil, err
	}
	cfg := vzr.DefaultCollectionConfig(dimensions, metric)
	c, err := db.CreateCollection(name, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open collection %q: %w", name, err)
	}
	return db, c, nil
}

var collectionCreateCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Create (or reopen) a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("collection %q ready at %s with %d dimensions\n", args[0], dbDir, dimensions)
		return nil
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert <collection>",
	Short: "Insert or update a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		vectorStr, _ := cmd.Flags().GetString("vector")
		text, _ := cmd.Flags().GetString("text")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		if id == "" {
			id = uuid.NewString()
		}
		var doc payload.Document
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &doc); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		if err := c.Insert(id, vector, doc, text); err != nil {
			return fmt.Errorf("insert %q: %w", id, err)
		}
		fmt.Printf("inserted %q\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Delete a vector by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		if err := c.Delete(args[1]); err != nil {
			return fmt.Errorf("delete %q: %w", args[1], err)
		}
		fmt.Printf("deleted %q\n", args[1])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <collection>",
	Short: "Run a dense ANN search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		hits, err := c.Search(context.Background(), vector, k)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		printHits(hits)
		return nil
	},
}

var hybridSearchCmd = &cobra.Command{
	Use:   "hybrid-search <collection>",
	Short: "Run a fused dense+lexical search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		text, _ := cmd.Flags().GetString("text")
		k, _ := cmd.Flags().GetInt("top-k")
		alpha, _ := cmd.Flags().GetFloat64("alpha")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := c.HybridSearch(vector, text, k, alpha, hybrid.RRF, hybrid.Promotion{})
		if err != nil {
			return fmt.Errorf("hybrid search: %w", err)
		}
		if jsonOut {
			data, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for i, r := range results {
			fmt.Printf("%d. %s (score: %.4f)\n", i+1, r.ID, r.Score)
		}
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <collection>",
	Short: "Snapshot the collection and truncate its WAL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		if err := c.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Println("checkpoint written")
		return nil
	},
}

var replicaStatusCmd = &cobra.Command{
	Use:   "replica-status <collection>",
	Short: "Report connected replicas and their lag (master nodes only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, c, err := openCollection(args[0])
		if err != nil {
			return err
		}
		defer db.Close()
		states := c.ReplicaStatus()
		if jsonOut {
			data, _ := json.MarshalIndent(states, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, s := range states {
			fmt.Printf("%s offset=%d connected=%v last_heartbeat=%s\n", s.ID, s.Offset, s.Connected, s.LastHeartbeat.Format("15:04:05"))
		}
		return nil
	},
}

func printHits(hits []shard.SearchResult) {
	if jsonOut {
		data, _ := json.MarshalIndent(hits, "", "  ")
		fmt.Println(string(data))
		return
	}
	for i, h := range hits {
		fmt.Printf("%d. %s (distance: %.6f)\n", i+1, h.ID, h.Distance)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbDir, "dir", "d", "./vzr-data", "Database directory")
	rootCmd.PersistentFlags().IntVarP(&dimensions, "dim", "n", 0, "Vector dimension (required on first create)")
	rootCmd.PersistentFlags().StringVarP(&metricName, "metric", "m", "cosine", "Distance metric: cosine, euclidean, dot")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	insertCmd.Flags().String("id", "", "Vector id (random uuid if omitted)")
	insertCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	insertCmd.Flags().String("text", "", "Lexical text indexed for hybrid search")
	insertCmd.Flags().String("metadata", "", "Payload document as JSON")
	insertCmd.MarkFlagRequired("vector")

	searchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.MarkFlagRequired("vector")

	hybridSearchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	hybridSearchCmd.Flags().String("text", "", "Query text")
	hybridSearchCmd.Flags().Int("top-k", 10, "Number of results")
	hybridSearchCmd.Flags().Float64("alpha", 0.5, "RRF blend weight")
	hybridSearchCmd.MarkFlagRequired("vector")

	rootCmd.AddCommand(
		collectionCreateCmd,
		insertCmd,
		deleteCmd,
		searchCmd,
		hybridSearchCmd,
		checkpointCmd,
		replicaStatusCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
