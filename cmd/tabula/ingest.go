package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quorralabs/tabula/config"
	"github.com/quorralabs/tabula/internal/exec"
	"github.com/quorralabs/tabula/internal/extract"
	"github.com/quorralabs/tabula/internal/match"
	"github.com/quorralabs/tabula/internal/retrieval"
	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/tables"
	"github.com/quorralabs/tabula/internal/tablestore"
	openai "github.com/quorralabs/tabula/provider/openai"
)

// ingestCMD loads a CSV into the table pipeline from the command line,
// bypassing the HTTP API. Meant for bulk backfills and local testing.
func ingestCMD() *cobra.Command {
	var cfgPath string
	var businessID string
	var sheetName string

	var ingest = &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Ingest a CSV file as a table document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			cfg := config.LoadConfig(cfgPath)
			if err := cfg.LLM.Validate(); err != nil {
				return err
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer st.DB.Close()

			var rdb *redis.Client
			if cfg.Storage.Redis.Host != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     cfg.Storage.Redis.Addr(),
					Password: cfg.Storage.Redis.Password,
					DB:       cfg.Storage.Redis.DB,
				})
			}

			provider := openai.NewClient(
				cfg.LLM.APIKey, cfg.LLM.BaseURL,
				cfg.LLM.CompletionModel, cfg.LLM.EmbeddingModel,
				cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout,
			)
			tablesCfg := cfg.Tables.Normalize()
			rows, err := tablestore.New(tablesCfg.DataDir)
			if err != nil {
				return err
			}
			keyword, err := retrieval.NewKeywordIndex()
			if err != nil {
				return err
			}
			index := store.NewPgIndex(st)
			orch := retrieval.NewOrchestrator(provider, index, keyword, cfg.Retrieval.Normalize(), nil)
			svc := tables.NewService(
				st, rows, index, provider, provider, orch,
				extract.NewAnalyzer(provider, nil),
				match.New(cfg.Matching.Normalize()),
				exec.New(tablesCfg),
				rdb, tablesCfg, nil,
			)

			grid, err := tables.LoadCSV(path)
			if err != nil {
				return err
			}
			filename := filepath.Base(path)
			if sheetName == "" {
				sheetName = strings.TrimSuffix(filename, filepath.Ext(filename))
			}
			docID, err := st.CreateDocument(ctx, businessID, filename, "text/csv")
			if err != nil {
				return err
			}
			res, err := svc.IngestGrids(ctx, businessID, docID, filename, []tables.NamedGrid{{Name: sheetName, Grid: grid}})
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("ingest failed: %s", strings.Join(res.Errors, "; "))
			}
			if err := st.UpdateDocumentStatus(ctx, docID, "ready"); err != nil {
				return err
			}
			fmt.Printf("document %s: %d sheet(s) ingested: %s\n", docID, res.SheetsIngested, strings.Join(res.Sheets, ", "))
			return nil
		},
	}
	ingest.Flags().StringVar(&businessID, "business", "default", "tenant business id")
	ingest.Flags().StringVar(&sheetName, "sheet", "", "sheet name (default: file name)")
	ingest.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ingest
}
