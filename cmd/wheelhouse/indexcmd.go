package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/index"
)

// indexCMD loads an already-extracted page dump into the search index.
// Extraction/OCR and tagging live in the ingestion pipeline; this is
// only the read-side loader.
func indexCMD() *cobra.Command {
	var cfgPath string
	var pagesFile string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load a JSON page dump into the manual index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			f, err := os.Open(pagesFile)
			if err != nil {
				return err
			}
			defer f.Close()
			var pages []index.Page
			if err := json.NewDecoder(f).Decode(&pages); err != nil {
				return fmt.Errorf("decode %s: %w", pagesFile, err)
			}

			idx, err := index.Create(cfg.Index.Path)
			if err != nil {
				return err
			}
			defer idx.Close()
			if err := idx.AddBatch(pages); err != nil {
				return err
			}
			fmt.Printf("indexed %d pages into %s\n", len(pages), cfg.Index.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pagesFile, "pages", "pages.json", "JSON file of extracted pages")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
