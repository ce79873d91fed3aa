package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mirrorkit/mirror/internal/store"
)

var statusOutput string

// kindStatus is one row of the status report.
type kindStatus struct {
	Kind      string `json:"kind" yaml:"kind"`
	Records   int    `json:"records" yaml:"records"`
	Watermark string `json:"watermark,omitempty" yaml:"watermark,omitempty"`
}

type statusReport struct {
	Store string       `json:"store" yaml:"store"`
	Kinds []kindStatus `json:"kinds" yaml:"kinds"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica status",
	Long: `Display the local replica's state: record counts and the sync
watermark of every registered kind.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger("[status] ")
		eng, err := buildEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		report := statusReport{Store: storeDescription()}
		err = eng.store.RunInContext(func(ctx *store.Context) error {
			for _, kind := range eng.registry.Kinds() {
				ks := kindStatus{Kind: string(kind)}
				n, err := ctx.Count(kind)
				if err != nil {
					return err
				}
				ks.Records = n
				m, err := eng.marks.Get(ctx, kind, "")
				if err != nil {
					return err
				}
				if m != nil {
					ks.Watermark = m.UpdateDate.Format(time.RFC3339)
				}
				report.Kinds = append(report.Kinds, ks)
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		switch statusOutput {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
		case "yaml":
			data, err := yaml.Marshal(report)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(data)
		default:
			fmt.Printf("\nReplica status (%s)\n\n", report.Store)
			for _, ks := range report.Kinds {
				wm := ks.Watermark
				if wm == "" {
					wm = "never synced"
				}
				fmt.Printf("  %-20s %6d records   watermark %s\n", ks.Kind, ks.Records, wm)
			}
			fmt.Println()
		}
	},
}

func storeDescription() string {
	driver := viper.GetString("store.driver")
	if driver == "sqlite" {
		return fmt.Sprintf("sqlite: %s", viper.GetString("store.path"))
	}
	return driver
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
