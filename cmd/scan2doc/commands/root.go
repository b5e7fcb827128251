// Package commands implements the scan2doc CLI.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "scan2doc",
	Short: "scan2doc - scanned documents to searchable Markdown, DOCX and PDF",
	Long: `scan2doc turns scanned PDFs and images into editable documents: pages are
rasterized, sent to an OCR endpoint, and assembled into layout-aware Markdown,
DOCX, and searchable sandwich PDFs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Missing .env is fine; the config layer has defaults for everything.
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
