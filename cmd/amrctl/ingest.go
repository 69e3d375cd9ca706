package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/amrhunter/internal/fetch"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
)

func newIngestCmd(a *app) *cobra.Command {
	var format, downloadURL string
	cmd := &cobra.Command{
		Use:   "ingest <job-id> <file-or-url>",
		Short: "Load a Bakta TSV or JSON output as the job's annotations",
		Long: "Replaces every stored annotation of the job with the features in the file.\n" +
			"An http(s) URL is downloaded first and recorded as the file's download URL.\n" +
			"The format is taken from the file extension unless --format is given.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, src := args[0], args[1]

			var (
				body io.ReadCloser
				file ingest.ResultFile
			)
			if fetch.IsURL(src) {
				dl, err := a.fetcher.Get(cmd.Context(), src)
				if err != nil {
					return err
				}
				body = dl.Body
				file = ingest.ResultFile{FilePath: dl.FileName, DownloadURL: dl.URL}
			} else {
				f, err := os.Open(src)
				if err != nil {
					return errors.Wrap(err, "open annotation file")
				}
				body = f
				abs, err := filepath.Abs(src)
				if err != nil {
					abs = src
				}
				file = ingest.ResultFile{FilePath: abs, DownloadURL: downloadURL}
			}
			defer body.Close()

			if format == "" {
				format = formatFromPath(file.FilePath)
			}
			report, err := a.ingester.Ingest(cmd.Context(), jobID, format, body, file)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %s: parsed %d, saved %d annotations (%s)\n",
				report.JobID, report.Parsed, report.Saved, report.Format)
			if !report.Batch.Success {
				fmt.Fprintf(out, "%d of %d batches failed\n", report.Batch.Failed, report.Batch.Batches)
				return report.Batch.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Input format (tsv|json)")
	cmd.Flags().StringVar(&downloadURL, "download-url", "", "Where a local file was downloaded from")
	return cmd
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ingest.FormatJSON
	}
	return ingest.FormatTSV
}
