package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/es-datastream-sink/internal/config"
	"github.com/gftdcojp/es-datastream-sink/internal/serve"
	"github.com/gftdcojp/es-datastream-sink/internal/streamname"
	"github.com/spf13/cobra"
)

// newRootCommand builds the esds-ctl command tree. All output goes to out.
func newRootCommand(out io.Writer) *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:           "esds-ctl",
		Short:         "es-datastream-sink management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "es-datastream-sink API address")

	api := func() *apiClient {
		return &apiClient{
			base: strings.TrimSuffix(addr, "/"),
			http: &http.Client{Timeout: 10 * time.Second},
		}
	}

	root.AddCommand(
		newVersionCommand(),
		newStatusCommand(api),
		newOutputsCommand(api),
		newOutputCommand(api),
		newValidateCommand(),
		newConfigCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "esds-ctl %s\n", version)
		},
	}
}

func newStatusCommand(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show overall status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st serve.StatusResponse
			if err := api().get("/v1/status", &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newOutputsCommand(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List configured data streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var outputs []serve.OutputSummary
			if err := api().get("/v1/outputs", &outputs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DATA_STREAM\tSTREAM\tPROVISIONED\tCHUNKS\tRECORDS\tBUFFER\tSTORABLE\tLAST_WRITE")
			for _, o := range outputs {
				lastWrite := "-"
				if o.LastWriteAt != nil {
					lastWrite = o.LastWriteAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%t\t%s\n",
					o.DataStream, o.Stream, o.Provisioned, o.Chunks, o.Records,
					o.BufferBytes, o.Storable, lastWrite)
			}
			return w.Flush()
		},
	}
}

func newOutputCommand(api func() *apiClient) *cobra.Command {
	outputCmd := &cobra.Command{Use: "output", Short: "Data stream operations"}
	outputCmd.AddCommand(&cobra.Command{
		Use:   "info <data-stream>",
		Short: "Show provisioning, write stats and consumer state for a data stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail serve.OutputDetail
			if err := api().get("/v1/outputs/"+url.PathEscape(args[0]), &detail); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail)
		},
	})
	return outputCmd
}

// newValidateCommand checks names offline, without contacting the service.
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <data-stream>...",
		Short: "Check data stream names against Elasticsearch naming rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, name := range args {
				res := streamname.Validate(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, res)
				if res != streamname.Valid {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d invalid data stream name(s)", failed)
			}
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Configuration file operations"}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d output(s)\n", len(cfg.Outputs))
			return nil
		},
	})
	return configCmd
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) get(path string, v any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
