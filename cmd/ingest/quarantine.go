package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/config"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/quarantine"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/verify"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func quarantineCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantined documents",
	}
	cmd.AddCommand(quarantineListCMD())
	return cmd
}

func quarantineListCMD() *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "Print quarantined entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix(config.EnvPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			store, err := quarantine.NewFileStore(quarantine.NewFileStoreParams{
				Dir: v.GetString("quarantine-dir"),
			})
			if err != nil {
				return err
			}

			filter := quarantine.Filter{
				Reason: verify.Reason(v.GetString("reason")),
				Source: v.GetString("source"),
				Limit:  v.GetInt("limit"),
			}
			if since := v.GetDuration("since"); since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if v.GetBool("json") {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if entries == nil {
					entries = []quarantine.Entry{}
				}
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tQUARANTINED\tREASON\tDOCUMENT\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.ID,
					e.QuarantinedAt.Format(time.RFC3339),
					e.Reason,
					e.Document.Key(),
					truncate(e.Detail, 80),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(os.Stderr, "no quarantined documents")
			}
			return nil
		},
	}
	list.Flags().String("quarantine-dir", "data/quarantine", "directory for quarantined documents")
	list.Flags().String("reason", "", "only entries with this reason")
	list.Flags().String("source", "", "only entries from this source")
	list.Flags().Duration("since", 0, "only entries younger than this")
	list.Flags().Int("limit", 0, "newest entries to show (0 shows all)")
	list.Flags().Bool("json", false, "print JSON")
	return list
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
