package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/bwb-tools/efatura-export/internal/config"
	"github.com/bwb-tools/efatura-export/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and any pending resume marker",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := store.NewStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	docs, err := st.DocumentCount()
	if err != nil {
		return err
	}
	rows, err := st.TotalRows()
	if err != nil {
		return err
	}
	marker, err := st.Marker()
	if err != nil {
		return err
	}

	cmd.Printf("Store: %s\n", st.Path())
	cmd.Printf("  documents: %d\n", docs)
	cmd.Printf("  rows:      %d\n", rows)
	if marker != nil {
		cmd.Printf("  resume marker: %s (started %s), next run will rewrite it\n",
			marker.UID, marker.StartedAt.Format(time.RFC3339))
	} else {
		cmd.Println("  resume marker: none")
	}
	return nil
}
