package main

import (
	"fmt"

	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/evochora/pipeline/internal/config"
	"github.com/evochora/pipeline/internal/infrastructure/db"
	"github.com/evochora/pipeline/internal/storage"
)

var (
	statusConfigPath string
	statusRunID      string
	statusTopic      string
	statusGroup      string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report topic backlog and consumer-group lag for a run",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusConfigPath, "config", "", "path to indexerd YAML config")
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "simulation run id (required)")
	statusCmd.Flags().StringVar(&statusTopic, "topic", "batch", "topic name to report on")
	statusCmd.Flags().StringVar(&statusGroup, "group", "", "consumer group to report lag for (required)")
	statusCmd.MarkFlagRequired("run-id")
	statusCmd.MarkFlagRequired("group")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAppConfig(statusConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbManager, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbManager.Close()

	schema := pq.QuoteIdentifier(storage.SanitizeSchemaName(statusRunID))
	ctx := cmd.Context()

	var published int64
	publishedQuery := fmt.Sprintf(`SELECT count(*) FROM %s.topic_messages WHERE topic_name = $1`, schema)
	if err := dbManager.DB().GetContext(ctx, &published, publishedQuery, statusTopic); err != nil {
		return fmt.Errorf("count published: %w", err)
	}

	var acknowledged, claimedUnacked int64
	ackQuery := fmt.Sprintf(`SELECT count(*) FROM %s.topic_consumer_group WHERE topic_name = $1 AND consumer_group = $2 AND acknowledged_at IS NOT NULL`, schema)
	if err := dbManager.DB().GetContext(ctx, &acknowledged, ackQuery, statusTopic, statusGroup); err != nil {
		return fmt.Errorf("count acknowledged: %w", err)
	}
	claimedQuery := fmt.Sprintf(`SELECT count(*) FROM %s.topic_consumer_group WHERE topic_name = $1 AND consumer_group = $2 AND acknowledged_at IS NULL AND claimed_at IS NOT NULL`, schema)
	if err := dbManager.DB().GetContext(ctx, &claimedUnacked, claimedQuery, statusTopic, statusGroup); err != nil {
		return fmt.Errorf("count claimed: %w", err)
	}

	fmt.Printf("run=%s topic=%s group=%s\n", statusRunID, statusTopic, statusGroup)
	fmt.Printf("  published:        %d\n", published)
	fmt.Printf("  acknowledged:     %d\n", acknowledged)
	fmt.Printf("  claimed, unacked: %d\n", claimedUnacked)
	fmt.Printf("  backlog:          %d\n", published-acknowledged)
	return nil
}
