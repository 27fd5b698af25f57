package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evochora/pipeline/internal/config"
	"github.com/evochora/pipeline/internal/infrastructure/db"
	"github.com/evochora/pipeline/internal/topic/pgstore"
	"github.com/evochora/pipeline/internal/topic/wakeup"
	"github.com/evochora/pipeline/internal/wire"
)

var (
	publishConfigPath string
	publishRunID      string
	publishTopic      string
	publishStorageKey string
	publishTickStart  int64
	publishTickEnd    int64
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a BatchInfo message onto a run's batch topic",
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishConfigPath, "config", "", "path to indexerd YAML config")
	publishCmd.Flags().StringVar(&publishRunID, "run-id", "", "simulation run id (required)")
	publishCmd.Flags().StringVar(&publishTopic, "topic", "batch", "topic name to publish onto")
	publishCmd.Flags().StringVar(&publishStorageKey, "storage-key", "", "blob storage key this batch points at (required)")
	publishCmd.Flags().Int64Var(&publishTickStart, "tick-start", 0, "inclusive first tick number in the batch")
	publishCmd.Flags().Int64Var(&publishTickEnd, "tick-end", 0, "inclusive last tick number in the batch")
	publishCmd.MarkFlagRequired("run-id")
	publishCmd.MarkFlagRequired("storage-key")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAppConfig(publishConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbManager, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbManager.Close()

	wk := wakeup.NewRegistry()
	engine := pgstore.New(dbManager.DB(), wk, "topicctl", cfg.Topic.ClaimTimeout)
	defer engine.Close()

	ctx := cmd.Context()
	if err := engine.SetSimulationRun(ctx, publishRunID); err != nil {
		return fmt.Errorf("bind topic engine to run: %w", err)
	}

	info := &wire.BatchInfo{
		SimulationRunID: publishRunID,
		StorageKey:      publishStorageKey,
		TickStart:       publishTickStart,
		TickEnd:         publishTickEnd,
		WrittenAtMs:     time.Now().UnixMilli(),
	}
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid batch_info: %w", err)
	}

	env := wire.NewEnvelope(uuid.NewString(), info.WrittenAtMs, info)
	if err := engine.Publish(ctx, publishTopic, env.Marshal()); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	fmt.Printf("published batch_info run=%s topic=%s ticks=[%d,%d] storage_key=%s\n",
		publishRunID, publishTopic, publishTickStart, publishTickEnd, publishStorageKey)
	return nil
}
