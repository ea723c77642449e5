package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-guard/internal/cache"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local attempt cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <exam-id>",
	Short: "Show the cached snapshot and pending sync of an exam",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <exam-id>",
	Short: "Delete the cached snapshot and pending sync of an exam",
	Long: `Delete the local copy of an attempt. Answers that never reached the
central server are lost, so this asks for confirmation unless --yes is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runCacheClear,
}

func init() {
	cacheClearCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	examID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid exam id: %w", err)
	}
	ctx := context.Background()
	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	printHeader("Local cache for exam " + examID.String())
	for _, entry := range []struct{ label, key string }{
		{"Snapshot", config.CacheKey.SnapshotKey(examID.String())},
		{"Pending sync", config.CacheKey.PendingSyncKey(examID.String())},
	} {
		raw, err := store.Get(ctx, entry.key)
		if errors.Is(err, cache.ErrNotFound) {
			printInfo("%-13s none", entry.label+":")
			continue
		}
		if err != nil {
			return err
		}
		var snap model.CacheSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			printError("%s is corrupt: %v", strings.ToLower(entry.label), err)
			continue
		}
		printSnapshot(entry.label, snap)
	}
	return nil
}

func printSnapshot(label string, snap model.CacheSnapshot) {
	saved := time.UnixMilli(snap.SavedAtEpochMillis).Local().Format(time.RFC3339)
	printInfo("%-13s saved %s", label+":", saved)
	printInfo("  Answered:   %d", len(snap.Answers))
	printInfo("  Flagged:    %v", snap.FlaggedQuestionIDs)
	printInfo("  Question:   %d", snap.CurrentQuestionIndex+1)
	printInfo("  Time left:  %s", time.Duration(snap.TimeRemainingSeconds)*time.Second)

	ids := make([]int, 0, len(snap.Answers))
	for q := range snap.Answers {
		ids = append(ids, q)
	}
	sort.Ints(ids)
	for _, q := range ids {
		printInfo("    Q%-4d -> option %d", q, snap.Answers[q])
	}
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	examID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid exam id: %w", err)
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Printf("Delete the local attempt cache for %s? [y/N]: ", examID)
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			printInfo("Aborted")
			return nil
		}
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Delete(ctx,
		config.CacheKey.SnapshotKey(examID.String()),
		config.CacheKey.PendingSyncKey(examID.String()),
	); err != nil {
		return err
	}
	log.Info().Str("exam_id", examID.String()).Msg("Local cache cleared")
	printInfo("Cleared")
	return nil
}
