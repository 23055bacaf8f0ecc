package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rhythmchamber/internal/app"
	"rhythmchamber/internal/embedding"
	"rhythmchamber/internal/oauth"
)

// indexCmd embeds listening-history text into the local vector store
var indexCmd = &cobra.Command{
	Use:   "index <file>",
	Short: "Index listening history into the vector store",
	Long: `Read newline-separated history entries from a file and embed them into
the workspace vector store. The task checkpoints its progress, so an
interrupted run resumes from the last completed batch.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var texts []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			texts = append(texts, line)
		}
	}
	if len(texts) == 0 {
		return fmt.Errorf("%s contains no entries", args[0])
	}

	ctx := context.Background()
	a, err := app.Init(ctx, cfg, app.Options{Session: oauth.NewMemorySession()})
	if err != nil {
		return err
	}
	defer a.Destroy(ctx)

	if a.Tasks == nil {
		return fmt.Errorf("no embedding backend available; configure ollama or a GenAI key")
	}

	logger.Info("indexing", zap.Int("entries", len(texts)), zap.String("file", args[0]))

	done := make(chan error, 1)
	taskID, err := a.Tasks.StartTask(ctx, embedding.TaskSpec{
		Texts: texts,
		OnProgress: func(processed, total int) {
			fmt.Printf("\r  %d/%d embedded", processed, total)
		},
		OnComplete: func() { done <- nil },
		OnError:    func(err error) { done <- err },
	})
	if err != nil {
		return err
	}

	if err := <-done; err != nil {
		fmt.Println()
		return fmt.Errorf("indexing task %s: %w", taskID, err)
	}
	a.Tasks.Wait()

	fmt.Printf("\n✓ Indexed %d entries (store holds %d chunks)\n", len(texts), a.Vectors.Count())
	return nil
}
