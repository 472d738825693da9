package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-adaptive/internal/executor"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// watchDebounce collapses the burst of events an editor produces on save.
const watchDebounce = 200 * time.Millisecond

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "watch <plan.yaml>",
		Short:        "Execute a plan file and re-execute it whenever it changes",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create fsnotify watcher: %w", err)
			}
			defer watcher.Close()
			// Watch the directory: editors often replace the file on save.
			if err := watcher.Add(filepath.Dir(path)); err != nil {
				return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
			}

			run := func(ctx context.Context) {
				plan, err := executor.LoadPlan(path)
				if err != nil {
					log.Error().Err(err).Str("path", path).Msg("invalid plan file")
					return
				}
				result, ectx, err := a.engine.ExecutePlan(ctx, plan)
				if err != nil {
					log.Error().Err(err).Str("plan_id", plan.ID).Msg("plan rejected")
					return
				}
				if err := writeJSON(cmd.OutOrStdout(), newReport(result, ectx, false)); err != nil {
					log.Error().Err(err).Msg("write result")
				}
			}
			return watchLoop(cmd.Context(), watcher, path, run)
		},
	}
	return cmd
}

// watchLoop runs fn once, then again after every settled change to path,
// until ctx is done.
func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, fn func(context.Context)) error {
	fn(ctx)

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				log.Debug().Str("op", event.Op.String()).Str("path", event.Name).Msg("plan file changed")
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("fsnotify error")
		case <-timer.C:
			fn(ctx)
		}
	}
}
