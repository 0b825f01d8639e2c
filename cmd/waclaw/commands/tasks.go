package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// newTasksCmd creates the `waclaw tasks` command that lists scheduled
// tasks straight from the store.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List scheduled tasks",
		RunE:  runTasks,
	}
	cmd.Flags().String("group", "", "filter by group folder")
	return cmd
}

func runTasks(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	st, err := store.New(filepath.Join(cfg.StoreDir, "waclaw.db"), slog.Default())
	if err != nil {
		return err
	}
	defer st.Close()

	group, _ := cmd.Flags().GetString("group")
	tasks, err := st.ListTasks(group)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  [%s]  %s %s  next=%s  group=%s\n",
			t.ID, t.Status, t.ScheduleType, t.ScheduleValue, t.NextRun, t.GroupFolder)
	}
	return nil
}
