package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/solvepad/solvepad/internal/daemon"
	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/sqlite"
)

func init() {
	tasksCmd.Flags().StringVar(&tasksUser, "user", "", "Only tasks for this phone number")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Maximum rows to show")
	tasksCmd.Flags().BoolVar(&tasksActive, "active", false, "Only non-terminal tasks")
	rootCmd.AddCommand(tasksCmd)
}

var (
	tasksUser   string
	tasksLimit  int
	tasksActive bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recorded tasks",
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	var statuses []domain.TaskStatus
	if tasksActive {
		statuses = []domain.TaskStatus{
			domain.TaskPending, domain.TaskProcessing, domain.TaskAwaitingConfirmation,
		}
	}
	tasks, err := db.ListTasks(statuses, tasksUser, tasksLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPROGRESS\tSOLVED/TOTAL\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d/%d\t%s\n",
			t.ID,
			t.UserPhone,
			t.Status,
			t.Progress,
			t.Counts.Solved, t.Counts.Total,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}
