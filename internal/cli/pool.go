package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/solvepad/solvepad/internal/daemon"
	"github.com/solvepad/solvepad/internal/infra/keypool"
)

func init() {
	poolCmd.AddCommand(poolEnableCmd)
	rootCmd.AddCommand(poolCmd)
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show key pool state of the running daemon",
	RunE:  runPool,
}

var poolEnableCmd = &cobra.Command{
	Use:   "enable <provider> <key-id>",
	Short: "Re-enable a disabled key",
	Args:  cobra.ExactArgs(2),
	RunE:  runPoolEnable,
}

// Pool state lives in the daemon process, so these commands talk to its
// admin endpoints rather than reading the database.
func adminURL(path string) (string, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d/admin%s", cfg.API.Host, cfg.API.Port, path), nil
}

func runPool(cmd *cobra.Command, args []string) error {
	url, err := adminURL("/pool")
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var snap map[string]keypool.ProviderSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	if len(snap) == 0 {
		fmt.Println("No providers configured.")
		return nil
	}

	providers := make([]string, 0, len(snap))
	for p := range snap {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tKEY\tREQUESTS\tFAILURES\tMIN/HR\tIN-FLIGHT\tSTATE")
	for _, p := range providers {
		s := snap[p]
		for _, k := range s.Keys {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d/%d\t%d\t%s\n",
				p, k.ID, k.RequestsTotal, k.FailuresTotal,
				k.MinuteCount, k.HourCount, k.InFlight, keyStateLabel(k))
		}
	}
	return w.Flush()
}

func keyStateLabel(k keypool.KeyStats) string {
	switch {
	case k.Disabled:
		return "disabled"
	case !k.CooldownUntil.IsZero() && k.CooldownUntil.After(time.Now()):
		return "cooldown until " + k.CooldownUntil.Format("15:04:05")
	default:
		return "ok"
	}
}

func runPoolEnable(cmd *cobra.Command, args []string) error {
	url, err := adminURL(fmt.Sprintf("/pool/%s/keys/%s/enable", args[0], args[1]))
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	fmt.Printf("Key %s/%s enabled.\n", args[0], args[1])
	return nil
}
