package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/hydro-controller/pkg/discovery"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List controllers advertising on the local network",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		found, err := discovery.Browse(cmd.Context(), cfg.Discovery.ServiceType, cfg.Discovery.Domain, discoverTimeout)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No controllers found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tURL\tVERSION\tDEVICES")
		for _, c := range found {
			devices := []string{}
			for _, class := range []string{"pumps", "relays"} {
				if n, ok := c.TXT[class]; ok {
					devices = append(devices, class+"="+n)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, c.URL(), c.TXT["version"], strings.Join(devices, " "))
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 2*time.Second, "how long to wait for answers")
	rootCmd.AddCommand(discoverCmd)
}
