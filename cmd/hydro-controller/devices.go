package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/hydro-controller/internal/hardware"
	"github.com/dsyorkd/hydro-controller/internal/pump"
)

var pumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Drive a dosing pump",
}

var waitForCompletion bool

var pumpDispenseCmd = &cobra.Command{
	Use:   "dispense <pump-id> <ml>",
	Short: "Dispense a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pump id %q", args[0])
		}
		ml, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid volume %q", args[1])
		}
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			job, err := s.Pumps.StartDispense(cmd.Context(), id, ml)
			if err != nil {
				return err
			}
			if waitForCompletion {
				if job, err = waitForPump(cmd.Context(), s, id); err != nil {
					return err
				}
			}
			return printJSON(job)
		})
	},
}

var pumpStopCmd = &cobra.Command{
	Use:   "stop <pump-id>",
	Short: "Stop a pump",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pump id %q", args[0])
		}
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			job, err := s.Pumps.Stop(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

var pumpCalibrateCmd = &cobra.Command{
	Use:   "calibrate <pump-id> <actual-ml>",
	Short: "Record the volume a calibration run actually moved",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pump id %q", args[0])
		}
		ml, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid volume %q", args[1])
		}
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			return s.Pumps.Calibrate(cmd.Context(), id, ml)
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Switch relays",
}

var relaySetCmd = &cobra.Command{
	Use:   "set <relay-id|all> <on|off>",
	Short: "Switch one relay or all of them",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[1] {
		case "on", "1", "true":
			on = true
		case "off", "0", "false":
		default:
			return fmt.Errorf("invalid relay state %q, want on or off", args[1])
		}

		return withSystem(cmd.Context(), func(s *hardware.System) error {
			if args[0] == "all" {
				result, err := s.Relays.SetAll(cmd.Context(), on)
				if printErr := printJSON(result); printErr != nil {
					return printErr
				}
				return err
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid relay id %q", args[0])
			}
			return s.Relays.Set(cmd.Context(), id, on)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted state of every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			snap, err := s.Snapshot()
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Run a legacy command such as Start;Dispense;1;12.5;end",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			out, err := s.Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		})
	},
}

var rawCmd = &cobra.Command{
	Use:   "raw <address> <command>",
	Short: "Send one device command such as R, TV,? or P,? and print the parsed answer",
	Long: `Send one device command directly to an I2C address, for example
hydro-controller raw 0x67 TV,?

Commands sent this way bypass job tracking.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, err := strconv.ParseInt(args[0], 0, 16)
		if err != nil {
			return fmt.Errorf("invalid address %q", args[0])
		}
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			value, err := s.Transport.SendText(cmd.Context(), int(address), args[1])
			if err != nil {
				return err
			}
			return printJSON(value)
		})
	},
}

var emergencyStopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Halt every pump and meter and switch every relay off",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(s *hardware.System) error {
			return s.EmergencyStop(cmd.Context())
		})
	},
}

func init() {
	pumpDispenseCmd.Flags().BoolVarP(&waitForCompletion, "wait", "w", false, "poll until the dispense finishes")
	pumpCmd.AddCommand(pumpDispenseCmd, pumpStopCmd, pumpCalibrateCmd)
	relayCmd.AddCommand(relaySetCmd)
	rootCmd.AddCommand(pumpCmd, relayCmd, statusCmd, sendCmd, rawCmd, emergencyStopCmd)
}

// waitForPump polls once a second until the job leaves the dispensing state
func waitForPump(ctx context.Context, s *hardware.System, id int) (pump.Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pump.Job{}, ctx.Err()
		case <-ticker.C:
			job, err := s.Pumps.Poll(ctx, id)
			if err != nil {
				return job, err
			}
			if job.State != pump.StateDispensing && job.State != pump.StatePaused {
				return job, nil
			}
		}
	}
}
