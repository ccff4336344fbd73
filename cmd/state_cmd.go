package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobrunner/internal/state"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the key/value state store",
	}
	cmd.AddCommand(stateGetCmd())
	cmd.AddCommand(stateSetCmd())
	cmd.AddCommand(stateDeleteCmd())
	cmd.AddCommand(stateItemsCmd())
	return cmd
}

func stateGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [namespace] [key]",
		Short: "Read a state value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			value, ok, err := state.NewEngine(s).Get(args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("state %s/%s not found", args[0], args[1])
			}
			fmt.Println(value)
			return nil
		},
	}
}

func stateSetCmd() *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "set [namespace] [key] [value]",
		Short: "Write a state value, optionally with a TTL",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := state.NewEngine(s).Set(args[0], args[1], args[2], ttl); err != nil {
				return err
			}
			fmt.Printf("Set %s/%s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "", "expiry, e.g. 30m, 12h, 7d")
	return cmd
}

func stateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [namespace] [key]",
		Short: "Delete a state row and its items",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := state.NewEngine(s).Delete(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func stateItemsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "items [namespace] [key]",
		Short: "List collection item keys, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			keys, err := state.NewEngine(s).ListItemKeys(args[0], args[1], limit, false)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum keys to show (0 = all)")
	return cmd
}
