package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-modelvault/internal/database"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write persisted settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Print one setting, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(func(db *database.DB) error { return db.SetSetting(args[0], args[1]) })
	},
}

var settingsUnsetCmd = &cobra.Command{
	Use:   "unset <name>",
	Short: "Remove a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSettings(func(db *database.DB) error { return db.DeleteSetting(args[0]) })
	},
}

var settingsScansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Show the last recorded scan of every root",
	RunE:  runSettingsScans,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsUnsetCmd, settingsScansCmd)
}

// withSettings opens only the settings store.
func withSettings(fn func(db *database.DB) error) error {
	db, err := database.Open(globalConfig.SettingsPath)
	if err != nil {
		return err
	}
	return errors.Join(fn(db), db.Close())
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withSettings(func(db *database.DB) error {
		if len(args) == 1 {
			v, err := db.GetSetting(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		}
		all, err := db.Settings()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(all))
		for name := range all {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s = %s\n", name, all[name])
		}
		return nil
	})
}

func runSettingsScans(cmd *cobra.Command, args []string) error {
	return withSettings(func(db *database.DB) error {
		scans, err := db.LastScans()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ROOT\tLOCATION\tSCANNED\tADDED\tUPDATED\tREMOVED\tERRORS\tDURATION\tFINISHED")
		for _, s := range scans {
			loc := s.Location
			if loc == "" {
				loc = "workflows"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n", s.Root, loc, s.Scanned, s.Added, s.Updated,
				s.Removed, s.Errors, time.Duration(s.DurationMs)*time.Millisecond, s.FinishedAt.Format(time.DateTime))
		}
		return tw.Flush()
	})
}
