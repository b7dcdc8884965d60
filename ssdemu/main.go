package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/newhook/zftl/ftl"
	"github.com/newhook/zftl/mon"
	"github.com/newhook/zftl/nand"
)

var (
	configPath string
	imagePath  string
	verbose    bool
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// openDevice builds an FTL over a fresh array or a saved image.
func openDevice(forceFormat bool) (*ftl.FTL, error) {
	geom, err := loadGeometry(configPath)
	if err != nil {
		return nil, err
	}

	var flash *nand.Flash
	if imagePath != "" {
		if _, statErr := os.Stat(imagePath); statErr == nil {
			flash, err = nand.LoadImage(imagePath)
			if err != nil {
				return nil, err
			}
		}
	}

	f, err := ftl.New(geom, flash, ftl.Options{
		ForceFormat: forceFormat,
		Logger:      newLogger(),
	})
	if err != nil {
		return nil, err
	}
	if err := f.Open(); err != nil {
		return nil, err
	}
	return f, nil
}

func saveDevice(f *ftl.FTL) error {
	if imagePath == "" {
		return nil
	}
	f.Flush()
	return f.Flash().SaveImage(imagePath)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the interactive device monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openDevice(false)
			if err != nil {
				return err
			}
			p := tea.NewProgram(mon.NewMonitor(f))
			if _, err := p.Run(); err != nil {
				return err
			}
			return saveDevice(f)
		},
	}
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Low-level format the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openDevice(true)
			if err != nil {
				return err
			}
			return saveDevice(f)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print device geometry and zone states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openDevice(false)
			if err != nil {
				return err
			}
			g := f.Geometry()
			fmt.Fprintf(cmd.OutOrStdout(), "banks: %d, blocks/bank: %d, pages/block: %d\n",
				g.NumBanks, g.VblksPerBank, g.PagesPerBlk)
			fmt.Fprintf(cmd.OutOrStdout(), "sectors: %d, zone size: %d sectors, zones: %d\n",
				g.NumLSectors(), g.ZoneSize(), g.NZone)
			fmt.Fprintf(cmd.OutOrStdout(), "random region: %d sectors over %d blocks/bank\n",
				g.RandZoneEnd(), f.RandWriteBlks())
			for _, d := range f.ZoneDescs(0, g.NZone) {
				fmt.Fprintf(cmd.OutOrStdout(), "zone %2d %-8s slba=%-8d wp=%d\n", d.Zone, d.State, d.SLBA, d.WP)
			}
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "ssdemu",
		Short: "Hybrid page-mapped / zoned SSD emulator",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "geometry TOML file")
	root.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "flash image file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(newRunCmd(), newFormatCmd(), newInfoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
