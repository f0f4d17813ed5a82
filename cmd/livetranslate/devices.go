package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the configured capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if len(cfg.Audio.Devices) == 0 {
			fmt.Println("No capture devices configured.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Name", "Format", "Input", "Channels", "Default Sample Rate", "Microphone"})
		table.SetBorder(false)
		table.SetCenterSeparator("|")
		table.SetColumnSeparator("|")
		table.SetRowSeparator("-")
		table.SetAutoWrapText(false)
		table.SetAutoFormatHeaders(true)

		for i, d := range cfg.Audio.Devices {
			mic := "yes"
			if d.Channels <= 0 {
				mic = "no"
			}
			table.Append([]string{
				strconv.Itoa(i),
				d.Name,
				d.Format,
				d.Input,
				strconv.Itoa(d.Channels),
				strconv.FormatFloat(d.DefaultSampleRate, 'f', 0, 64),
				mic,
			})
		}

		table.Render()
		return nil
	},
}
