/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nsynth/synthclock/session"
)

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&manifestFlag, "manifest", "", "path to a session manifest.json")
	if err := statusCmd.MarkFlagRequired("manifest"); err != nil {
		log.Fatal(err)
	}
}

func printManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m session.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	fmt.Printf("run %s: %s -> %s, %d dropped events, %d incidents\n",
		m.RunUUID, m.StartISO, m.EndISO, m.DroppedEvents, len(m.Incidents))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(20)
	table.SetHeader([]string{"path", "bytes", "sha256", "sealed"})
	for _, f := range m.Files {
		table.Append([]string{
			f.Path,
			fmt.Sprintf("%d", f.Bytes),
			f.SHA256,
			fmt.Sprintf("%v", f.Sealed),
		})
	}
	table.Render()

	for _, incident := range m.Incidents {
		fmt.Println("incident:", incident)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print a finalized session's manifest as a table",
	Run: func(_ *cobra.Command, _ []string) {
		configureVerbosity()
		if err := printManifest(manifestFlag); err != nil {
			log.Fatal(err)
		}
	},
}
