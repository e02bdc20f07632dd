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
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is synthclockd's entry point, grown the way calnex/cmd.RootCmd
// and ptpcheck/cmd.RootCmd grow theirs: one exported root, subcommands
// register themselves onto it from their own init().
var RootCmd = &cobra.Command{
	Use:   "synthclockd",
	Short: "software-disciplined synthetic clock",
}

var (
	cfgPathFlag  string
	manifestFlag string
	verboseFlag  bool
)

// Execute runs the command tree; any returned error is fatal.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func configureVerbosity() {
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}
