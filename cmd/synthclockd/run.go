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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nsynth/synthclock/clockd"
	"github.com/nsynth/synthclock/refclock"
)

var monitoringAddr string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&cfgPathFlag, "cfg", "", "path to a YAML config file (overrides clockd.DefaultConfig)")
	runCmd.Flags().StringVar(&monitoringAddr, "monitoring-addr", ":21040", "address to serve /metrics on")
	runCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose logging")
}

func runSynthclockd() error {
	cfg, err := clockd.LoadConfig(cfgPathFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	inst, err := clockd.Create(cfg, refclock.NewHW(), nil)
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("starting instance: %w", err)
	}

	fmt.Println(color.GreenString("synthclockd") + " running " + color.CyanString(string(cfg.Servo)) + " servo, poll=" + cfg.PollInterval.String())

	http.Handle("/metrics", promhttp.HandlerFor(inst.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	http.HandleFunc("/status.json", inst.ServeJSONStatus)
	go func() {
		if err := http.ListenAndServe(monitoringAddr, nil); err != nil && err != http.ErrServerClosed {
			log.Errorf("monitoring server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println(color.YellowString("shutting down, finalizing session..."))
	return inst.Stop()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the clock discipline session until interrupted",
	Run: func(_ *cobra.Command, _ []string) {
		configureVerbosity()
		if err := runSynthclockd(); err != nil {
			log.Fatal(err)
		}
	},
}
