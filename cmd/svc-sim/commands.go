// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-engine/pkg/config"
	"github.com/livekit/svc-engine/pkg/simulator"
	"github.com/livekit/svc-engine/pkg/svc"
	"github.com/livekit/svc-engine/pkg/telemetry/prometheus"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

// startMetrics serves /metrics when a prometheus port is configured. The
// returned func stops the server.
func startMetrics(conf *config.Config) (func(), error) {
	if conf.PrometheusPort == 0 {
		return func() {}, nil
	}
	prometheus.Init("svc-sim")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}

	addr := fmt.Sprintf(":%d", conf.PrometheusPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "cannot bind to metrics endpoint")
	}
	logger.Infow("metrics listening", "addr", addr)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", err)
		}
	}()
	return func() { _ = srv.Close() }, nil
}

// reportWriter writes to the configured report file, or stdout.
func reportWriter(conf *config.Config) (io.Writer, func() error, error) {
	if conf.ReportFile == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(conf.ReportFile)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func runSimulation(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	stopMetrics, err := startMetrics(conf)
	if err != nil {
		return err
	}
	defer stopMetrics()

	ctx, cancel := signalContext()
	defer cancel()

	result, err := simulator.Run(ctx, simulator.Params{
		Config: conf,
		Mode:   conf.ScalabilityMode(),
	})
	if err != nil {
		return err
	}

	w, closeReport, err := reportWriter(conf)
	if err != nil {
		return err
	}
	simulator.WriteFrames(w, result)
	simulator.WriteSummary(w, []*simulator.Result{result})
	if err = closeReport(); err != nil {
		return err
	}

	if err = result.Validate(); err != nil {
		logger.Warnw("stream is not decodable", err, "mode", result.Mode.String())
		return err
	}
	return nil
}

func listModes(_ *cli.Context) error {
	return simulator.WriteModes(os.Stdout)
}

func printStructure(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	controller, err := svc.CreateScalabilityStructure(conf.ScalabilityMode(), logger.GetLogger())
	if err != nil {
		return err
	}

	structure := controller.DependencyStructure()
	structure.Resolutions = controller.StreamConfig().Resolutions(conf.Width, conf.Height)
	fmt.Println(controller.StreamConfig().String())
	simulator.WriteStructure(os.Stdout, structure)
	return nil
}

func compareModes(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	modes := svc.AllScalabilityModes()
	if names := c.StringSlice("modes"); len(names) != 0 {
		modes = modes[:0]
		for _, name := range names {
			mode, ok := svc.ScalabilityModeFromString(name)
			if !ok {
				return errors.Wrap(config.ErrUnknownMode, name)
			}
			modes = append(modes, mode)
		}
	}

	stopMetrics, err := startMetrics(conf)
	if err != nil {
		return err
	}
	defer stopMetrics()

	ctx, cancel := signalContext()
	defer cancel()

	results, err := simulator.Compare(ctx, conf, modes, c.Int("workers"), logger.GetLogger())
	if err != nil {
		return err
	}

	w, closeReport, err := reportWriter(conf)
	if err != nil {
		return err
	}
	simulator.WriteSummary(w, results)
	return closeReport()
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
