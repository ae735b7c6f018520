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
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/svc-engine/pkg/config"
	"github.com/livekit/svc-engine/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to simulator config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "simulator config in YAML, typically passed in as an environment var",
		EnvVars: []string{"SVC_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "mode",
		Usage: "scalability mode, e.g. L3T3_KEY",
	},
	&cli.IntFlag{
		Name:  "frames",
		Usage: "number of temporal units to encode",
	},
	&cli.UintFlag{
		Name:  "kbps",
		Usage: "initial total target bitrate",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "svc-sim",
		Usage:       "Scalable video controller simulator",
		Description: "run without subcommands to encode one stream and print its frames",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      runSimulation,
		Commands: []*cli.Command{
			{
				Name:   "modes",
				Usage:  "list supported scalability modes",
				Action: listModes,
			},
			{
				Name:   "structure",
				Usage:  "print the dependency structure of the configured mode",
				Action: printStructure,
			},
			{
				Name:   "compare",
				Usage:  "run the configuration against several modes and summarize",
				Action: compareModes,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "modes",
						Usage: "modes to compare, all when empty",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "modes simulated in parallel",
						Value: 4,
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(&conf.Logging)
	return conf, nil
}
