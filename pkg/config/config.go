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

package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-engine/pkg/svc"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "SVC"
)

var (
	ErrUnknownMode       = errors.New("unknown scalability mode")
	ErrInvalidResolution = errors.New("width and height must be positive")
	ErrInvalidExtID      = errors.New("dependency descriptor extension id must be between 1 and 255")
	ErrLayerCount        = errors.New("layer bitrates do not match the number of spatial layers")
)

type Config struct {
	Mode           string        `yaml:"mode,omitempty"`
	Width          int           `yaml:"width,omitempty"`
	Height         int           `yaml:"height,omitempty"`
	FrameRate      int           `yaml:"frame_rate,omitempty"`
	Frames         int           `yaml:"frames,omitempty"`
	RTP            RTPConfig     `yaml:"rtp,omitempty"`
	Bitrate        BitrateConfig `yaml:"bitrate,omitempty"`
	ReportFile     string        `yaml:"report_file,omitempty"`
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RTPConfig struct {
	SSRC                      uint32 `yaml:"ssrc,omitempty"`
	PayloadType               uint8  `yaml:"payload_type,omitempty"`
	MaxPayloadSize            int    `yaml:"max_payload_size,omitempty"`
	DependencyDescriptorExtID uint8  `yaml:"dependency_descriptor_ext_id,omitempty"`
	// indices of sent packets the simulated receiver never gets
	LosePackets []int `yaml:"lose_packets,omitempty"`
}

type BitrateConfig struct {
	// total target applied from the first temporal unit
	StartKbps uint32 `yaml:"start_kbps,omitempty"`
	// one entry per spatial layer, derived from the mode when empty
	Layers   []svc.SpatialLayerBitrates `yaml:"layers,omitempty"`
	Schedule []RateChange               `yaml:"schedule,omitempty"`
	// temporal units before which a key frame is requested
	KeyframeRequests []int `yaml:"keyframe_requests,omitempty"`
}

// RateChange sets the total target bitrate from a temporal unit on.
type RateChange struct {
	Frame int    `yaml:"frame,omitempty"`
	Kbps  uint32 `yaml:"kbps,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	Mode:      "L3T3_KEY",
	Width:     1280,
	Height:    720,
	FrameRate: 30,
	Frames:    90,
	RTP: RTPConfig{
		SSRC:                      0x5356_4301,
		PayloadType:               45,
		MaxPayloadSize:            1200,
		DependencyDescriptorExtID: 8,
	},
	Bitrate: BitrateConfig{
		StartKbps: 2500,
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	if err = yaml.Unmarshal(marshalled, &conf); err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err = decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err = conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err = conf.Validate(); err != nil {
		return nil, err
	}

	if conf.ReportFile != "" {
		file, err := homedir.Expand(os.ExpandEnv(conf.ReportFile))
		if err != nil {
			return nil, err
		}
		conf.ReportFile = file
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	sort.SliceStable(conf.Bitrate.Schedule, func(i, j int) bool {
		return conf.Bitrate.Schedule[i].Frame < conf.Bitrate.Schedule[j].Frame
	})

	return &conf, nil
}

func (conf *Config) Validate() error {
	mode, ok := svc.ScalabilityModeFromString(conf.Mode)
	if !ok {
		return errors.Wrap(ErrUnknownMode, conf.Mode)
	}
	if conf.Width <= 0 || conf.Height <= 0 {
		return ErrInvalidResolution
	}
	if conf.RTP.DependencyDescriptorExtID == 0 {
		return ErrInvalidExtID
	}
	if n := len(conf.Bitrate.Layers); n != 0 && n != mode.NumSpatialLayers() {
		return errors.Wrapf(ErrLayerCount, "%s has %d spatial layers, got %d", mode, mode.NumSpatialLayers(), n)
	}
	return nil
}

// ScalabilityMode must only be called on a validated config.
func (conf *Config) ScalabilityMode() svc.ScalabilityMode {
	mode, _ := svc.ScalabilityModeFromString(conf.Mode)
	return mode
}

// TargetKbps returns the total bitrate in effect for a temporal unit.
func (conf *Config) TargetKbps(frame int) uint32 {
	kbps := conf.Bitrate.StartKbps
	for _, change := range conf.Bitrate.Schedule {
		if change.Frame > frame {
			break
		}
		kbps = change.Kbps
	}
	return kbps
}

// RateChangesAt reports whether the schedule changes the target at a temporal unit.
func (conf *Config) RateChangesAt(frame int) bool {
	for _, change := range conf.Bitrate.Schedule {
		if change.Frame == frame {
			return true
		}
	}
	return false
}

func (conf *Config) PacketLost(index uint64) bool {
	for _, i := range conf.RTP.LosePackets {
		if uint64(i) == index {
			return true
		}
	}
	return false
}

func (conf *Config) KeyframeRequestedAt(frame int) bool {
	for _, f := range conf.Bitrate.KeyframeRequests {
		if f == frame {
			return true
		}
	}
	return false
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

// ToCLIFlagNames maps dotted yaml paths to the config values they set.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func envVarFor(name string) string {
	return fmt.Sprintf("%s_%s", envVarPrefix, strings.ToUpper(strings.ReplaceAll(name, ".", "_")))
}

// GenerateCLIFlags creates a flag for every scalar config value not already
// covered by existingFlags. Slices and maps are only settable through yaml.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVars := []string{envVarFor(name)}

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{Name: name, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.String:
			flag = &cli.StringFlag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Int, reflect.Int32, reflect.Int64:
			flag = &cli.Int64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			flag = &cli.Uint64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{Name: name, EnvVars: envVars, Usage: generatedCLIFlagUsage, Hidden: hidden}
		case reflect.Slice, reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Names()[0] < flags[j].Names()[0]
	})
	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// c.IsSet is always false for flag sets built in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			configValue.Set(reflect.New(configValue.Type().Elem()))
			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("mode") {
		conf.Mode = c.String("mode")
	}
	if c.IsSet("frames") {
		conf.Frames = c.Int("frames")
	}
	if c.IsSet("kbps") {
		conf.Bitrate.StartKbps = uint32(c.Uint("kbps"))
	}
	return nil
}

// GetConfigString prefers an inline body over the contents of a config file.
func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(configFile)
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "svc-engine")
}
