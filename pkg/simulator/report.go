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

package simulator

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
	"github.com/livekit/svc-engine/pkg/svc"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func formatInts(values []int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

// WriteFrames prints one row per sent layer frame.
func WriteFrames(w io.Writer, result *Result) {
	table := newTable(w, []string{"Unit", "Frame", "Layer", "Key", "DTIs", "Frame Diffs", "Chain Diffs", "Packets", "Bytes", "Structure", "Target"})
	for _, f := range result.Frames {
		info := f.Info
		table.Append([]string{
			strconv.Itoa(f.Unit),
			strconv.FormatInt(info.FrameId, 10),
			fmt.Sprintf("S%dT%d", info.SpatialId, info.TemporalId),
			yesNo(info.IsKeyframe),
			dd.FormatDecodeTargetIndications(info.DecodeTargetIndications),
			formatInts(info.FrameDiffs),
			formatInts(info.ChainDiffs),
			strconv.Itoa(f.Packets),
			humanize.Comma(int64(f.Bytes)),
			yesNo(f.StructureAttached),
			fmt.Sprintf("%d kbps", f.TargetKbps),
		})
	}
	table.Render()
}

// WriteSummary prints one row per result.
func WriteSummary(w io.Writer, results []*Result) {
	table := newTable(w, []string{"Mode", "Units", "Frames", "Dropped", "Keyframes", "Structures", "Packets", "Bytes", "Descriptor", "Lost", "Undecodable", "PLIs"})
	for _, r := range results {
		s := r.Stats
		overhead := 0.0
		if s.Bytes != 0 {
			overhead = 100 * float64(s.DescriptorBytes) / float64(s.Bytes)
		}
		table.Append([]string{
			r.Mode.String(),
			strconv.FormatUint(s.TemporalUnits, 10),
			strconv.FormatUint(s.FramesEncoded, 10),
			strconv.FormatUint(s.FramesDropped, 10),
			strconv.FormatUint(s.Keyframes, 10),
			strconv.FormatUint(s.StructureChanges+1, 10),
			humanize.Comma(int64(s.Packets)),
			humanize.Bytes(s.Bytes),
			fmt.Sprintf("%s (%.2f%%)", humanize.Bytes(s.DescriptorBytes), overhead),
			strconv.FormatUint(r.Receiver.PacketsLost, 10),
			strconv.FormatUint(r.Receiver.Undecodable, 10),
			strconv.FormatUint(r.Receiver.PLIs, 10),
		})
	}
	table.Render()
}

// WriteStructure prints the templates of a dependency structure.
func WriteStructure(w io.Writer, structure *dd.FrameDependencyStructure) {
	fmt.Fprintf(w, "structure %d: %d decode targets, %d chains, protected by %v\n",
		structure.StructureId, structure.NumDecodeTargets, structure.NumChains, structure.DecodeTargetProtectedByChain)
	for sid, r := range structure.Resolutions {
		fmt.Fprintf(w, "  S%d %dx%d\n", sid, r.Width, r.Height)
	}

	table := newTable(w, []string{"Template", "Layer", "DTIs", "Frame Diffs", "Chain Diffs"})
	for i, t := range structure.Templates {
		table.Append([]string{
			strconv.Itoa((structure.StructureId + i) % dd.MaxTemplates),
			fmt.Sprintf("S%dT%d", t.SpatialId, t.TemporalId),
			dd.FormatDecodeTargetIndications(t.DecodeTargetIndications),
			formatInts(t.FrameDiffs),
			formatInts(t.ChainDiffs),
		})
	}
	table.Render()
}

// WriteModes lists every scalability mode with the shape of its controller.
func WriteModes(w io.Writer) error {
	table := newTable(w, []string{"Mode", "Spatial", "Temporal", "Inter Layer", "Ratio", "Templates", "Decode Targets", "Chains"})
	for _, mode := range svc.AllScalabilityModes() {
		controller, err := svc.CreateScalabilityStructure(mode, nil)
		if err != nil {
			return err
		}
		structure := controller.DependencyStructure()
		ratio := "2:1"
		if r, ok := mode.ResolutionRatio(); ok {
			ratio = r.String()
		}
		table.Append([]string{
			mode.String(),
			strconv.Itoa(mode.NumSpatialLayers()),
			strconv.Itoa(mode.NumTemporalLayers()),
			mode.InterLayerPredMode().String(),
			ratio,
			strconv.Itoa(len(structure.Templates)),
			strconv.Itoa(structure.NumDecodeTargets),
			strconv.Itoa(structure.NumChains),
		})
	}
	table.Render()
	return nil
}
