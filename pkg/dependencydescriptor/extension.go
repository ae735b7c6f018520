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

package dependencydescriptor

// DependencyDescriptorExtension is the RTP header extension payload. Structure is
// the latest structure known to the receiver, used when the descriptor does not
// carry one.
type DependencyDescriptorExtension struct {
	Descriptor *DependencyDescriptor
	Structure  *FrameDependencyStructure
}

func (d *DependencyDescriptorExtension) MarshalSize() (int, error) {
	return d.MarshalSizeWithActiveChains(AllChainsAreActive)
}

func (d *DependencyDescriptorExtension) MarshalSizeWithActiveChains(activeChains uint32) (int, error) {
	writer, err := newDescriptorWriter(d.Structure, activeChains, d.Descriptor)
	if err != nil {
		return 0, err
	}
	return writer.ValueSizeBytes(), nil
}

func (d *DependencyDescriptorExtension) Marshal() ([]byte, error) {
	return d.MarshalWithActiveChains(AllChainsAreActive)
}

// MarshalWithActiveChains writes zero chain diffs for chains not set in activeChains.
func (d *DependencyDescriptorExtension) MarshalWithActiveChains(activeChains uint32) ([]byte, error) {
	writer, err := newDescriptorWriter(d.Structure, activeChains, d.Descriptor)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, writer.ValueSizeBytes())
	if err = writer.Write(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *DependencyDescriptorExtension) Unmarshal(buf []byte) (int, error) {
	return unmarshalDescriptor(buf, d.Structure, d.Descriptor)
}
