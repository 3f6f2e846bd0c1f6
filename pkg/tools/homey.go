// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/pkg/httpclient"
)

// HomeyArgs is the argument shape for the smart home tool.
type HomeyArgs struct {
	Action     string `json:"action" jsonschema:"enum=list_devices,enum=get_device,enum=control_device,description=Operation to perform"`
	DeviceName string `json:"device_name,omitempty" jsonschema:"description=Device to target for get_device and control_device"`
	Capability string `json:"capability,omitempty" jsonschema:"description=Capability to set such as onoff or dim"`
	Value      any    `json:"value,omitempty" jsonschema:"description=Capability value such as true or 0.5"`
}

// HomeyTool controls devices through a local Homey bridge API.
type HomeyTool struct {
	baseURL string
	token   string
	client  *httpclient.Client
}

func NewHomeyTool(baseURL, token string) *HomeyTool {
	return &HomeyTool{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: httpclient.NewClient(
			httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(httpclient.ConservativeRetry),
		),
	}
}

func (t *HomeyTool) Name() string { return "homey" }

func (t *HomeyTool) Description() string {
	return "Control smart home devices: list devices, read device state, or set a capability like onoff or dim."
}

func (t *HomeyTool) Parameters() map[string]any {
	return ReflectSchema(&HomeyArgs{})
}

func (t *HomeyTool) ActivityHint() string {
	return "Controlling {device_name}"
}

func (t *HomeyTool) Run(ctx context.Context, args map[string]any, _ Ambient) (string, error) {
	var parsed HomeyArgs
	if err := DecodeArgs(args, &parsed); err != nil {
		return ErrorOutput(err.Error()), err
	}

	switch parsed.Action {
	case "list_devices":
		return t.listDevices(ctx)
	case "get_device":
		return t.getDevice(ctx, parsed.DeviceName)
	case "control_device":
		return t.controlDevice(ctx, parsed)
	default:
		err := fmt.Errorf("unknown action %q, expected list_devices, get_device or control_device", parsed.Action)
		return ErrorOutput(err.Error()), err
	}
}

type homeyDevice struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Zone         string         `json:"zoneName"`
	Capabilities map[string]any `json:"capabilitiesObj"`
}

func (t *HomeyTool) listDevices(ctx context.Context) (string, error) {
	devices, err := t.fetchDevices(ctx)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}

	var sb strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&sb, "- %s (%s)\n", d.Name, d.Zone)
	}
	if sb.Len() == 0 {
		return "No devices found.", nil
	}
	return sb.String(), nil
}

func (t *HomeyTool) getDevice(ctx context.Context, name string) (string, error) {
	device, err := t.findDevice(ctx, name)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	raw, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	return string(raw), nil
}

func (t *HomeyTool) controlDevice(ctx context.Context, args HomeyArgs) (string, error) {
	if args.Capability == "" {
		err := fmt.Errorf("capability is required for control_device")
		return ErrorOutput(err.Error()), err
	}

	device, err := t.findDevice(ctx, args.DeviceName)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}

	body, err := json.Marshal(map[string]any{"value": args.Value})
	if err != nil {
		return ErrorOutput(err.Error()), err
	}

	url := fmt.Sprintf("%s/api/manager/devices/device/%s/capability/%s", t.baseURL, device.ID, args.Capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorOutput(err.Error()), err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("bridge returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		return ErrorOutput(err.Error()), err
	}

	return fmt.Sprintf("Set %s of %q to %v.", args.Capability, device.Name, args.Value), nil
}

func (t *HomeyTool) findDevice(ctx context.Context, name string) (*homeyDevice, error) {
	if name == "" {
		return nil, fmt.Errorf("device_name is required")
	}

	devices, err := t.fetchDevices(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(name)
	var partial *homeyDevice
	for i := range devices {
		candidate := strings.ToLower(devices[i].Name)
		if candidate == needle {
			return &devices[i], nil
		}
		if partial == nil && strings.Contains(candidate, needle) {
			partial = &devices[i]
		}
	}
	if partial != nil {
		return partial, nil
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

func (t *HomeyTool) fetchDevices(ctx context.Context) ([]homeyDevice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/api/manager/devices/device", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bridge returned %d", resp.StatusCode)
	}

	var byID map[string]homeyDevice
	if err := json.NewDecoder(resp.Body).Decode(&byID); err != nil {
		return nil, fmt.Errorf("invalid bridge response: %w", err)
	}

	devices := make([]homeyDevice, 0, len(byID))
	for id, d := range byID {
		d.ID = id
		devices = append(devices, d)
	}
	return devices, nil
}
