// Package detector probes the WebGPU adapter and reports the limits that
// decide whether a convolution can run on the GPU.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// BudgetEnv overrides the soft GPU memory budget, in MiB.
const BudgetEnv = "STYLIZE_GPU_BUDGET_MB"

const defaultBudget = uint64(512 * 1024 * 1024)

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"` // "native" or "wasm" (best-effort)
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// 1D workgroup size that fits the adapter limits.
	WorkgroupX uint32 `json:"workgroup_x"`

	// Soft budget in bytes for the buffers of a single layer.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// Fits reports whether a dispatch touching the given storage buffers can run
// on this adapter: each buffer must be bindable, the sum must stay inside the
// budget, and the invocation count must not exceed the 1D dispatch limit.
func (r *Report) Fits(invocations int, bufferBytes ...uint64) bool {
	var total uint64
	for _, b := range bufferBytes {
		if b > r.Limits.MaxStorageBufferBindingSize || b > r.Limits.MaxBufferSize {
			return false
		}
		total += b
	}
	if total > r.Recommended.BudgetBytes {
		return false
	}
	wg := uint64(max(r.Recommended.WorkgroupX, 1))
	groups := (uint64(invocations) + wg - 1) / wg
	return groups <= uint64(r.Limits.MaxComputeWorkgroupsPerDimension)
}

// JSON renders the report for logs and the -gpu-info flag.
func (r *Report) JSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	return rep.JSON()
}

// Detect probes the default adapter/device and synthesizes a report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	supported := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	limits := Limits{
		MaxComputeInvocationsPerWorkgroup: supported.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          supported.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  supported.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       supported.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     supported.Limits.MaxBufferSize,
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      limits,
		Features:    feats,
		Recommended: Recommend(limits, os.Getenv(BudgetEnv)),
		Env:         pickEnv([]string{BudgetEnv}),
	}, nil
}

// Recommend picks a workgroup size and memory budget for the given limits.
// budgetMB is the raw value of BudgetEnv; empty or invalid means the default.
func Recommend(l Limits, budgetMB string) Recommendations {
	budget := defaultBudget
	if budgetMB != "" {
		if mb, err := strconv.Atoi(budgetMB); err == nil && mb > 0 {
			budget = uint64(mb) * 1024 * 1024
		}
	}
	return Recommendations{
		WorkgroupX:  chooseWorkgroup(l),
		BudgetBytes: budget,
	}
}

func chooseWorkgroup(l Limits) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	// absolute portability fallback
	return 1
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
