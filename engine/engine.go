// Package engine states what the training loop needs from a tensor/autodiff
// engine and provides a small CPU reference implementation of it.
//
// Batches arrive as gomlx host tensors; ToDevice binds them to an execution
// device. A Tape records backward closures while a model computes its loss,
// and Loss.Backward replays them to fill parameter gradients. Trainers apply
// an Optimizer to the parameters once per batch.
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrUnsupportedDevice is returned when arrays are bound to a device the
// engine cannot execute on.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Device identifies an execution context.
type Device struct {
	Kind string
	ID   int
}

// CPU returns the host device.
func CPU() Device { return Device{Kind: "cpu"} }

// GPU returns the i-th accelerator.
func GPU(i int) Device { return Device{Kind: "gpu", ID: i} }

func (d Device) String() string {
	if d.Kind == "cpu" {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// ParseDevice parses "cpu", "gpu" or "gpu:N".
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "cpu":
		return CPU(), nil
	case s == "gpu":
		return GPU(0), nil
	case strings.HasPrefix(s, "gpu:"):
		i, err := strconv.Atoi(strings.TrimPrefix(s, "gpu:"))
		if err != nil || i < 0 {
			return Device{}, errors.Errorf("invalid device %q", s)
		}
		return GPU(i), nil
	}
	return Device{}, errors.Errorf("invalid device %q", s)
}

// Array is a batch field bound to a device.
type Array struct {
	Device Device
	Tensor *tensors.Tensor
}

// Dim returns the size of the given axis.
func (a *Array) Dim(axis int) int {
	return a.Tensor.Shape().Dimensions[axis]
}

// ToDevice binds a host tensor to dev. The reference engine executes on the
// host only.
func ToDevice(dev Device, t *tensors.Tensor) (*Array, error) {
	if dev.Kind != "cpu" {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "%s", dev)
	}
	return &Array{Device: dev, Tensor: t}, nil
}

// ToDeviceAll binds every field of a batch.
func ToDeviceAll(dev Device, fields []*tensors.Tensor) ([]*Array, error) {
	out := make([]*Array, len(fields))
	for i, f := range fields {
		a, err := ToDevice(dev, f)
		if err != nil {
			return nil, errors.Wrapf(err, "field %d", i)
		}
		out[i] = a
	}
	return out, nil
}
