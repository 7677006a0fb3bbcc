// Package hypervisor defines the narrow Driver contract the worker uses
// to start, stop, and health-check the system under test, and a concrete
// Docker-backed implementation (Design Notes item 1: the hypervisor is an
// external collaborator accessed through an abstract interface).
package hypervisor

import "context"

// Driver starts, stops, and health-checks the SUT. Implementations are
// free to back this with a real hypervisor, a container runtime, or (in
// tests) an in-memory fake.
type Driver interface {
	// DoStartVM powers on the SUT. Called once from start_vm.
	DoStartVM(ctx context.Context) error

	// DoStopVM powers off the SUT. Called once from stop_vm, even if the
	// SUT already exited abnormally.
	DoStopVM(ctx context.Context) error

	// RawAlive asks the driver directly whether the SUT is running,
	// bypassing the heartbeat file.
	RawAlive(ctx context.Context) bool
}
