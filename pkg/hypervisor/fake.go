package hypervisor

import "context"

// FakeDriver is an in-memory Driver for tests.
type FakeDriver struct {
	Running   bool
	StartErr  error
	StopErr   error
	StartCall int
	StopCall  int
}

func (f *FakeDriver) DoStartVM(ctx context.Context) error {
	f.StartCall++
	if f.StartErr != nil {
		return f.StartErr
	}
	f.Running = true
	return nil
}

func (f *FakeDriver) DoStopVM(ctx context.Context) error {
	f.StopCall++
	if f.StopErr != nil {
		return f.StopErr
	}
	f.Running = false
	return nil
}

func (f *FakeDriver) RawAlive(ctx context.Context) bool {
	return f.Running
}
