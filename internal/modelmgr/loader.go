package modelmgr

import "context"

// PassiveLoader reserves the slot without materializing weights in this
// process. Used when jobs run as child processes that load the model
// themselves: the slot still serializes which model may be resident and when
// the accelerator is considered busy, but eviction is only bookkeeping here.
type PassiveLoader struct {
	DeviceName string
}

func (l PassiveLoader) Load(ctx context.Context, name string) (Instance, error) {
	return passiveInstance{}, nil
}

func (l PassiveLoader) Device() string {
	if l.DeviceName == "" {
		return "cpu"
	}
	return l.DeviceName
}

type passiveInstance struct{}

func (passiveInstance) Close() error          { return nil }
func (passiveInstance) MemoryUsedMB() float64 { return 0 }
