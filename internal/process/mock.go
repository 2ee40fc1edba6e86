package process

import (
	"context"

	"ovpn-console/internal/vpn"
)

// MockController is a test helper with overridable lifecycle functions.
type MockController struct {
	StartFunc      func(ctx context.Context, name string) error
	StopFunc       func(ctx context.Context, name string) error
	RestartFunc    func(ctx context.Context, name string) error
	StatusFunc     func(ctx context.Context, name string) (vpn.Status, error)
	RefreshAllFunc func(ctx context.Context, names []string) map[string]vpn.Status
}

func (m *MockController) Start(ctx context.Context, name string) error {
	if m != nil && m.StartFunc != nil {
		return m.StartFunc(ctx, name)
	}
	return nil
}

func (m *MockController) Stop(ctx context.Context, name string) error {
	if m != nil && m.StopFunc != nil {
		return m.StopFunc(ctx, name)
	}
	return nil
}

func (m *MockController) Restart(ctx context.Context, name string) error {
	if m != nil && m.RestartFunc != nil {
		return m.RestartFunc(ctx, name)
	}
	return nil
}

func (m *MockController) Status(ctx context.Context, name string) (vpn.Status, error) {
	if m != nil && m.StatusFunc != nil {
		return m.StatusFunc(ctx, name)
	}
	return vpn.StatusStopped, nil
}

func (m *MockController) RefreshAll(ctx context.Context, names []string) map[string]vpn.Status {
	if m != nil && m.RefreshAllFunc != nil {
		return m.RefreshAllFunc(ctx, names)
	}
	out := make(map[string]vpn.Status, len(names))
	for _, name := range names {
		status, err := m.Status(ctx, name)
		if err != nil {
			status = vpn.StatusUnknown
		}
		out[name] = status
	}
	return out
}
