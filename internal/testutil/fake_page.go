// Package testutil provides configurable test fakes for the gateway's
// capability seams (gateway.PageController, gateway.ProfileStore,
// gateway.Clock).
package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// FakePageController is a configurable gateway.PageController for tests.
// Every Fn field defaults to a harmless success when nil.
type FakePageController struct {
	mu sync.Mutex

	SubmitFn       func(ctx context.Context, prompt string, attachments []string, cancelCheck func() bool) error
	AdjustParamsFn func(ctx context.Context, params map[string]any, modelID string, cancelCheck func() bool) error
	SwitchModelFn  func(ctx context.Context, modelID string) error
	ClearHistoryFn func(ctx context.Context, cancelCheck func() bool) error
	GetStreamFn    func(ctx context.Context, cancelCheck func() bool, promptLen int, timeout time.Duration) (<-chan gateway.StreamEvent, error)
	StopFn         func(ctx context.Context) error
	ReadyFn        func() bool
	ListModelsFn   func(ctx context.Context) ([]string, error)
	ReloadFn       func(ctx context.Context) error
	SetCookiesFn   func(ctx context.Context, doc *gateway.ProfileDocument) error

	SetCookiesCalls  int
	SwitchModelCalls []string
}

func (f *FakePageController) Submit(ctx context.Context, prompt string, attachments []string, cancelCheck func() bool) error {
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, prompt, attachments, cancelCheck)
	}
	return nil
}

func (f *FakePageController) AdjustParameters(ctx context.Context, params map[string]any, modelID string, cancelCheck func() bool) error {
	if f.AdjustParamsFn != nil {
		return f.AdjustParamsFn(ctx, params, modelID, cancelCheck)
	}
	return nil
}

func (f *FakePageController) SwitchModel(ctx context.Context, modelID string) error {
	f.mu.Lock()
	f.SwitchModelCalls = append(f.SwitchModelCalls, modelID)
	f.mu.Unlock()
	if f.SwitchModelFn != nil {
		return f.SwitchModelFn(ctx, modelID)
	}
	return nil
}

func (f *FakePageController) ClearChatHistory(ctx context.Context, cancelCheck func() bool) error {
	if f.ClearHistoryFn != nil {
		return f.ClearHistoryFn(ctx, cancelCheck)
	}
	return nil
}

func (f *FakePageController) GetResponseStream(ctx context.Context, cancelCheck func() bool, promptLen int, timeout time.Duration) (<-chan gateway.StreamEvent, error) {
	if f.GetStreamFn != nil {
		return f.GetStreamFn(ctx, cancelCheck, promptLen, timeout)
	}
	ch := make(chan gateway.StreamEvent, 1)
	ch <- gateway.StreamEvent{Kind: gateway.EventDone}
	close(ch)
	return ch, nil
}

func (f *FakePageController) StopGeneration(ctx context.Context) error {
	if f.StopFn != nil {
		return f.StopFn(ctx)
	}
	return nil
}

func (f *FakePageController) IsReady() bool {
	if f.ReadyFn != nil {
		return f.ReadyFn()
	}
	return true
}

func (f *FakePageController) ListModels(ctx context.Context) ([]string, error) {
	if f.ListModelsFn != nil {
		return f.ListModelsFn(ctx)
	}
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, nil
}

func (f *FakePageController) ReloadPage(ctx context.Context) error {
	if f.ReloadFn != nil {
		return f.ReloadFn(ctx)
	}
	return nil
}

func (f *FakePageController) SetCookies(ctx context.Context, doc *gateway.ProfileDocument) error {
	f.mu.Lock()
	f.SetCookiesCalls++
	f.mu.Unlock()
	if f.SetCookiesFn != nil {
		return f.SetCookiesFn(ctx, doc)
	}
	return nil
}

var _ gateway.PageController = (*FakePageController)(nil)
