package main

import (
	"context"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// unimplementedPage is the integration seam for the headless-browser
// driver: the concrete PageController lives outside this repo (see
// spec's capability-interface boundary). It reports not-ready so the
// pipeline returns a clean 503 with Retry-After until a real driver is
// wired into Deps.Page.
type unimplementedPage struct{}

func (unimplementedPage) Submit(context.Context, string, []string, func() bool) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) AdjustParameters(context.Context, map[string]any, string, func() bool) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) SwitchModel(context.Context, string) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) ClearChatHistory(context.Context, func() bool) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) GetResponseStream(context.Context, func() bool, int, time.Duration) (<-chan gateway.StreamEvent, error) {
	return nil, gateway.ErrPageNotReady
}

func (unimplementedPage) StopGeneration(context.Context) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) IsReady() bool { return false }

func (unimplementedPage) ListModels(context.Context) ([]string, error) {
	return nil, gateway.ErrPageNotReady
}

func (unimplementedPage) ReloadPage(context.Context) error {
	return gateway.ErrPageNotReady
}

func (unimplementedPage) SetCookies(context.Context, *gateway.ProfileDocument) error {
	return gateway.ErrPageNotReady
}

var _ gateway.PageController = unimplementedPage{}
