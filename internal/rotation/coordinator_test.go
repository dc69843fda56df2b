package rotation

import (
	"context"
	"testing"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSelectionRetries = 3
	cfg.CanaryNavTimeout = time.Second
	cfg.CanarySelectorTimeout = time.Second
	return cfg
}

func TestCoordinatorPerformSucceedsOnFirstCandidate(t *testing.T) {
	store := testutil.NewFakeProfileStore()
	store.Profiles = []string{"/profiles/a.json"}
	store.Documents["/profiles/a.json"] = &gateway.ProfileDocument{Cookies: []gateway.Cookie{{Name: "SID", Value: "x"}}}

	page := &testutil.FakePageController{}
	state := runtime.New()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	roots := Roots{Active: "", Saved: "", Emergency: ""}
	c := New(testConfig(), roots, store, page, clock, state, nil)

	ok, err := c.Perform(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if !ok {
		t.Fatal("Perform() = false, want true")
	}
	if state.CurrentProfile() != "/profiles/a.json" {
		t.Errorf("CurrentProfile() = %q", state.CurrentProfile())
	}
	if page.SetCookiesCalls != 1 {
		t.Errorf("SetCookies called %d times, want 1", page.SetCookiesCalls)
	}
	if !state.RotationLock.IsSet() {
		t.Error("expected rotation lock released after success")
	}
}

func TestCoordinatorPerformDisabledIsNoop(t *testing.T) {
	store := testutil.NewFakeProfileStore()
	page := &testutil.FakePageController{}
	state := runtime.New()
	clock := testutil.NewFakeClock(time.Now())

	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, Roots{}, store, page, clock, state, nil)

	ok, err := c.Perform(context.Background(), "gemini-2.5-pro")
	if err != nil || ok {
		t.Errorf("Perform() = %v, %v; want false, nil", ok, err)
	}
}

func TestCoordinatorPerformSkipsFailingCanaryCandidate(t *testing.T) {
	store := testutil.NewFakeProfileStore()
	store.Profiles = []string{"/profiles/bad.json", "/profiles/good.json"}
	store.Documents["/profiles/bad.json"] = &gateway.ProfileDocument{}
	store.Documents["/profiles/good.json"] = &gateway.ProfileDocument{}

	calls := 0
	page := &testutil.FakePageController{
		ReadyFn: func() bool {
			calls++
			// First swapped candidate fails canary; whichever one is
			// tried second passes.
			return calls > 1
		},
	}
	state := runtime.New()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	c := New(testConfig(), Roots{}, store, page, clock, state, nil)
	ok, err := c.Perform(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Perform() error = %v", err)
	}
	if !ok {
		t.Fatal("expected eventual success on the second candidate")
	}
}

func TestCoordinatorPerformFailsWhenNoProfilesAvailable(t *testing.T) {
	store := testutil.NewFakeProfileStore()
	page := &testutil.FakePageController{}
	state := runtime.New()
	clock := testutil.NewFakeClock(time.Now())

	c := New(testConfig(), Roots{}, store, page, clock, state, nil)
	ok, err := c.Perform(context.Background(), "gemini-2.5-pro")
	if err == nil || ok {
		t.Errorf("Perform() = %v, %v; want false, error", ok, err)
	}
	if !state.RotationLock.IsSet() {
		t.Error("expected rotation lock restored after an ordinary (non-depletion) failure")
	}
}

func TestCoordinatorDepletionGuardParksAfterTooManyAttempts(t *testing.T) {
	store := testutil.NewFakeProfileStore()
	page := &testutil.FakePageController{}
	state := runtime.New()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := testConfig()
	cfg.DepletionLimit = 1
	c := New(cfg, Roots{Emergency: ""}, store, page, clock, state, nil)
	c.ledger.Record(clock.Now(), cfg.DepletionWindow)

	ok, err := c.Perform(context.Background(), "gemini-2.5-pro")
	if ok || err == nil {
		t.Errorf("Perform() = %v, %v; want false, error (no emergency profile available)", ok, err)
	}
	if state.RotationLock.IsSet() {
		t.Error("expected rotation lock permanently cleared on emergency-activation failure")
	}
}
