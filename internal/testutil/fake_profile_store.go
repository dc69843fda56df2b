package testutil

import (
	"sync"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// FakeProfileStore is an in-memory gateway.ProfileStore for tests.
type FakeProfileStore struct {
	mu        sync.Mutex
	Profiles  []string
	Documents map[string]*gateway.ProfileDocument
	Cooldowns map[string]gateway.CooldownEntry
	Usage     map[string]int64

	ListProfilesErr error
	ReadCookiesErr  error
	WriteCookiesErr error
}

// NewFakeProfileStore returns an empty FakeProfileStore.
func NewFakeProfileStore() *FakeProfileStore {
	return &FakeProfileStore{
		Documents: make(map[string]*gateway.ProfileDocument),
		Cooldowns: make(map[string]gateway.CooldownEntry),
		Usage:     make(map[string]int64),
	}
}

func (f *FakeProfileStore) ListProfiles(dirs []string) ([]string, error) {
	if f.ListProfilesErr != nil {
		return nil, f.ListProfilesErr
	}
	return f.Profiles, nil
}

func (f *FakeProfileStore) ReadCookies(path string) (*gateway.ProfileDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadCookiesErr != nil {
		return nil, f.ReadCookiesErr
	}
	doc, ok := f.Documents[path]
	if !ok {
		return &gateway.ProfileDocument{}, nil
	}
	return doc, nil
}

func (f *FakeProfileStore) WriteCookies(path string, doc *gateway.ProfileDocument) error {
	if f.WriteCookiesErr != nil {
		return f.WriteCookiesErr
	}
	f.mu.Lock()
	f.Documents[path] = doc
	f.mu.Unlock()
	return nil
}

func (f *FakeProfileStore) LoadCooldowns() (map[string]gateway.CooldownEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]gateway.CooldownEntry, len(f.Cooldowns))
	for k, v := range f.Cooldowns {
		out[k] = v
	}
	return out, nil
}

func (f *FakeProfileStore) SaveCooldowns(state map[string]gateway.CooldownEntry) error {
	f.mu.Lock()
	f.Cooldowns = state
	f.mu.Unlock()
	return nil
}

func (f *FakeProfileStore) GetUsage(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Usage[path], nil
}

func (f *FakeProfileStore) IncUsage(path string, n int64) error {
	f.mu.Lock()
	f.Usage[path] += n
	f.mu.Unlock()
	return nil
}

var _ gateway.ProfileStore = (*FakeProfileStore)(nil)
