package server

import (
	"net/http"
)

// criticalCookies are the session cookies AI Studio requires; a profile
// missing any of these is effectively logged out even if its file exists.
var criticalCookies = []string{
	"SID", "HSID", "SSID", "APISID", "SAPISID", "SIDCC",
	"__Secure-1PSID", "__Secure-3PSID",
}

type profileHealth struct {
	Path           string   `json:"path"`
	Readable       bool     `json:"readable"`
	MissingCookies []string `json:"missing_cookies,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type profilesHealthResponse struct {
	Current  string          `json:"current"`
	Profiles []profileHealth `json:"profiles"`
}

// handleProfilesHealth reports, for every profile under s.deps.ProfileDirs,
// whether its on-disk cookie jar carries every critical AI Studio session
// cookie — a diagnostic surface for operators investigating rotation
// failures, independent of the cooldown/usage bookkeeping rotation itself
// consults.
func (s *server) handleProfilesHealth(w http.ResponseWriter, r *http.Request) {
	paths, err := s.deps.Profiles.ListProfiles(s.deps.ProfileDirs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	resp := profilesHealthResponse{Current: s.deps.State.CurrentProfile()}
	for _, path := range paths {
		resp.Profiles = append(resp.Profiles, s.checkProfile(path))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) checkProfile(path string) profileHealth {
	doc, err := s.deps.Profiles.ReadCookies(path)
	if err != nil {
		return profileHealth{Path: path, Readable: false, Error: err.Error()}
	}

	present := make(map[string]bool, len(doc.Cookies))
	for _, c := range doc.Cookies {
		present[c.Name] = true
	}

	h := profileHealth{Path: path, Readable: true}
	for _, name := range criticalCookies {
		if !present[name] {
			h.MissingCookies = append(h.MissingCookies, name)
		}
	}
	return h
}
