package provider

import (
	"sort"

	"github.com/lifedash/backend/internal/config"
	"golang.org/x/oauth2"
)

// Status is the projection served by the account-connection UI.
type Status struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
}

// Registry holds the provider instances for the process lifetime. It is
// constructed once from configuration and never mutated afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds one provider per known name from the supplied
// credentials. Providers with missing credentials are still registered so
// List can report them as unconfigured.
func NewRegistry(credentials map[string]config.ProviderCredentials) *Registry {
	providers := make(map[string]Provider, len(definitions))
	for name, def := range definitions {
		creds := credentials[name]
		conf := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Endpoint:     def.endpoint,
			Scopes:       def.scopes,
		}
		providers[name] = newOAuthProvider(name, conf, def.authURLParams)
	}
	return &Registry{providers: providers}
}

// Get looks up a provider by name. Unknown names yield ok=false, never a panic.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// List enumerates all providers with their live configuration status, sorted
// by name. The configured flag is recomputed on every call.
func (r *Registry) List() []Status {
	statuses := make([]Status, 0, len(r.providers))
	for name, p := range r.providers {
		statuses = append(statuses, Status{Name: name, Configured: p.Configured()})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
