package proxy

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"sort"

	wasiworker "github.com/aperturerobotics/go-wasi-worker"
)

// EmbeddedResource is a module bundled with the host and injected into the
// worker's fetch layer instead of being fetched.
type EmbeddedResource struct {
	Name       string
	Base64Data string
}

// Resources is a set of packaged modules and the logical names they serve.
type Resources struct {
	// FS holds the packaged modules.
	FS fs.FS
	// References maps logical module names to packaged names in FS.
	References map[string]string
}

// DefaultResources returns the modules packaged with wasiworker.
func DefaultResources() Resources {
	return Resources{
		FS:         wasiworker.ModulesFS(),
		References: wasiworker.EmbeddedReferences,
	}
}

// Load reads every referenced module and base64-encodes its content.
// The result is ordered by packaged name.
func (r Resources) Load() ([]EmbeddedResource, error) {
	names := make([]string, 0, len(r.References))
	for _, packaged := range r.References {
		names = append(names, packaged)
	}
	sort.Strings(names)

	out := make([]EmbeddedResource, 0, len(names))
	for _, name := range names {
		if r.FS == nil {
			return nil, fmt.Errorf("resource %s: no resource filesystem", name)
		}
		data, err := fs.ReadFile(r.FS, name)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", name, err)
		}
		out = append(out, EmbeddedResource{
			Name:       name,
			Base64Data: base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}

// DefaultOptions builds the options every worker starts from.
func DefaultOptions(refs map[string]string, embedded []EmbeddedResource) Options {
	urlOverride := make(map[string]string, len(refs))
	for logical, packaged := range refs {
		urlOverride[logical] = packaged
	}
	fetchOverride := make(map[string]FetchResponse, len(embedded))
	for _, res := range embedded {
		fetchOverride[res.Name] = FetchResponse{URL: res.Name, Base64Data: res.Base64Data}
	}
	return Options{
		DependentAssemblyFilenames: cloneStrings(wasiworker.DefaultModules),
		FetchUrlOverride:           urlOverride,
		FetchOverride:              fetchOverride,
		CallbackMethod:             CallbackOnMessage,
		MessageEndPoint:            DefaultMessageEndpoint,
	}
}
