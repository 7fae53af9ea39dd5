package proxy

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	wasiworker "github.com/aperturerobotics/go-wasi-worker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMessageEndpoint is the in-worker message entry point used when the
// caller does not override MessageEndPoint.
var DefaultMessageEndpoint = Endpoint{
	Module:  wasiworker.WorkerModuleFilename,
	Service: wasiworker.DefaultMessageService,
	Export:  wasiworker.ExportOnMessage,
}.String()

// FetchResponse is an in-memory replacement for a module fetch.
type FetchResponse struct {
	URL        string `json:"url"`
	Base64Data string `json:"base64Data"`
}

// Options describes what the worker bootstrap needs.
type Options struct {
	// DependentAssemblyFilenames is the ordered list of modules to preload.
	DependentAssemblyFilenames []string `json:"DependentAssemblyFilenames,omitempty"`
	// FetchUrlOverride maps a logical module name to the name it is fetched as.
	FetchUrlOverride map[string]string `json:"FetchUrlOverride,omitempty"`
	// FetchOverride maps a fetch name to an inline payload.
	FetchOverride map[string]FetchResponse `json:"FetchOverride,omitempty"`
	// CallbackMethod is the Receiver method the host invokes on inbound messages.
	CallbackMethod string `json:"CallbackMethod,omitempty"`
	// MessageEndPoint identifies the in-worker message entry point.
	MessageEndPoint string `json:"MessageEndPoint,omitempty"`
}

// Merge returns o with the values set in override applied on top.
// A non-nil slice replaces, map entries are merged with override winning
// per key, and non-empty strings replace. Neither input is modified.
func (o Options) Merge(override Options) Options {
	out := Options{
		DependentAssemblyFilenames: cloneStrings(o.DependentAssemblyFilenames),
		FetchUrlOverride:           mergeMaps(o.FetchUrlOverride, override.FetchUrlOverride),
		FetchOverride:              mergeMaps(o.FetchOverride, override.FetchOverride),
		CallbackMethod:             o.CallbackMethod,
		MessageEndPoint:            o.MessageEndPoint,
	}
	if override.DependentAssemblyFilenames != nil {
		out.DependentAssemblyFilenames = cloneStrings(override.DependentAssemblyFilenames)
	}
	if override.CallbackMethod != "" {
		out.CallbackMethod = override.CallbackMethod
	}
	if override.MessageEndPoint != "" {
		out.MessageEndPoint = override.MessageEndPoint
	}
	return out
}

// Marshal encodes the options in their wire shape.
func (o Options) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalOptions decodes options from their wire shape.
func UnmarshalOptions(data []byte) (Options, error) {
	var o Options
	if err := json.Unmarshal(data, &o); err != nil {
		return Options{}, err
	}
	return o, nil
}

// ResolveFetch returns the fetch name for a module and the inline payload
// registered for it, if any.
func (o Options) ResolveFetch(name string) (string, *FetchResponse) {
	url := name
	if override, ok := o.FetchUrlOverride[name]; ok && override != "" {
		url = override
	}
	if resp, ok := o.FetchOverride[url]; ok {
		return url, &resp
	}
	return url, nil
}

// Endpoint is a parsed MessageEndPoint: [Module]Service:Export.
type Endpoint struct {
	Module  string
	Service string
	Export  string
}

// String formats the endpoint.
func (e Endpoint) String() string {
	return "[" + e.Module + "]" + e.Service + ":" + e.Export
}

// ParseEndpoint parses an endpoint of the form [module]service:export.
func ParseEndpoint(s string) (Endpoint, error) {
	if !strings.HasPrefix(s, "[") {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing [module] prefix", s)
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Endpoint{}, fmt.Errorf("endpoint %q: unterminated module name", s)
	}
	ep := Endpoint{Module: s[1:end]}
	rest := s[end+1:]
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing :export", s)
	}
	ep.Service, ep.Export = rest[:sep], rest[sep+1:]
	if ep.Module == "" || ep.Export == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: empty module or export", s)
	}
	return ep, nil
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func mergeMaps[V any](base, override map[string]V) map[string]V {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]V, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
