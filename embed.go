// Package wasiworker embeds the worker bootstrap modules and defines the
// export/import names shared between the host bridges and the guest.
package wasiworker

import (
	"embed"
	"io/fs"
)

// Assets contains the packaged worker modules under assets/.
//
//go:embed assets/*.wasm
var Assets embed.FS

// AssetsDir is the directory inside Assets holding the modules.
const AssetsDir = "assets"

// ModulesFS returns Assets rooted at AssetsDir.
func ModulesFS() fs.FS {
	sub, err := fs.Sub(Assets, AssetsDir)
	if err != nil {
		// fs.Sub only fails on an invalid path.
		panic(err)
	}
	return sub
}

// Module filenames.
const (
	// WorkerModuleFilename is the message service module.
	// It receives inbound messages and posts replies through the host.
	WorkerModuleFilename = "worker.wasm"

	// BindingsModuleFilename is the logical name of the bindings module.
	// The bindings module is never fetched: it is injected from Assets.
	BindingsModuleFilename = "bindings.wasm"

	// BindingsResourceName is the packaged name of the bindings module.
	BindingsResourceName = "wasiworker.bindings.0.1.0.wasm"
)

// DefaultModules is the ordered list of modules a worker loads at boot.
var DefaultModules = []string{
	BindingsModuleFilename,
	WorkerModuleFilename,
}

// EmbeddedReferences maps logical module names to packaged resource names.
// Entries are supplied to the worker from Assets instead of being fetched.
var EmbeddedReferences = map[string]string{
	BindingsModuleFilename: BindingsResourceName,
}

// Guest exports.
const (
	// ExportMemory is the guest linear memory.
	ExportMemory = "memory"

	// ExportAlloc reserves a buffer for an inbound message.
	// Signature: alloc(len: i32) -> i32
	// Returns: pointer to the buffer, or 0 if len does not fit.
	ExportAlloc = "alloc"

	// ExportOnMessage is the default message entry point.
	// Signature: on_message(ptr: i32, len: i32)
	ExportOnMessage = "on_message"

	// ExportABIVersion reports the host ABI a module was built against.
	// Signature: abi_version() -> i32
	ExportABIVersion = "abi_version"

	// ExportInitialize is the WASI reactor startup function.
	ExportInitialize = "_initialize"
)

// Host imports.
const (
	// HostModule is the import module name provided by the host.
	HostModule = "worker_host"

	// ImportPostMessage sends a message from the guest to the host.
	// Signature: post_message(ptr: i32, len: i32)
	ImportPostMessage = "post_message"
)

// DefaultMessageService is the service part of the default endpoint.
const DefaultMessageService = "wasiworker.MessageService"
