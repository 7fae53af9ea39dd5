package wasiworker

// Worker ABI version information.
const (
	// Version is the release of the packaged worker modules.
	Version = "0.1.0"

	// ABIVersion is the host ABI the packaged modules are built against.
	// Modules exporting abi_version must return this value.
	ABIVersion = 1

	// SourceURL is the repository URL.
	SourceURL = "https://github.com/aperturerobotics/go-wasi-worker"
)
