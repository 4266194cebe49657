package platform

// Platform aggregates platform-specific implementations.
// Populated by a platform factory (NewPlatform) in platform/linux/.
type Platform struct {
	// NewAdapterProvider returns the collaborator that creates TUN
	// adapters and installs capture and bypass routes.
	NewAdapterProvider func() AdapterProvider

	// Name identifies the platform in logs.
	Name string
}
