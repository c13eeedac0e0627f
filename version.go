package kestrel

// Version components of the kestrel library.
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}
