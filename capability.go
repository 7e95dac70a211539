package framewire

// Capability bits advertised in a 0x00 frame.
const (
	CapSupportsCapabilities uint32 = 1 << 0
	CapSupportsCancel       uint32 = 1 << 1
	CapExtensionPresent     uint32 = 1 << 31
)

// CapabilitySet is a version plus feature bitmask, exchanged in-band so two
// peers can agree on the subset of protocol behavior both understand.
type CapabilitySet struct {
	MajorVersion uint16
	MinorVersion uint16
	Bits         uint32
}

// localCapabilities is what this library advertises: version 1.1 with
// capability-negotiation and cancel-message support.
func localCapabilities() CapabilitySet {
	return CapabilitySet{
		MajorVersion: 1,
		MinorVersion: 1,
		Bits:         CapSupportsCapabilities | CapSupportsCancel,
	}
}

// SupportsCancel reports whether bit 1 (cancel-message support) is set.
func (c CapabilitySet) SupportsCancel() bool {
	return c.Bits&CapSupportsCancel != 0
}

// SupportsCapabilities reports whether bit 0 is set.
func (c CapabilitySet) SupportsCapabilities() bool {
	return c.Bits&CapSupportsCapabilities != 0
}

// Negotiate computes the capability set two peers should use: the
// bitwise-AND of their bitmasks, and the lexicographically lower
// (major, minor) version pair.
func Negotiate(a, b CapabilitySet) CapabilitySet {
	result := CapabilitySet{Bits: a.Bits & b.Bits}
	if versionLess(b, a) {
		result.MajorVersion, result.MinorVersion = b.MajorVersion, b.MinorVersion
	} else {
		result.MajorVersion, result.MinorVersion = a.MajorVersion, a.MinorVersion
	}
	return result
}

func versionLess(x, y CapabilitySet) bool {
	if x.MajorVersion != y.MajorVersion {
		return x.MajorVersion < y.MajorVersion
	}
	return x.MinorVersion < y.MinorVersion
}
