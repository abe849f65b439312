// Package protocol defines the compilation wire format shared by the
// client and the server: request/reply bodies, the artifact descriptor,
// source expansion and the content hash that keys the factory cache.
package protocol

// MetaEntry is one metadata declaration. Keys may recur (several
// "author" entries, say), so metadata is an ordered list, not a map.
type MetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MetaVisitor receives metadata entries in factory order.
type MetaVisitor interface {
	Declare(key, value string)
}

// Descriptor describes one compiled artifact.
type Descriptor struct {
	SHAKey    string      `json:"shakey"`
	Name      string      `json:"name"`
	Inputs    int         `json:"inputs"`
	Outputs   int         `json:"outputs"`
	Libraries []string    `json:"libraries,omitempty"`
	Metadata  []MetaEntry `json:"metadata,omitempty"`

	// Code is the opaque compiled payload, base64 on the wire. Listing
	// and lookup replies omit it.
	Code []byte `json:"code,omitempty"`

	// Target is empty for server-native artifacts, otherwise the
	// machine triple the client cross-compiled for.
	Target string `json:"target,omitempty"`
}

// ApplyMetadata calls v once per metadata entry, in order.
func (d *Descriptor) ApplyMetadata(v MetaVisitor) {
	for _, m := range d.Metadata {
		v.Declare(m.Key, m.Value)
	}
}

// FactoryInfo is one entry of a server's factory listing snapshot.
type FactoryInfo struct {
	Name   string `json:"name"`
	SHAKey string `json:"shakey"`
}

// CompileRequest asks a server to compile source into a factory.
// Either Source holds the program text inline or Filename names a file
// the server can read; Source wins when both are set.
type CompileRequest struct {
	Name     string   `json:"name"`
	Source   string   `json:"source,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Args     []string `json:"args,omitempty"`
	OptLevel int      `json:"optlevel"`
}

// MachineRequest submits a client-side cross-compiled artifact. The
// server stores it as-is after checking it can execute the target; the
// cache key is still the hash of the expanded source.
type MachineRequest struct {
	Name           string      `json:"name"`
	Target         string      `json:"target"`
	ExpandedSource string      `json:"expandedsource"`
	Code           []byte      `json:"code"`
	Inputs         int         `json:"inputs"`
	Outputs        int         `json:"outputs"`
	Libraries      []string    `json:"libraries,omitempty"`
	Metadata       []MetaEntry `json:"metadata,omitempty"`
}

// InstanceRequest binds a cached factory to a new streaming session.
type InstanceRequest struct {
	SHAKey     string `json:"shakey"`
	SampleRate int    `json:"samplerate"`
	CycleSize  int    `json:"cyclesize"`

	// Session options mirrored from the client side.
	Compression int  `json:"compression"`
	MTU         int  `json:"mtu"`
	Latency     int  `json:"latency"`
	Partial     bool `json:"partial"`
}

// InstanceReply carries the UDP port the slave must dial.
type InstanceReply struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

// ErrorReply is the body of every non-2xx response.
type ErrorReply struct {
	Error string `json:"error"`
}

// ClampOptLevel restricts an optimization level to the valid [0,3]
// range.
func ClampOptLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 3 {
		return 3
	}
	return level
}
