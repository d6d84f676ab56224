// Package fingerprint computes the stable env_fingerprint hash the Update
// Engine uses to decide whether a container's configuration can be
// safely replicated across an image replace.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Spec is the portion of a container's configuration that must survive
// an update unchanged. Construct it from a Runtime Adapter inspect result.
type Spec struct {
	ImageRef string
	Env      []string          // "KEY=VALUE" pairs, as reported by the runtime
	Mounts   []string          // "src:dst:mode" triples
	Ports    []string          // "proto/containerPort -> hostPort"
	Labels   map[string]string // full label set; filtered internally
}

// ephemeralLabel reports whether a label key is runtime- or agent-injected
// and therefore must be excluded from the fingerprint to keep it stable
// across updates that only touch such bookkeeping.
func ephemeralLabel(key string) bool {
	if strings.HasPrefix(key, "sentinel.") {
		return true
	}
	if strings.HasSuffix(key, ".hash") || strings.HasSuffix(key, ".timestamp") {
		return true
	}
	return false
}

// canonical is the JSON-stable shape fingerprinted. All slices are sorted
// so that two semantically identical specs hash identically regardless of
// the order the runtime reported fields in.
type canonical struct {
	ImageRef string            `json:"image_ref"`
	Env      []string          `json:"env"`
	Mounts   []string          `json:"mounts"`
	Ports    []string          `json:"ports"`
	Labels   map[string]string `json:"labels"`
}

// Compute returns the stable hex-encoded SHA-256 env_fingerprint for spec.
func Compute(s Spec) string {
	env := append([]string(nil), s.Env...)
	sort.Strings(env)

	mounts := append([]string(nil), s.Mounts...)
	sort.Strings(mounts)

	ports := append([]string(nil), s.Ports...)
	sort.Strings(ports)

	labels := make(map[string]string, len(s.Labels))
	for k, v := range s.Labels {
		if ephemeralLabel(k) {
			continue
		}
		labels[k] = v
	}

	c := canonical{
		ImageRef: s.ImageRef,
		Env:      env,
		Mounts:   mounts,
		Ports:    ports,
		Labels:   labels,
	}

	// json.Marshal on a map[string]string sorts keys already (encoding/json
	// guarantees deterministic map key order since Go 1.12), so this is
	// stable across calls.
	data, err := json.Marshal(c)
	if err != nil {
		// Marshaling a canonical struct of strings/maps cannot fail.
		panic(err)
	}

	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
