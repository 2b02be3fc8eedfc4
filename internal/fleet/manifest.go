package fleet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ResourceKey identifies a resource for diffing, pruning and duplicate
// detection.
type ResourceKey struct {
	APIVersion string `json:"api_version"`
	Kind       string `json:"kind"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name"`
}

func (k ResourceKey) String() string {
	name := k.Name
	if k.Namespace != "" {
		name = k.Namespace + "/" + k.Name
	}
	return fmt.Sprintf("%s/%s %s", k.APIVersion, k.Kind, name)
}

// ApplyWeight orders resource kinds for apply. Lower weights apply first
// and prune last: namespaces and type definitions before the resources
// that live in them.
func (k ResourceKey) ApplyWeight() int {
	switch k.Kind {
	case "Namespace", "CustomResourceDefinition":
		return 0
	case "ServiceAccount", "ClusterRole", "ClusterRoleBinding", "Role", "RoleBinding":
		return 1
	default:
		return 2
	}
}

// Manifest is one rendered resource: its identity, decoded object and
// canonical serialization.
type Manifest struct {
	Key ResourceKey `json:"key"`
	// Object is the decoded resource content.
	Object map[string]any `json:"object"`
	// Canonical is the stable serialization of Object: JSON with sorted
	// keys, independent of input key order and whitespace.
	Canonical []byte `json:"canonical"`
}

// Clone returns a deep copy.
func (m Manifest) Clone() Manifest {
	out := m
	out.Canonical = append([]byte(nil), m.Canonical...)
	if m.Object != nil {
		// Round-tripping through the canonical form is the cheapest deep
		// copy that cannot diverge from it.
		var obj map[string]any
		if err := json.Unmarshal(m.Canonical, &obj); err == nil {
			out.Object = obj
		}
	}
	return out
}

// ContentChecksum returns the sha256 of the manifest's canonical form.
func (m Manifest) ContentChecksum() string {
	sum := sha256.Sum256(m.Canonical)
	return hex.EncodeToString(sum[:])
}

// ParseManifests splits a YAML stream into manifests, decoding each
// document and computing identity and canonical form. Empty documents are
// skipped. A document without apiVersion, kind or metadata.name is a
// ValidationError.
func ParseManifests(data []byte) ([]Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Manifest
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("malformed manifest document: %v", err)}
		}
		if len(doc) == 0 {
			continue
		}
		m, err := NewManifest(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// NewManifest builds a Manifest from a decoded object, validating identity
// fields and computing the canonical serialization.
func NewManifest(obj map[string]any) (Manifest, error) {
	norm := normalize(obj).(map[string]any)
	key, err := keyOf(norm)
	if err != nil {
		return Manifest{}, err
	}
	canonical, err := json.Marshal(norm)
	if err != nil {
		return Manifest{}, &ValidationError{Key: key, Msg: fmt.Sprintf("not serializable: %v", err)}
	}
	return Manifest{Key: key, Object: norm, Canonical: canonical}, nil
}

func keyOf(obj map[string]any) (ResourceKey, error) {
	apiVersion, _ := obj["apiVersion"].(string)
	kind, _ := obj["kind"].(string)
	if apiVersion == "" || kind == "" {
		return ResourceKey{}, &ValidationError{Msg: "manifest missing apiVersion or kind"}
	}
	meta, _ := obj["metadata"].(map[string]any)
	name, _ := meta["name"].(string)
	if name == "" {
		return ResourceKey{}, &ValidationError{
			Key: ResourceKey{APIVersion: apiVersion, Kind: kind},
			Msg: "manifest missing metadata.name",
		}
	}
	namespace, _ := meta["namespace"].(string)
	return ResourceKey{APIVersion: apiVersion, Kind: kind, Namespace: namespace, Name: name}, nil
}

// normalize rewrites YAML-decoded values so they marshal to JSON: map keys
// become strings, nested containers are rewritten recursively.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// SortManifests orders a manifest set deterministically by resource key.
func SortManifests(set []Manifest) {
	sort.Slice(set, func(i, j int) bool {
		return set[i].Key.String() < set[j].Key.String()
	})
}

// SetChecksum computes the content checksum of a manifest set. The set is
// canonicalized and sorted first, so semantically identical input always
// yields the same checksum regardless of document order, key order or
// whitespace.
func SetChecksum(set []Manifest) string {
	canon := make([]string, len(set))
	for i, m := range set {
		canon[i] = m.Key.String() + "\n" + string(m.Canonical)
	}
	sort.Strings(canon)
	sum := sha256.Sum256([]byte(strings.Join(canon, "\n")))
	return hex.EncodeToString(sum[:])
}
