package fleet

import (
	"errors"
	"testing"
)

func TestParseManifests_MultiDoc(t *testing.T) {
	data := []byte(`
apiVersion: v1
kind: Namespace
metadata:
  name: demo
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
  namespace: demo
spec:
  replicas: 2
---
`)
	set, err := ParseManifests(data)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(set))
	}
	if set[0].Key.Kind != "Namespace" || set[0].Key.Name != "demo" {
		t.Fatalf("unexpected first key: %s", set[0].Key)
	}
	if set[1].Key.Namespace != "demo" || set[1].Key.Name != "web" {
		t.Fatalf("unexpected second key: %s", set[1].Key)
	}
}

func TestParseManifests_MissingIdentity(t *testing.T) {
	_, err := ParseManifests([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata: {}\n"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSetChecksum_IndependentOfOrderAndWhitespace(t *testing.T) {
	a := []byte(`
apiVersion: v1
kind: ConfigMap
metadata:
  name: one
  namespace: demo
data:
  x: "1"
  y: "2"
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: two
  namespace: demo
data:
  z: "3"
`)
	// Reversed document order, reversed key order, noisy whitespace.
	b := []byte(`
apiVersion: v1
kind: ConfigMap
data:
  z:   "3"
metadata:
  namespace: demo
  name: two
---
apiVersion: v1
kind: ConfigMap
data:
  y: "2"
  x: "1"
metadata:
  namespace:    demo
  name: one
`)
	setA, err := ParseManifests(a)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	setB, err := ParseManifests(b)
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if SetChecksum(setA) != SetChecksum(setB) {
		t.Fatalf("checksums differ for semantically identical sets")
	}
}

func TestSetChecksum_ChangesWithContent(t *testing.T) {
	setA, _ := ParseManifests([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: a\ndata:\n  k: \"1\"\n"))
	setB, _ := ParseManifests([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: a\ndata:\n  k: \"2\"\n"))
	if SetChecksum(setA) == SetChecksum(setB) {
		t.Fatalf("expected different checksums for different content")
	}
}

func TestApplyWeight_Ordering(t *testing.T) {
	ns := ResourceKey{APIVersion: "v1", Kind: "Namespace", Name: "demo"}
	sa := ResourceKey{APIVersion: "v1", Kind: "ServiceAccount", Namespace: "demo", Name: "app"}
	dep := ResourceKey{APIVersion: "apps/v1", Kind: "Deployment", Namespace: "demo", Name: "web"}
	if !(ns.ApplyWeight() < sa.ApplyWeight() && sa.ApplyWeight() < dep.ApplyWeight()) {
		t.Fatalf("unexpected weights: ns=%d sa=%d dep=%d", ns.ApplyWeight(), sa.ApplyWeight(), dep.ApplyWeight())
	}
}
