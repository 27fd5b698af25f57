package orchestrate

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/evochora/pipeline/internal/resource"
)

func TestParseBindingSimple(t *testing.T) {
	name, rc, err := ParseBinding("organism-indexer", "in", "topic-write:batch-topic")
	if err != nil {
		t.Fatalf("ParseBinding: %v", err)
	}
	if name != "batch-topic" {
		t.Fatalf("name = %q, want batch-topic", name)
	}
	if rc.UsageType != "topic-write" {
		t.Fatalf("usage type = %q, want topic-write", rc.UsageType)
	}
	if rc.ServiceName != "organism-indexer" || rc.PortName != "in" {
		t.Fatalf("rc = %+v", rc)
	}
}

func TestParseBindingWithParameters(t *testing.T) {
	name, rc, err := ParseBinding("svc", "port", "topic-read:batch-topic?consumerGroup=organism-indexer")
	if err != nil {
		t.Fatalf("ParseBinding: %v", err)
	}
	if name != "batch-topic" {
		t.Fatalf("name = %q, want batch-topic", name)
	}
	if rc.Parameters["consumerGroup"] != "organism-indexer" {
		t.Fatalf("consumerGroup param = %q", rc.Parameters["consumerGroup"])
	}
}

func TestParseBindingTopicReadRequiresConsumerGroup(t *testing.T) {
	_, _, err := ParseBinding("svc", "port", "topic-read:batch-topic")
	if err == nil {
		t.Fatal("expected topic-read without consumerGroup to fail")
	}
}

func TestParseBindingMissingSeparator(t *testing.T) {
	_, _, err := ParseBinding("svc", "port", "batch-topic")
	if err == nil {
		t.Fatal("expected a binding without ':' to fail")
	}
}

func TestParseBindingMissingResourceName(t *testing.T) {
	_, _, err := ParseBinding("svc", "port", "storage-read:")
	if err == nil {
		t.Fatal("expected a binding with an empty resource name to fail")
	}
}

type fakeResource struct{ *resource.Monitor }

func newFakeResource(name string) *fakeResource { return &fakeResource{resource.NewMonitor(name)} }

type closeTrackingWrapper struct {
	id     string
	closed *[]string
}

func (c *closeTrackingWrapper) Close() error {
	*c.closed = append(*c.closed, c.id)
	return nil
}

type contextualFakeResource struct {
	*resource.Monitor
	closed *[]string
	binds  int
}

func (c *contextualFakeResource) Bind(rc ResourceContext) (io.Closer, error) {
	c.binds++
	return &closeTrackingWrapper{id: rc.PortName, closed: c.closed}, nil
}

func TestRegistryConstructsResourceOnlyOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.RegisterFactory("storage", func(string) (resource.Resource, error) {
		calls++
		return newFakeResource("storage"), nil
	})

	if _, _, err := r.Resolve("svc", "a", "storage-read:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, _, err := r.Resolve("svc", "b", "storage-write:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestRegistryUsageTypesTracksResolvedBindings(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("storage", func(string) (resource.Resource, error) { return newFakeResource("storage"), nil })

	if _, _, err := r.Resolve("svc", "a", "storage-read:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, _, err := r.Resolve("svc", "b", "storage-write:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// A repeated usage type is recorded once.
	if _, _, err := r.Resolve("svc", "c", "storage-read:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got := r.UsageTypes()["storage"]
	if len(got) != 2 {
		t.Fatalf("usage types = %v, want [storage-read storage-write]", got)
	}
	seen := map[string]bool{}
	for _, ut := range got {
		seen[ut] = true
	}
	if !seen["storage-read"] || !seen["storage-write"] {
		t.Fatalf("usage types = %v, want storage-read and storage-write", got)
	}
}

func TestRegistryResolveUnknownResourceFails(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Resolve("svc", "a", "storage-read:nope"); err == nil {
		t.Fatal("expected Resolve against an unregistered resource to fail")
	}
}

func TestRegistryInstancesReflectsConstructed(t *testing.T) {
	r := NewRegistry()
	r.RegisterFactory("storage", func(string) (resource.Resource, error) { return newFakeResource("storage"), nil })
	if _, _, err := r.Resolve("svc", "a", "storage-read:storage"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := r.Instances()["storage"]; !ok {
		t.Fatal("expected Instances() to include the constructed resource")
	}
}

func TestRegistryFactoryErrorPropagates(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("connect refused")
	r.RegisterFactory("db", func(string) (resource.Resource, error) { return nil, boom })
	_, _, err := r.Resolve("svc", "a", "database-metadata:db")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRegistryCloseWithoutBindingsIsNoop(t *testing.T) {
	r := NewRegistry()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRegistryBindsContextualResourcePerPortAndClosesInReverseOrder(t *testing.T) {
	r := NewRegistry()
	var closed []string
	res := &contextualFakeResource{Monitor: resource.NewMonitor("topic"), closed: &closed}
	r.RegisterFactory("batch-topic", func(string) (resource.Resource, error) { return res, nil })

	if _, _, err := r.Resolve("organism-indexer", "first", "topic-write:batch-topic"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, _, err := r.Resolve("organism-indexer", "second", "topic-write:batch-topic"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.binds != 2 {
		t.Fatalf("Bind called %d times, want 2 (once per Resolve)", res.binds)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(closed) != 2 || closed[0] != "second" || closed[1] != "first" {
		t.Fatalf("close order = %v, want [second first]", closed)
	}
}

func TestParseBindingTimeoutParameterParsesAsDuration(t *testing.T) {
	_, rc, err := ParseBinding("svc", "port", "topic-read:t?consumerGroup=g&timeout=5s")
	if err != nil {
		t.Fatalf("ParseBinding: %v", err)
	}
	d, perr := time.ParseDuration(rc.Parameters["timeout"])
	if perr != nil {
		t.Fatalf("parse timeout param: %v", perr)
	}
	if d != 5*time.Second {
		t.Fatalf("timeout = %s, want 5s", d)
	}
}
