package plugin

import "testing"

type clockService struct {
	Zone string
}

func TestServiceRegistry_RegisterAndResolve(t *testing.T) {
	sr := NewServiceRegistry()
	svc := &clockService{Zone: "UTC"}

	if err := sr.Register("echotimer.clock", svc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := Resolve[*clockService](sr, "echotimer.clock")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Zone != "UTC" {
		t.Errorf("Zone = %q, want UTC", got.Zone)
	}
}

func TestServiceRegistry_DuplicateRegisterFails(t *testing.T) {
	sr := NewServiceRegistry()
	svc := &clockService{}

	if err := sr.Register("p.svc", svc); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := sr.Register("p.svc", svc); err == nil {
		t.Fatal("duplicate Register must fail")
	}
}

func TestServiceRegistry_ResolveErrors(t *testing.T) {
	sr := NewServiceRegistry()
	sr.Register("p.svc", "a string, not a *clockService")

	if _, err := Resolve[*clockService](sr, "ghost.svc"); err == nil {
		t.Fatal("Resolve of a missing key must fail")
	}
	if _, err := Resolve[*clockService](sr, "p.svc"); err == nil {
		t.Fatal("Resolve with the wrong type must fail")
	}
}

func TestServiceRegistry_MustVariantsPanic(t *testing.T) {
	sr := NewServiceRegistry()
	sr.Register("p.svc", "value")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("MustRegister must panic on duplicate")
			}
		}()
		sr.MustRegister("p.svc", "other")
	}()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("MustResolve must panic on missing key")
			}
		}()
		MustResolve[string](sr, "ghost.svc")
	}()
}

func TestServiceRegistry_HasAndKeys(t *testing.T) {
	sr := NewServiceRegistry()
	sr.Register("b.svc", "2")
	sr.Register("a.svc", "1")

	if !sr.Has("a.svc") {
		t.Error("Has must report registered keys")
	}
	if sr.Has("ghost.svc") {
		t.Error("Has must not report missing keys")
	}

	keys := sr.Keys()
	if len(keys) != 2 || keys[0] != "a.svc" || keys[1] != "b.svc" {
		t.Fatalf("Keys = %v, want sorted [a.svc b.svc]", keys)
	}
}
