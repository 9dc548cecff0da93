package graph

import (
	"sync"
	"testing"
)

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry([]Definition{validDefinition()})

	def, ok := r.Get("purchase")
	if !ok {
		t.Fatal("Get(purchase) not found")
	}
	if len(def.Steps) != 3 {
		t.Errorf("Steps = %d, want 3", len(def.Steps))
	}
	if _, ok := r.Get("contract"); ok {
		t.Error("Get(contract) should not be found")
	}
}

func TestRegistry_Step(t *testing.T) {
	r := NewRegistry([]Definition{validDefinition()})
	st, wt, ok := r.Step("director")
	if !ok {
		t.Fatal("Step(director) not found")
	}
	if st.Name != "Director" || wt != "purchase" {
		t.Errorf("Step = %+v in %q", st, wt)
	}
}

func TestRegistry_Put(t *testing.T) {
	r := NewRegistry(nil)
	before := r.Checksum()

	def := validDefinition()
	def.Checksum = "abc"
	r.Put(def)
	if _, ok := r.Get("purchase"); !ok {
		t.Fatal("Put did not install purchase")
	}
	if r.Checksum() == before {
		t.Error("Checksum should change after Put")
	}

	replaced := validDefinition()
	replaced.Steps = replaced.Steps[:1]
	replaced.Dependencies = nil
	r.Put(replaced)
	got, _ := r.Get("purchase")
	if len(got.Steps) != 1 {
		t.Errorf("Steps after replace = %d, want 1", len(got.Steps))
	}
	if _, _, ok := r.Step("cfo"); ok {
		t.Error("Step(cfo) should be gone after replace")
	}
}

func TestRegistry_WorkflowTypes(t *testing.T) {
	a := validDefinition()
	b := validDefinition()
	b.WorkflowType = "contract"
	r := NewRegistry([]Definition{a, b})
	types := r.WorkflowTypes()
	if len(types) != 2 || types[0] != "contract" || types[1] != "purchase" {
		t.Errorf("WorkflowTypes() = %v", types)
	}
}

func TestRegistry_concurrent_Put(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for _, wt := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(wt string) {
			defer wg.Done()
			def := validDefinition()
			def.WorkflowType = wt
			r.Put(def)
		}(wt)
	}
	wg.Wait()
	if n := len(r.WorkflowTypes()); n != 4 {
		t.Errorf("WorkflowTypes() = %d, want 4", n)
	}
}
