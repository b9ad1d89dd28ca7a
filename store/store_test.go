package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "quill.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// hello builds an assembly printing "hello " followed by $name.
func hello(t *testing.T, name string) *vm.Assembly {
	t.Helper()
	asm := vm.NewAssembly(name, vm.OptimizeCallsite)
	k, err := asm.AddConstant(vm.FromString("hello "))
	if err != nil {
		t.Fatal(err)
	}
	n, _ := asm.AddConstant(vm.FromString("name"))
	asm.AddSourceLocation(asm.CurrentOffset(), diag.Position{Line: 1, Column: 1})
	asm.Emit(vm.OpEmitConst, int(k))
	asm.Emit(vm.OpLoadVar, int(n))
	asm.Emit(vm.OpEmit)
	return asm
}

type vars map[string]vm.Value

func (v vars) Get(name string) (vm.Value, bool) {
	x, ok := v[name]
	return x, ok
}

func (v vars) Set(name string, x vm.Value)    { v[name] = x }
func (v vars) Define(name string, x vm.Value) { v[name] = x }
func (vars) PushScope()                       {}
func (vars) PopScope()                        {}
func (vars) Host() vm.HostAccessor            { return nil }

func TestPutGet(t *testing.T) {
	s := openTemp(t)
	asm := hello(t, "greeting")

	rec, err := s.Put("greeting", "abc123", asm)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Level != vm.OptimizeCallsite || rec.SourceHash != "abc123" || rec.Size == 0 {
		t.Errorf("Put record = %+v", rec)
	}

	got, grec, err := s.Get("greeting")
	if err != nil {
		t.Fatal(err)
	}
	if grec.ID != rec.ID || !grec.Created.Equal(rec.Created) || grec.Size != rec.Size {
		t.Errorf("Get record = %+v, want %+v", grec, rec)
	}

	want, _ := asm.MarshalBinary()
	have, _ := got.MarshalBinary()
	if !bytes.Equal(want, have) {
		t.Error("stored assembly differs from the original")
	}

	out, diags := vm.Execute(got, vars{"name": vm.FromString("Ada")})
	if out != "hello Ada" || len(diags) != 0 {
		t.Errorf("Execute = %q, %v", out, diags)
	}
}

func TestPutReplaces(t *testing.T) {
	s := openTemp(t)
	first, err := s.Put("t", "h1", hello(t, "t"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Put("t", "h2", hello(t, "t"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("rebuild kept the old id")
	}
	rec, err := s.Lookup("t")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != second.ID || rec.SourceHash != "h2" {
		t.Errorf("Lookup = %+v, want the second build", rec)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTemp(t)
	for _, name := range []string{"c", "a", "b"} {
		if _, err := s.Put(name, "h", hello(t, name)); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Name != "a" || recs[2].Name != "c" {
		t.Errorf("List = %+v", recs)
	}

	if err := s.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
	if _, _, err := s.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get deleted = %v, want ErrNotFound", err)
	}
	if _, err := s.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup missing = %v, want ErrNotFound", err)
	}
	if recs, _ := s.List(); len(recs) != 2 {
		t.Errorf("List after delete = %+v", recs)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := s.Put("t", "h", hello(t, "t"))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Lookup("t")
	if err != nil || got.ID != rec.ID {
		t.Errorf("Lookup after reopen = %+v, %v", got, err)
	}
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Put("t", "h", hello(t, "t")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("t"); err != nil {
		t.Error(err)
	}
}

func TestPutRejectsHostConstant(t *testing.T) {
	s := openTemp(t)
	asm := vm.NewAssembly("bad", vm.OptimizeNone)
	asm.Constants = append(asm.Constants, vm.FromHost(struct{}{}))
	if _, err := s.Put("bad", "h", asm); err == nil {
		t.Error("Put should fail to encode a host constant")
	}
	if _, err := s.Lookup("bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed Put left a row: %v", err)
	}
}

func TestConcurrentPut(t *testing.T) {
	s := openTemp(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := string(rune('a' + i))
			if _, err := s.Put(name, "h", hello(t, name)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if recs, _ := s.List(); len(recs) != 8 {
		t.Errorf("List = %d records, want 8", len(recs))
	}
}
