package object

import (
	"testing"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

type fakeClass struct{ name string }

func (f fakeClass) Name() string { return f.name }

func TestInstanceFieldShadowing(t *testing.T) {
	inst := NewInstance(fakeClass{"Child"})
	inst.SetField("Base", "x", IntSlot(1))
	inst.SetField("Child", "x", IntSlot(2))

	base, ok := inst.GetField("Base", "x")
	if !ok || base.Int != 1 {
		t.Errorf("Base.x: got %+v, ok=%v", base, ok)
	}
	child, ok := inst.GetField("Child", "x")
	if !ok || child.Int != 2 {
		t.Errorf("Child.x: got %+v, ok=%v", child, ok)
	}
}

func TestArrayBounds(t *testing.T) {
	arr := NewArray(KindInt, "", 3)
	if err := arr.Set(1, IntSlot(42)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := arr.Get(1)
	if err != nil || got.Int != 42 {
		t.Errorf("Get(1): got %+v, err=%v", got, err)
	}

	if _, err := arr.Get(3); err == nil || !jvmerrors.Is(err, jvmerrors.ArrayIndexOutOfBoundsException) {
		t.Errorf("expected ArrayIndexOutOfBoundsException, got %v", err)
	}
	if _, err := arr.Get(-1); err == nil || !jvmerrors.Is(err, jvmerrors.ArrayIndexOutOfBoundsException) {
		t.Errorf("expected ArrayIndexOutOfBoundsException for negative index, got %v", err)
	}
}

func TestArrayDefaultValues(t *testing.T) {
	ints := NewArray(KindInt, "", 2)
	if ints.Elements[0].Int != 0 {
		t.Error("int array should default to 0")
	}
	refs := NewArray(KindReference, "java/lang/Object", 2)
	if !refs.Elements[0].IsNull() {
		t.Error("reference array should default to null")
	}
}

func TestMonitorReentrant(t *testing.T) {
	inst := NewInstance(fakeClass{"X"})
	threadA := "threadA"
	threadB := "threadB"

	inst.EnterMonitor(threadA)
	inst.EnterMonitor(threadA) // reentrant

	if err := inst.Monitor.Exit(threadB); err == nil {
		t.Error("expected IllegalMonitorStateException when a non-owner exits")
	}

	if err := inst.ExitMonitor(threadA); err != nil {
		t.Fatalf("first exit by owner: %v", err)
	}
	if !inst.Monitor.HeldBy(threadA) {
		t.Error("monitor should still be held after one of two reentrant exits")
	}
	if err := inst.ExitMonitor(threadA); err != nil {
		t.Fatalf("second exit by owner: %v", err)
	}
	if inst.Monitor.HeldBy(threadA) {
		t.Error("monitor should be released after matching exits")
	}
}

func TestExitMonitorNeverEntered(t *testing.T) {
	inst := NewInstance(fakeClass{"X"})
	if err := inst.ExitMonitor("thread"); err == nil {
		t.Error("expected IllegalMonitorStateException exiting a never-entered monitor")
	}
}
