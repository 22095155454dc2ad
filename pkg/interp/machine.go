// Package interp drives a pkg/thread.Thread one opcode at a time: it
// decodes each instruction, mutates the frame's operand stack and locals,
// and routes exceptional control flow (athrow, propagation, return) back
// through the frame's exception table (spec §4.6). It also implements the
// bytecode-driven operations pkg/thread deliberately leaves to its caller:
// invoking a method, initializing a class, and linking a bootstrap method
// for invokedynamic/dynamically-computed constants.
package interp

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/resolve"
	"github.com/microjvm/microjvm/pkg/thread"
)

// maxFrameDepth bounds the interpreter's own call stack, surfacing runaway
// recursion as StackOverflowError instead of exhausting host memory.
const maxFrameDepth = 1024

// Machine is the interpreter: a resolver bound to this machine as its
// bootstrap invoker, a heap allocator shared by every thread it drives,
// and the bootstrap loader used to look up built-in throwable classes by
// name during exception-table matching.
type Machine struct {
	Resolver   *resolve.Resolver
	Alloc      *thread.Allocator
	BootLoader *loader.Loader
	Log        *logrus.Entry
	// Stdout backs the java/lang/System.out PrintStream (spec §4.6
	// getstatic/invokevirtual native routing below), defaulting to the
	// process's own stdout.
	Stdout io.Writer
}

// New builds a Machine and wires its resolver to use the Machine itself as
// the BootstrapInvoker (spec §4.5's dependency-inversion seam: pkg/resolve
// never imports pkg/interp).
func New(bootLoader *loader.Loader, alloc *thread.Allocator, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Machine{
		Alloc:      alloc,
		BootLoader: bootLoader,
		Log:        log,
		Stdout:     os.Stdout,
	}
	m.Resolver = resolve.NewResolver(m)
	return m
}

// Step executes exactly one opcode of thread's current frame and reports
// whether the caller's drive loop should keep calling Step (spec §4.6). A
// false return with no error means the thread ran to completion naturally
// (its frame stack emptied with no pending throwable; thread.Thread.State
// is StateFresh) or terminated on an uncaught throwable (State is
// StateTerminated and Pending holds the throwable).
func (m *Machine) Step(th *thread.Thread) (bool, error) {
	f := th.Top()
	if f == nil {
		return false, nil
	}
	if th.Depth() > maxFrameDepth {
		return m.unwind(th, f.PC, jvmerrors.New(jvmerrors.StackOverflowError, "frame depth exceeded %d", maxFrameDepth)), nil
	}

	instructionPC := f.PC
	op := f.ReadU8()

	result, hasReturn, err := m.execOpcode(th, f, instructionPC, op)
	if err != nil {
		if !isThrowErr(err) {
			return false, err
		}
		return m.unwind(th, instructionPC, err), nil
	}
	if hasReturn {
		return m.doReturn(th, result), nil
	}
	return true, nil
}

// Run drives Step until the thread stops, for callers (cmd/microjvm, and
// the internal invoke helpers below) that just want a method to run to
// completion.
func (m *Machine) Run(th *thread.Thread) error {
	for {
		cont, err := m.Step(th)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// runUntilDepth drives Step until thread's frame stack is no deeper than
// target, used by InvokeStaticMethod/InvokeInstanceMethod/InitializeClass
// to run a pushed frame to completion without disturbing frames below it.
func (m *Machine) runUntilDepth(th *thread.Thread, target int) error {
	for th.Depth() > target {
		cont, err := m.Step(th)
		if err != nil {
			return err
		}
		if !cont {
			// Thread terminated (uncaught throwable unwound past target)
			// while we only wanted to run one nested call; surface the
			// pending throwable to our caller instead of silently
			// returning.
			if th.Pending != nil {
				pending := th.Pending
				th.ClearThrowable()
				return pending
			}
			return nil
		}
	}
	return nil
}

// thrownSignal carries an athrow's original heap instance alongside its
// throwable classification, so a caught user-defined exception keeps its
// identity and fields instead of being reboxed from scratch (spec §4.6
// athrow, §7).
type thrownSignal struct {
	*jvmerrors.Throwable
	instance *object.Instance
}

func isThrowErr(err error) bool {
	switch err.(type) {
	case *jvmerrors.Throwable, *thrownSignal:
		return true
	}
	return false
}

func unpackThrown(err error) (*jvmerrors.Throwable, *object.Instance) {
	switch e := err.(type) {
	case *thrownSignal:
		return e.Throwable, e.instance
	case *jvmerrors.Throwable:
		return e, nil
	default:
		return jvmerrors.New("java/lang/Error", "%v", err), nil
	}
}

// unwind searches frames from the top down, starting the search in the
// current top frame at instructionPC (the opcode that raised err, spec
// §4.6), for an exception-table entry that matches err's throwable class.
// It releases the monitor of every frame it pops without a match.
func (m *Machine) unwind(th *thread.Thread, instructionPC int, err error) bool {
	thrown, instance := unpackThrown(err)
	return m.unwindAt(th, instructionPC, true, thrown, instance)
}

// unwindCaller is unwind's variant for errors raised outside of opcode
// dispatch against an already-current top frame (a monitor release failure
// during *return, spec §4.6): the search starts at that frame's own PC, not
// an override.
func (m *Machine) unwindCaller(th *thread.Thread, err error) bool {
	thrown, instance := unpackThrown(err)
	return m.unwindAt(th, 0, false, thrown, instance)
}

func (m *Machine) unwindAt(th *thread.Thread, topPC int, overrideTop bool, thrown *jvmerrors.Throwable, instance *object.Instance) bool {
	if instance == nil {
		instance = thread.BoxThrowable(thrown)
	}
	first := true
	for th.Depth() > 0 {
		f := th.Top()
		pc := f.PC
		if first && overrideTop {
			pc = topPC
		}
		first = false
		if handler := f.FindHandler(pc, thrown.ClassName, m.isInstance); handler != nil {
			f.SP = 0
			f.Push(object.RefSlot(instance))
			f.PC = int(handler.HandlerPC)
			th.ClearThrowable()
			return true
		}
		popped := th.PopFrame()
		if popped.Monitor != nil {
			popped.Monitor.Exit(th)
		}
	}
	th.Destroy()
	th.SetThrowable(thrown, instance)
	return false
}

// isInstance backs Frame.FindHandler's assignability test (spec §4.6,
// §4.4): an exact class-name match always counts; a true superclass
// relationship additionally counts when both names denote classes this
// machine's bootstrap loader (or one of its children) has actually loaded,
// since built-in throwables raised directly by the core (NullPointerException
// and friends) have no backing class file to walk a hierarchy over.
func (m *Machine) isInstance(thrownName, catchName string) bool {
	if thrownName == catchName {
		return true
	}
	thrownRef := m.BootLoader.GetLoaded(thrownName)
	catchRef := m.BootLoader.GetLoaded(catchName)
	if thrownRef == nil || catchRef == nil {
		return false
	}
	return loader.IsSubclassOf(thrownRef, catchRef)
}

// npe builds a NullPointerException throwable, used by every opcode that
// dereferences a possibly-null reference.
func npe(format string, args ...interface{}) error {
	return jvmerrors.New(jvmerrors.NullPointerException, format, args...)
}

// classRefName is a tiny helper around loader.Ref/object.ClassRef's common
// Name() method, used where an opcode holds either shape.
func classRefName(c object.ClassRef) string {
	if c == nil {
		return ""
	}
	return c.Name()
}
