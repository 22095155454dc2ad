// Package jvmerrors implements the throwable taxonomy of spec §6/§7: every
// failure visible to Java code is expressed as an instance of a specific
// error class, carrying the Java binary class name so the interpreter's
// exception-table search (pkg/interp) and the host can both inspect it
// without parsing a message string.
package jvmerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Binary names of the throwable classes the core surfaces, per spec §6.
const (
	OutOfMemoryError              = "java/lang/OutOfMemoryError"
	ClassFormatError               = "java/lang/ClassFormatError"
	UnsupportedClassVersionError  = "java/lang/UnsupportedClassVersionError"
	ClassNotFoundException        = "java/lang/ClassNotFoundException"
	NoClassDefFoundError          = "java/lang/NoClassDefFoundError"
	LinkageError                  = "java/lang/LinkageError"
	ClassCircularityError        = "java/lang/ClassCircularityError"
	IncompatibleClassChangeError = "java/lang/IncompatibleClassChangeError"
	IllegalAccessError           = "java/lang/IllegalAccessError"
	NoSuchFieldError             = "java/lang/NoSuchFieldError"
	NoSuchMethodError            = "java/lang/NoSuchMethodError"
	NullPointerException         = "java/lang/NullPointerException"
	ArrayIndexOutOfBoundsException = "java/lang/ArrayIndexOutOfBoundsException"
	ArithmeticException          = "java/lang/ArithmeticException"
	IllegalMonitorStateException = "java/lang/IllegalMonitorStateException"
	BootstrapMethodError         = "java/lang/BootstrapMethodError"
	StackOverflowError           = "java/lang/StackOverflowError"
)

// Throwable is a Java throwable surfaced by the core. It satisfies error
// so it can travel through ordinary Go error-returning call chains until
// the interpreter routes it through a frame's exception table (§4.6, §7).
type Throwable struct {
	// ClassName is the throwable's binary class name, e.g.
	// "java/lang/NullPointerException".
	ClassName string
	Message   string
	cause     error
}

func (t *Throwable) Error() string {
	if t.Message == "" {
		return t.ClassName
	}
	return fmt.Sprintf("%s: %s", t.ClassName, t.Message)
}

func (t *Throwable) Unwrap() error { return t.cause }

// New builds a throwable of the given class with a formatted message.
func New(className, format string, args ...interface{}) *Throwable {
	return &Throwable{ClassName: className, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a throwable of the given class wrapping a lower-level cause
// (e.g. an I/O error surfaced as ClassNotFoundException, §4.3).
func Wrap(cause error, className, format string, args ...interface{}) *Throwable {
	return &Throwable{ClassName: className, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Throwable of the given class name,
// unwrapping ordinary wrapped errors along the way.
func Is(err error, className string) bool {
	var t *Throwable
	if !errors.As(err, &t) {
		return false
	}
	return t.ClassName == className
}

// NewClassFormatError builds a ClassFormatError carrying the exact
// structural-violation message text, grounded on
// original_source/src/pd4j/class_loader.c's loader->err strings (e.g.
// "Superinterface is not a class constant").
func NewClassFormatError(format string, args ...interface{}) *Throwable {
	return New(ClassFormatError, format, args...)
}

// NewUnsupportedClassVersionError reports a major/minor version outside
// the supported [45, 68] range, or a nonzero minor for majors >= 56.
func NewUnsupportedClassVersionError(major, minor uint16) *Throwable {
	return New(UnsupportedClassVersionError, "unsupported class file version %d.%d", major, minor)
}

// NewClassNotFoundException reports a class-file lookup that failed at the
// byte-stream-source layer (I/O or "not found"), distinct from a structural
// parse failure.
func NewClassNotFoundException(name string, cause error) *Throwable {
	if cause != nil {
		return Wrap(cause, ClassNotFoundException, "%s", name)
	}
	return New(ClassNotFoundException, "%s", name)
}
