// Command microjvm loads a class by name from a classpath and drives the
// interpreter tick-by-tick until its main method returns (spec §2).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/microjvm/microjvm/pkg/bytesource"
	"github.com/microjvm/microjvm/pkg/interp"
	"github.com/microjvm/microjvm/pkg/loader"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/thread"
)

var (
	classpath string
	verbose   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "microjvm <main-class>",
		Short: "Load and run a class file's main method",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	cmd.Flags().StringVar(&classpath, "classpath", ".", "colon-separated list of classpath roots")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
		logrus.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	roots := strings.Split(classpath, ":")
	source := bytesource.NewSource(roots...)
	bootLoader := loader.NewBootstrapLoader(source)
	alloc := thread.NewAllocator(0)
	machine := interp.New(bootLoader, alloc, entry)

	mainClass := args[0]
	ref, err := bootLoader.Load(mainClass)
	if err != nil {
		return fmt.Errorf("loading %s: %w", mainClass, err)
	}

	th := thread.New(mainClass)
	if err := machine.InitializeClass(th, ref); err != nil {
		return fmt.Errorf("initializing %s: %w", mainClass, err)
	}

	method := ref.Class.File.FindMethodByName("main")
	if method == nil {
		return fmt.Errorf("%s has no main method", mainClass)
	}
	entry.Debugf("invoking %s.main%s", mainClass, method.Descriptor)

	result, err := machine.InvokeStaticMethod(th, ref, "main", method.Descriptor, []object.Slot{object.NullSlot()})
	if err != nil {
		return fmt.Errorf("running %s.main: %w", mainClass, err)
	}
	if th.Pending != nil {
		return fmt.Errorf("uncaught %s: %s", th.Pending.ClassName, th.Pending.Message)
	}
	if result.Kind != object.KindNone {
		entry.Debugf("main returned %v", result)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
