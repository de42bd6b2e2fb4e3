// Command remotehook attaches to a running process and installs a live
// function hook, redirecting a target symbol to a replacement loaded
// from a user-supplied shared library.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	env "github.com/xyproto/env/v2"

	"github.com/xyproto/remotehook"
)

func main() {
	pid := flag.Int("pid", 0, "target process id")
	soPath := flag.String("lib", "", "path to the shared library containing the replacement and setter")
	targetName := flag.String("target", "", "symbol name of the function to hook")
	replacementName := flag.String("replacement", "", "symbol name of the replacement function in -lib")
	setterName := flag.String("setter", "", "symbol name of the setter function in -lib")
	flag.Parse()

	log := logrus.New()
	if env.Bool("REMOTEHOOK_DEBUG") {
		log.SetLevel(logrus.DebugLevel)
	}

	if *pid == 0 || *soPath == "" || *targetName == "" || *replacementName == "" || *setterName == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*pid, *soPath, *targetName, *replacementName, *setterName, log); err != nil {
		fmt.Fprintln(os.Stderr, "remotehook:", err)
		os.Exit(1)
	}
}

func run(pid int, soPath, targetName, replacementName, setterName string, log *logrus.Logger) error {
	session, err := remotehook.NewSession(pid, log)
	if err != nil {
		return err
	}

	if err := session.AttachAll(); err != nil {
		return err
	}
	defer session.Close()

	if err := session.StopAll(); err != nil {
		return err
	}

	replacementAddr, err := session.ResolveLibrarySymbol(soPath, replacementName)
	if err != nil {
		return err
	}

	patch, err := session.CreatePatch(targetName, replacementAddr)
	if err != nil {
		return err
	}
	if err := session.Check(patch); err != nil {
		return err
	}
	if err := session.Perform(patch); err != nil {
		return err
	}

	if err := session.LoadLibraryAndSet(soPath, setterName, patch.PatchedEntry); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"target":      targetName,
		"replacement": fmt.Sprintf("%#x", replacementAddr),
		"trampoline":  fmt.Sprintf("%#x", patch.PatchedEntry),
	}).Info("hook installed")

	return session.ResumeAll()
}
