// Package recipe describes multi-stage image builds.
//
// A [Recipe] is an ordered list of stages plus the configuration of the
// final image. Each stage starts from a pinned base image and either runs
// steps (shell commands, host copies, cross-stage copies, and the modifiers
// that shape them) or, when sealed, receives content only through its
// explicit import allow-list. Exactly one stage, the last, is exported; the
// others are transient and discarded once the build completes.
//
// [PythonApp] produces the canonical two-stage recipe for a Python
// application: a builder stage installs the dependency manifest into a
// user-scoped prefix, and a sealed runtime stage imports that prefix and the
// application source into a fresh copy of the same base image.
//
//	rec, err := recipe.PythonApp{
//	    Manifest: "requirements.txt",
//	    Source:   "src",
//	    Entry:    "main.py",
//	}.Recipe()
//	if err != nil {
//	    return err
//	}
//	fmt.Print(recipe.Dockerfile(rec))
package recipe
