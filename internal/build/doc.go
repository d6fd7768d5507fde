// Package build runs a recipe against a container engine.
//
// A recipe is an ordered sequence of stages, each backed by a container
// started from a base image. Stages run strictly in order: a stage starts
// only after the previous one is built, and the first failure halts the
// pipeline. Each stage moves from pending to built or from pending to
// failed, and later stages stay pending after a failure.
//
// Before any container starts, the host inputs are checked: the requirements
// manifest must parse, and every host path imported by a sealed stage must
// exist. A content digest over those inputs is reported with the result so
// two builds from unchanged inputs can be compared.
//
// Sealed stages receive content only through their imports. A cross-stage
// import whose source is missing fails with [ErrMissingArtifact], a missing
// host source fails with [ErrMissingSource], and a failing run step in a
// builder stage fails with [ErrManifestResolution]. Every stage failure is
// reported as a [*StageError] naming the stage.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.NewEngine(rt), build.Options{
//	    Recipe:    rec,
//	    Resource:  "my-app",
//	    Output:    "dist",
//	    Root:      ".",
//	    Manifest:  "requirements.txt",
//	    Platforms: []string{"linux/amd64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
