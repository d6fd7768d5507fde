// Package runtime runs build containers on containerd.
//
// A [Runtime] holds a containerd client scoped to one namespace. Base images
// are either pulled from a registry or imported from a local OCI archive,
// then unpacked for the target platform into the snapshotter. Containers are
// created from a prepared image with a fresh snapshot and kept alive by a
// "sleep infinity" task so that commands can be executed against them.
//
// A [Container] supports command execution, directory creation, existence
// probes, and tar stream copies in both directions. Export commits the
// container's filesystem changes as a single layer on top of the base image,
// applies an [ImageConfig], and writes an OCI archive. Containers must be
// destroyed when no longer needed to release their snapshot and task.
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "pyslim")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	tag, err := rt.Pull(ctx, "docker.io/library/python:3.12-slim", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.Start(ctx, tag, "app-linux-amd64-stage-runtime", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
package runtime
