// Package runtime runs pipeline stages on containerd.
//
// A [Runtime] connects to a containerd daemon and implements
// [pipeline.Runtime]. Base images are pulled from their registry for the
// target platform, or imported from a local OCI archive and named after its
// path, then unpacked and used to create containers backed by the
// configured snapshotter.
//
// Each [Container] wraps a running containerd task. Commands run inside it
// as exec processes without a shell and are killed when their context is
// cancelled. Files are copied in and out as tar streams. When the
// container is no longer needed it should be destroyed to release its
// snapshot and task resources.
//
// [Runtime.Assemble] produces the final image: the assembler base, the
// assembler container's changes when it was provisioned, and the artifact
// layer, exported as an OCI archive. The stored base image is never
// modified.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "stagebuild", "")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	runner := &pipeline.Runner{Runtime: rt}
//	run, err := runner.Run(ctx, def, pipeline.Options{Output: "dist"})
package runtime
