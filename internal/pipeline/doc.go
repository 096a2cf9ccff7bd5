// Package pipeline runs two-stage container builds.
//
// A [Definition] describes a builder stage that compiles a project and an
// assembler stage that hosts only the resulting artifacts. A [Runner]
// executes a definition against a [Runtime]: it provisions the builder,
// copies the project tree in, runs the build command, transfers the
// declared artifacts into a new layer and asks the runtime to assemble the
// final image on top of the assembler base.
//
// Every run follows a fixed state machine:
//
//	init -> provisioning-builder -> building -> artifact-ready
//	     -> [provisioning-assembler] -> copying-artifact -> finalized
//
// Any non-terminal state may move to aborted. The first failure aborts the
// run, nothing is retried, and no image is produced. Failures are reported
// as [*StageError] values naming the stage and operation involved.
//
// Example usage:
//
//	runner := &pipeline.Runner{Runtime: rt, Logger: logger}
//	run, err := runner.Run(ctx, def, pipeline.Options{Output: "dist"})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(run.Image.Path)
package pipeline
