// Package manifest loads pipeline definitions from YAML files.
//
// A definition file declares the project source, the builder and assembler
// stages, the build invocation and the artifacts to ship. [Load] decodes a
// file strictly, so unknown keys are errors, and [Pipeline.Definition]
// resolves it into a validated [pipeline.Definition]. Relative host paths
// (the local source, env files, extra files and image archives) are
// resolved against the directory holding the definition file.
//
// Example:
//
//	name: deduplicator
//	source:
//	  local: { dir: ., exclude: [target] }
//	builder:
//	  image: docker.io/library/rust:1.83-bookworm
//	  packages: [pkg-config, libssl-dev]
//	  env: { RUSTFLAGS: "-C target-feature=+aes,+sse2" }
//	build:
//	  command: cargo build
//	artifacts:
//	  - { path: target/release/deduplicator, dest: /app/deduplicator }
//	assembler:
//	  image: docker.io/library/debian:bookworm-slim
package manifest
