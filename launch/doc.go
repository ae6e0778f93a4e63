// Copyright 2026 The Stagehand Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch stages, registers, and starts isolated jobs on a host.
//
// A job launch is a fixed sequence: stage the workspace under the stage
// root, register the job as a symlink in the jobs root, create the
// secret channel (a FIFO at <workspace>/env), start the worker unit,
// and write the secret payload into the channel with a bounded wait for
// the worker to attach. The Coordinator runs the sequence and unwinds
// every completed step, in reverse, on any failure.
//
// The secret payload only ever exists in mmap-locked memory
// (lib/secret) and in the kernel's pipe buffer between the
// coordinator's write and the worker's read. It is never a regular
// file, an environment property on the unit, or a log field.
package launch
